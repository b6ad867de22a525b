// Package groundline holds the CLI commands.
package groundline

import (
	"github.com/spf13/cobra"

	"github.com/groundline-ai/groundline/pkg/config"
	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/log"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	version = "dev"
)

// Exit codes per the CLI contract.
const (
	ExitOK            = 0
	ExitError         = 1
	ExitMisconfigured = 2
	ExitBackendDown   = 3
)

var RootCmd = &cobra.Command{
	Use:   "groundline",
	Short: "Groundline - self-hosted retrieval-augmented assistant platform",
	Long: `Groundline is a self-hosted assistant platform: hybrid retrieval with
knowledge-graph enrichment, tiered memory, specialist workers behind a
coordinator, answer verification, and an MCP (JSON-RPC 2.0) server over
stdio, HTTP, and WebSocket.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return domain.Wrap(domain.KindInvalidInput, "load configuration", err)
		}
		if verbose {
			log.SetLevelName("debug")
		} else {
			log.SetLevelName(cfg.LogLevel)
		}
		return nil
	},
}

// GetRootCmd returns the root command.
func GetRootCmd() *cobra.Command {
	return RootCmd
}

// SetVersion sets the reported version.
func SetVersion(v string) {
	version = v
	RootCmd.Version = v
}

// ExitCode maps an error to the documented exit codes.
func ExitCode(err error) int {
	switch domain.KindOf(err) {
	case "":
		return ExitOK
	case domain.KindInvalidInput:
		return ExitMisconfigured
	case domain.KindBackendUnavailable:
		return ExitBackendDown
	default:
		return ExitError
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path (default: ./groundline.toml or $DATA_ROOT/groundline.toml)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging output")

	RootCmd.AddCommand(serverCmd)
	RootCmd.AddCommand(askCmd)
	RootCmd.AddCommand(httpCmd)
	RootCmd.AddCommand(ingestCmd)
	RootCmd.AddCommand(consolidateCmd)
	RootCmd.AddCommand(tracesCmd)
	RootCmd.AddCommand(statusCmd)
}
