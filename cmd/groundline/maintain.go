package groundline

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/groundline-ai/groundline/pkg/trace"
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate-memory",
	Short: "Run one archival consolidation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer app.close()

		result, err := app.memory.Consolidate(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("consolidated archival memory: %d decayed, %d merged, %d pruned\n",
			result.Decayed, result.Merged, result.Pruned)
		return nil
	},
}

var tracesLast int

var tracesCmd = &cobra.Command{
	Use:   "inspect-traces",
	Short: "Show recently recorded spans",
	RunE: func(cmd *cobra.Command, args []string) error {
		exporter, err := trace.NewSQLiteExporter(cfg.Path("traces", "traces.db"))
		if err != nil {
			return err
		}
		defer exporter.Close()

		spans, err := exporter.Recent(cmd.Context(), tracesLast)
		if err != nil {
			return err
		}
		if len(spans) == 0 {
			fmt.Println("no spans recorded")
			return nil
		}
		for _, s := range spans {
			line := fmt.Sprintf("%s  %-10s %-30s %-8s %s",
				s.Start.Format("15:04:05.000"), s.Kind, s.Name, s.Status, s.End.Sub(s.Start))
			if s.ErrMsg != "" {
				line += "  error=" + s.ErrMsg
			}
			fmt.Println(line)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show corpus, graph, and memory statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer app.close()

		stats, err := app.chunks.Stats(cmd.Context())
		if err != nil {
			return err
		}
		stats.TotalVectors = app.vectors.Len()
		entities, relations := app.graph.Stats()

		fmt.Printf("data root: %s\n", cfg.DataRoot)
		fmt.Printf("corpus:    %d sources, %d chunks, %d vectors\n",
			stats.TotalSources, stats.TotalChunks, stats.TotalVectors)
		fmt.Printf("graph:     %d entities, %d relations\n", entities, relations)
		fmt.Printf("working:   %d messages\n", len(app.memory.Working()))
		return nil
	},
}

func init() {
	tracesCmd.Flags().IntVar(&tracesLast, "last", 20, "number of spans to show")
}
