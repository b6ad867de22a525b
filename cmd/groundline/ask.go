package groundline

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/groundline-ai/groundline/pkg/coordinator"
	"github.com/groundline-ai/groundline/pkg/domain"
)

var (
	askSession string
	askReact   bool
	askStrict  bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Run one task through the coordinator",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")

		app, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer app.close()

		opts := coordinator.Options{
			ReflectThreshold: cfg.Coordinator.ReflectThreshold,
			Strict:           askStrict,
			ReAct:            askReact,
			MaxIters:         cfg.Coordinator.MaxIters,
		}
		resp, err := app.coord.Execute(cmd.Context(), question, opts)
		if err != nil {
			return err
		}

		fmt.Println(resp.Content)
		if len(resp.Sources) > 0 {
			fmt.Println("\nSources:")
			for _, src := range resp.Sources {
				fmt.Printf("  [%d] %s\n", src.Index, src.SourceID)
			}
		}
		if resp.TraceID != "" {
			fmt.Printf("\ntrace: %s\n", resp.TraceID)
		}

		// Persist the exchange when a session is named.
		if askSession != "" {
			if err := appendExchange(cmd, app, question, resp.Content); err != nil {
				return err
			}
		}
		return nil
	},
}

func appendExchange(cmd *cobra.Command, app *app, question, answer string) error {
	ctx := cmd.Context()
	conv, err := app.sessions.Load(ctx, askSession)
	if domain.KindOf(err) == domain.KindNotFound {
		conv = &domain.Conversation{ID: askSession}
		if err := app.sessions.Save(ctx, conv); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	if _, err := app.sessions.AppendMessage(ctx, conv.ID, domain.Message{Role: "user", Content: question}); err != nil {
		return err
	}
	_, err = app.sessions.AppendMessage(ctx, conv.ID, domain.Message{Role: "assistant", Content: answer})
	return err
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "", "conversation id to append the exchange to")
	askCmd.Flags().BoolVar(&askReact, "react", false, "use the ReAct tool loop instead of plan execution")
	askCmd.Flags().BoolVar(&askStrict, "strict", false, "fail instead of answering when verification still fails after the retry")
}
