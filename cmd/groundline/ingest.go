package groundline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/groundline-ai/groundline/pkg/domain"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>",
	Short: "Ingest a file into the corpus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		content, err := os.ReadFile(path)
		if err != nil {
			return domain.Wrap(domain.KindInvalidInput, "read input file", err)
		}

		app, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer app.close()

		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		src, err := app.ingestor.Ingest(cmd.Context(), abs, sourceKindFor(path), "text/plain", string(content))
		if err != nil {
			return err
		}

		stats, err := app.chunks.Stats(cmd.Context())
		if err != nil {
			return err
		}
		stats.TotalVectors = app.vectors.Len()
		fmt.Printf("ingested %s as source %s\n", path, src.ID)
		fmt.Printf("corpus: %d sources, %d chunks, %d vectors\n",
			stats.TotalSources, stats.TotalChunks, stats.TotalVectors)
		return nil
	},
}

func sourceKindFor(path string) domain.SourceKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return domain.SourceHTML
	case ".go", ".py", ".js", ".ts", ".rs", ".java", ".c", ".h":
		return domain.SourceCode
	default:
		return domain.SourceText
	}
}
