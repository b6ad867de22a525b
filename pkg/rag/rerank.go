package rag

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/groundline-ai/groundline/pkg/domain"
)

const rerankPrompt = `Rate how relevant the passage is to the query on a scale
from 0 (irrelevant) to 10 (directly answers it). Respond with the number only.

Query: %s

Passage: %s`

var leadingNumber = regexp.MustCompile(`\d+(\.\d+)?`)

// rerank scores the top min(rerankCap, len) candidates pairwise against
// the query through the generator. Failures leave the affected
// candidate's rerank score at zero; fused order still dominates.
func (e *Engine) rerank(ctx context.Context, query string, fused []*fusedResult) {
	sort.Slice(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })
	n := len(fused)
	if n > rerankCap {
		n = rerankCap
	}
	for _, f := range fused[:n] {
		if ctx.Err() != nil {
			return
		}
		text := f.Text
		if text == "" {
			chunk, err := e.chunks.Get(ctx, f.ChunkID)
			if err != nil {
				continue
			}
			text = chunk.Text
			f.Text = text
			f.SourceID = chunk.SourceID
		}
		out, err := e.generator.Generate(ctx,
			fmt.Sprintf(rerankPrompt, query, text),
			&domain.GenerationOptions{Temperature: 0, MaxTokens: 8})
		if err != nil {
			e.logger.Warn("rerank call failed", "chunk", f.ChunkID, "error", err)
			continue
		}
		if m := leadingNumber.FindString(out); m != "" {
			if score, err := strconv.ParseFloat(m, 64); err == nil && score >= 0 && score <= 10 {
				f.RerankScore = score / 10
			}
		}
	}
}
