package rag

import (
	"context"
	"strings"

	"github.com/groundline-ai/groundline/pkg/domain"
)

const maxRewrites = 3

const rewritePrompt = `Rewrite the search query below into up to 3 alternative
phrasings that would retrieve the same information: one hypothetical answer
sentence, one keyword expansion, one statement form. One rewrite per line, no
numbering, no commentary.

Query: %q`

// Rewriter produces up to three query variants through the generation
// backend. Retrieval proceeds with the original query alone when the
// backend is absent or fails.
type Rewriter struct {
	Generator domain.Generator
}

// Rewrite returns alternative phrasings of the query, never more than
// maxRewrites and never including the original.
func (r *Rewriter) Rewrite(ctx context.Context, query string) ([]string, error) {
	if r.Generator == nil {
		return nil, nil
	}
	out, err := r.Generator.Generate(ctx,
		strings.Replace(rewritePrompt, "%q", "\""+query+"\"", 1),
		&domain.GenerationOptions{Temperature: 0.3, MaxTokens: 200})
	if err != nil {
		return nil, err
	}

	var rewrites []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" || strings.EqualFold(line, query) {
			continue
		}
		rewrites = append(rewrites, line)
		if len(rewrites) == maxRewrites {
			break
		}
	}
	return rewrites, nil
}
