package rag

import (
	"fmt"
	"strings"

	"github.com/groundline-ai/groundline/pkg/domain"
)

// pack concatenates chunk texts in rank order with citation anchors
// [1], [2], … until the token budget would be exceeded. Graph context,
// when present, is prepended and counts against the budget. Duplicate
// chunks were already collapsed by fusion.
func (e *Engine) pack(fused []*fusedResult, graphContext string, budget int) *domain.RetrievalResponse {
	resp := &domain.RetrievalResponse{}

	var b strings.Builder
	used := 0
	if graphContext != "" {
		cost := e.estimator.Estimate(graphContext)
		if cost <= budget {
			b.WriteString(graphContext)
			b.WriteString("\n")
			used = cost
		}
	}

	for _, f := range fused {
		resp.Results = append(resp.Results, f.RetrievalResult)
		if f.Text == "" {
			continue
		}
		anchor := len(resp.Citations) + 1
		block := fmt.Sprintf("[%d] %s\n\n", anchor, f.Text)
		cost := e.estimator.Estimate(block)
		if used+cost > budget {
			continue
		}
		b.WriteString(block)
		used += cost
		resp.Citations = append(resp.Citations, domain.Citation{
			Index:    anchor,
			ChunkID:  f.ChunkID,
			SourceID: f.SourceID,
		})
	}

	resp.PackedContext = strings.TrimSpace(b.String())
	resp.TokenEst = used
	return resp
}
