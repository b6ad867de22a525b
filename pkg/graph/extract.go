package graph

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/groundline-ai/groundline/pkg/domain"
)

// Mention is one extracted entity occurrence.
type Mention struct {
	Name string
	Kind EntityKind
}

// Triple is one extracted candidate relation.
type Triple struct {
	Src      string
	Kind     string
	Dst      string
	SrcKind  EntityKind
	DstKind  EntityKind
	Strength float64
}

// Extractor produces entity mentions and candidate relations from text.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Mention, []Triple, error)
}

// properName matches capitalized word runs: "Acme Corp", "Jane Doe".
var properName = regexp.MustCompile(`\b[A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*\b`)

// relationPatterns are fast, low-precision surface patterns mapping to
// relation kinds. Each has two capture groups: src and dst.
var relationPatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`([A-Z][a-zA-Z ]+?) works (?:at|for) ([A-Z][a-zA-Z ]+)`), "works_at"},
	{regexp.MustCompile(`([A-Z][a-zA-Z ]+?) is (?:the |a |an )?(?:CEO|founder|head|director|manager) of ([A-Z][a-zA-Z ]+)`), "leads"},
	{regexp.MustCompile(`([A-Z][a-zA-Z ]+?) is (?:located|based|headquartered) in ([A-Z][a-zA-Z ]+)`), "located_in"},
	{regexp.MustCompile(`([A-Z][a-zA-Z ]+?) is part of ([A-Z][a-zA-Z ]+)`), "part_of"},
	{regexp.MustCompile(`([A-Z][a-zA-Z ]+?) (?:acquired|bought) ([A-Z][a-zA-Z ]+)`), "acquired"},
	{regexp.MustCompile(`([A-Z][a-zA-Z ]+?) (?:owns|operates) ([A-Z][a-zA-Z ]+)`), "owns"},
}

// stopNames are capitalized words that are sentence artifacts, not
// entities.
var stopNames = map[string]bool{
	"The": true, "A": true, "An": true, "This": true, "That": true,
	"It": true, "He": true, "She": true, "They": true, "We": true,
	"If": true, "When": true, "What": true, "Who": true, "Where": true,
	"How": true, "Why": true, "In": true, "On": true, "At": true,
	"For": true, "As": true, "But": true, "And": true, "Or": true,
	"Is": true, "Are": true, "Was": true, "Were": true, "Not": true,
	"Yes": true, "No": true, "Also": true, "However": true, "Then": true,
	"These": true, "Those": true, "Its": true, "Their": true, "Our": true,
	"I": true, "You": true, "My": true, "Your": true, "There": true,
	"Here": true, "To": true, "Of": true, "By": true, "With": true,
	"From": true, "After": true, "Before": true, "During": true,
	"Since": true, "While": true, "Because": true, "So": true,
}

// PatternExtractor is the fast, low-precision extractor. It treats
// capitalized word runs as concept entities and applies a small set of
// surface patterns for relations.
type PatternExtractor struct{}

// Extract implements Extractor.
func (PatternExtractor) Extract(_ context.Context, text string) ([]Mention, []Triple, error) {
	var mentions []Mention
	seen := map[string]bool{}
	for _, name := range properName.FindAllString(text, -1) {
		name = strings.TrimSpace(name)
		if stopNames[name] || len(name) < 3 {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		mentions = append(mentions, Mention{Name: name, Kind: EntityConcept})
	}

	var triples []Triple
	for _, p := range relationPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			src := strings.TrimSpace(m[1])
			dst := strings.TrimSpace(m[2])
			if src == "" || dst == "" || strings.EqualFold(src, dst) {
				continue
			}
			triples = append(triples, Triple{
				Src: src, Kind: p.kind, Dst: dst,
				SrcKind: EntityConcept, DstKind: EntityConcept,
				Strength: 1,
			})
		}
	}
	return mentions, triples, nil
}

const extractPrompt = `Extract entities and relations from the text below.
Respond with JSON only, no prose:
{"entities":[{"name":"...","kind":"person|org|place|concept|doc"}],
 "relations":[{"src":"...","kind":"...","dst":"..."}]}

Text:
%s`

// LLMExtractor uses a generator for higher-precision extraction. It
// falls back to the pattern extractor when the model output cannot be
// parsed.
type LLMExtractor struct {
	Generator domain.Generator
	Fallback  PatternExtractor
}

type llmExtraction struct {
	Entities []struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	} `json:"entities"`
	Relations []struct {
		Src  string `json:"src"`
		Kind string `json:"kind"`
		Dst  string `json:"dst"`
	} `json:"relations"`
}

// Extract implements Extractor.
func (e *LLMExtractor) Extract(ctx context.Context, text string) ([]Mention, []Triple, error) {
	if e.Generator == nil {
		return e.Fallback.Extract(ctx, text)
	}
	out, err := e.Generator.Generate(ctx, strings.Replace(extractPrompt, "%s", text, 1), &domain.GenerationOptions{Temperature: 0})
	if err != nil {
		return nil, nil, err
	}
	parsed, ok := parseExtraction(out)
	if !ok {
		return e.Fallback.Extract(ctx, text)
	}

	var mentions []Mention
	for _, ent := range parsed.Entities {
		name := strings.TrimSpace(ent.Name)
		if name == "" {
			continue
		}
		mentions = append(mentions, Mention{Name: name, Kind: normalizeKind(ent.Kind)})
	}
	var triples []Triple
	for _, rel := range parsed.Relations {
		src, dst := strings.TrimSpace(rel.Src), strings.TrimSpace(rel.Dst)
		kind := strings.TrimSpace(rel.Kind)
		if src == "" || dst == "" || kind == "" {
			continue
		}
		triples = append(triples, Triple{
			Src: src, Kind: kind, Dst: dst,
			SrcKind: EntityConcept, DstKind: EntityConcept,
			Strength: 1,
		})
	}
	return mentions, triples, nil
}

func parseExtraction(out string) (llmExtraction, bool) {
	out = strings.TrimSpace(out)
	// Models often fence JSON; strip that.
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return llmExtraction{}, false
	}
	var parsed llmExtraction
	if err := json.Unmarshal([]byte(out[start:end+1]), &parsed); err != nil {
		return llmExtraction{}, false
	}
	return parsed, true
}

func normalizeKind(kind string) EntityKind {
	switch EntityKind(strings.ToLower(strings.TrimSpace(kind))) {
	case EntityPerson:
		return EntityPerson
	case EntityOrg:
		return EntityOrg
	case EntityPlace:
		return EntityPlace
	case EntityDoc:
		return EntityDoc
	default:
		return EntityConcept
	}
}

// Observe runs an extractor over chunk text and records the results in
// the graph, attributing mentions to the chunk. Pattern confidence is
// 0.5, LLM confidence 0.8.
func (g *Graph) Observe(ctx context.Context, ex Extractor, chunkID, text string, confidence float64) error {
	mentions, triples, err := ex.Extract(ctx, text)
	if err != nil {
		return err
	}
	ids := make(map[string]string) // lowered name -> entity id
	for _, m := range mentions {
		e, err := g.UpsertEntity(ctx, m.Name, m.Kind, confidence, chunkID)
		if err != nil {
			return err
		}
		ids[strings.ToLower(m.Name)] = e.ID
	}
	for _, t := range triples {
		srcID, ok := ids[strings.ToLower(t.Src)]
		if !ok {
			e, err := g.UpsertEntity(ctx, t.Src, t.SrcKind, confidence, chunkID)
			if err != nil {
				return err
			}
			srcID = e.ID
		}
		dstID, ok := ids[strings.ToLower(t.Dst)]
		if !ok {
			e, err := g.UpsertEntity(ctx, t.Dst, t.DstKind, confidence, chunkID)
			if err != nil {
				return err
			}
			dstID = e.ID
		}
		if _, err := g.UpsertRelation(ctx, srcID, t.Kind, dstID, t.Strength, confidence, chunkID); err != nil {
			return err
		}
	}
	return nil
}
