package store

import (
	"context"
	"os"

	"github.com/blevesearch/bleve/v2"

	"github.com/groundline-ai/groundline/pkg/domain"
)

// keywordDoc is the shape indexed into bleve.
type keywordDoc struct {
	Text     string `json:"text"`
	SourceID string `json:"source_id"`
}

// KeywordIndex provides BM25-style full-text search over chunk text.
type KeywordIndex struct {
	path  string
	index bleve.Index
}

// NewKeywordIndex creates or opens a keyword index at the given path.
func NewKeywordIndex(path string) (*KeywordIndex, error) {
	index, err := openOrCreateBleveIndex(path)
	if err != nil {
		return nil, err
	}
	return &KeywordIndex{path: path, index: index}, nil
}

func openOrCreateBleveIndex(path string) (bleve.Index, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		mapping := bleve.NewIndexMapping()
		docMapping := bleve.NewDocumentMapping()

		textField := bleve.NewTextFieldMapping()
		textField.Store = true
		docMapping.AddFieldMappingsAt("text", textField)

		sourceField := bleve.NewKeywordFieldMapping()
		sourceField.Store = true
		docMapping.AddFieldMappingsAt("source_id", sourceField)

		mapping.DefaultMapping = docMapping
		return bleve.New(path, mapping)
	}
	return bleve.Open(path)
}

// Index adds or updates a chunk.
func (s *KeywordIndex) Index(_ context.Context, chunk domain.Chunk) error {
	return s.index.Index(chunk.ID, keywordDoc{Text: chunk.Text, SourceID: chunk.SourceID})
}

// Search performs a full-text match query and returns sparse retrieval
// results ordered by BM25 score.
func (s *KeywordIndex) Search(_ context.Context, query string, topK int) ([]domain.RetrievalResult, error) {
	if topK <= 0 {
		return nil, nil
	}
	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("text")

	searchRequest := bleve.NewSearchRequest(matchQuery)
	searchRequest.Size = topK
	searchRequest.Fields = []string{"source_id"}

	searchResult, err := s.index.Search(searchRequest)
	if err != nil {
		return nil, err
	}

	var results []domain.RetrievalResult
	for _, hit := range searchResult.Hits {
		sourceID := ""
		if v, ok := hit.Fields["source_id"].(string); ok {
			sourceID = v
		}
		results = append(results, domain.RetrievalResult{
			ChunkID:   hit.ID,
			SourceID:  sourceID,
			Score:     hit.Score,
			MatchKind: domain.MatchSparse,
		})
	}
	return results, nil
}

// Delete removes the given chunk ids from the index.
func (s *KeywordIndex) Delete(_ context.Context, chunkIDs []string) error {
	batch := s.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	return s.index.Batch(batch)
}

// Reset deletes the entire index and creates a new, empty one.
func (s *KeywordIndex) Reset(_ context.Context) error {
	if s.index != nil {
		_ = s.index.Close()
	}
	if err := os.RemoveAll(s.path); err != nil {
		return err
	}
	newIndex, err := openOrCreateBleveIndex(s.path)
	if err != nil {
		return err
	}
	s.index = newIndex
	return nil
}

// Close closes the underlying index.
func (s *KeywordIndex) Close() error {
	if s.index != nil {
		err := s.index.Close()
		s.index = nil
		return err
	}
	return nil
}
