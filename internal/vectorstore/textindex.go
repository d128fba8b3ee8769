package vectorstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

const (
	fieldEntityType = "entity_type"
	fieldEntityID   = "entity_id"
	fieldContent    = "content"
)

// TextHit is a full-text match keyed by vector ID.
type TextHit struct {
	ID    string
	Score float64
}

// TextIndex is an in-memory bleve index over searchable content. It is
// rebuilt from the catalog on startup and kept in step by the engine.
type TextIndex struct {
	mu  sync.RWMutex
	idx bleve.Index
}

// NewTextIndex creates an empty in-memory index.
func NewTextIndex() (*TextIndex, error) {
	idx, err := bleve.NewMemOnly(textMapping())
	if err != nil {
		return nil, fmt.Errorf("%w: creating text index: %v", ErrIndexFailed, err)
	}
	return &TextIndex{idx: idx}, nil
}

func textMapping() mapping.IndexMapping {
	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = keyword.Name

	content := bleve.NewTextFieldMapping()
	content.Analyzer = en.AnalyzerName
	content.Store = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(fieldEntityType, kw)
	doc.AddFieldMappingsAt(fieldEntityID, kw)
	doc.AddFieldMappingsAt(fieldContent, content)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = en.AnalyzerName
	return im
}

// Index adds or replaces the document for id.
func (t *TextIndex) Index(id, entityType, entityID, content string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	err := t.idx.Index(id, map[string]any{
		fieldEntityType: entityType,
		fieldEntityID:   entityID,
		fieldContent:    content,
	})
	if err != nil {
		return fmt.Errorf("%w: indexing %s: %v", ErrIndexFailed, id, err)
	}
	return nil
}

// Delete removes ids in one batch.
func (t *TextIndex) Delete(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := t.idx.NewBatch()
	for _, id := range ids {
		b.Delete(id)
	}
	if err := t.idx.Batch(b); err != nil {
		return fmt.Errorf("%w: deleting from text index: %v", ErrIndexFailed, err)
	}
	return nil
}

// Search returns documents matching any analyzed term of text, highest
// score first with ties broken by ID. An empty entityType searches every
// type.
func (t *TextIndex) Search(text, entityType string, limit int) ([]TextHit, error) {
	if strings.TrimSpace(text) == "" || limit <= 0 {
		return nil, nil
	}

	match := bleve.NewMatchQuery(text)
	match.SetField(fieldContent)
	var q query.Query = match
	if entityType != "" {
		term := bleve.NewTermQuery(entityType)
		term.SetField(fieldEntityType)
		q = bleve.NewConjunctionQuery(match, term)
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)

	t.mu.RLock()
	res, err := t.idx.Search(req)
	t.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("%w: text search: %v", ErrIndexFailed, err)
	}

	hits := make([]TextHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, TextHit{ID: h.ID, Score: h.Score})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	return hits, nil
}

// Count returns the number of indexed documents.
func (t *TextIndex) Count() (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.idx.DocCount()
}

// Reset discards every document.
func (t *TextIndex) Reset() error {
	fresh, err := bleve.NewMemOnly(textMapping())
	if err != nil {
		return fmt.Errorf("%w: recreating text index: %v", ErrIndexFailed, err)
	}
	t.mu.Lock()
	old := t.idx
	t.idx = fresh
	t.mu.Unlock()
	return old.Close()
}

// Close releases the index.
func (t *TextIndex) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idx.Close()
}
