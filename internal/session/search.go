package session

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
)

// maxIndexedText bounds the transcript text stored per session.
const maxIndexedText = 64 * 1024

// SearchHit is one full-text match.
type SearchHit struct {
	ID    string
	Score float64
}

// SearchIndex is a bleve index over session task, title, transcript and code.
type SearchIndex struct {
	index bleve.Index
	path  string
}

// NewSearchIndex opens the index at path, creating it when missing and
// recreating it when it cannot be opened.
func NewSearchIndex(path string) (*SearchIndex, error) {
	index, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create search index: %w", err)
		}
	} else if err != nil {
		log.Printf("⚠️  Search index appears corrupted (error: %v), recreating...", err)
		if index != nil {
			index.Close()
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("failed to remove corrupted search index: %w", err)
		}
		index, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to recreate search index: %w", err)
		}
	}
	return &SearchIndex{index: index, path: path}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	for _, name := range []string{"status", "model"} {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = keyword.Name
		f.Store = true
		f.Index = true
		doc.AddFieldMappingsAt(name, f)
	}

	for _, name := range []string{"title", "task", "text", "code", "issues"} {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = standard.Name
		f.Store = false
		f.Index = true
		doc.AddFieldMappingsAt(name, f)
	}

	indexMapping.DefaultMapping = doc
	return indexMapping
}

// Index adds or replaces the document for r.
func (s *SearchIndex) Index(r *Record) error {
	doc := map[string]interface{}{
		"status": r.Status,
		"model":  r.Model,
		"title":  r.Title,
		"task":   r.Task,
		"text":   transcriptText(r.Messages),
		"code":   executedCode(r.Messages),
		"issues": strings.Join(r.Issues, "\n"),
	}
	return s.index.Index(r.ID, doc)
}

// Delete removes the document for id.
func (s *SearchIndex) Delete(id string) error {
	return s.index.Delete(id)
}

// Search matches query against the analyzed fields and returns up to k hits.
// A "status:<value>" term filters on the session status.
func (s *SearchIndex) Search(query string, k int) ([]SearchHit, error) {
	if k <= 0 {
		k = 10
	}

	var terms []string
	var status string
	for _, word := range strings.Fields(query) {
		if v, ok := strings.CutPrefix(word, "status:"); ok {
			status = v
			continue
		}
		terms = append(terms, word)
	}

	disjunction := bleve.NewDisjunctionQuery()
	text := strings.Join(terms, " ")
	for _, field := range []string{"title", "task", "text", "code", "issues"} {
		q := bleve.NewMatchQuery(text)
		q.SetField(field)
		disjunction.AddQuery(q)
	}

	var req *bleve.SearchRequest
	switch {
	case text != "" && status != "":
		sq := bleve.NewTermQuery(status)
		sq.SetField("status")
		req = bleve.NewSearchRequest(bleve.NewConjunctionQuery(disjunction, sq))
	case status != "":
		sq := bleve.NewTermQuery(status)
		sq.SetField("status")
		req = bleve.NewSearchRequest(sq)
	case text != "":
		req = bleve.NewSearchRequest(disjunction)
	default:
		return nil, fmt.Errorf("empty search query")
	}
	req.Size = k

	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("session search failed: %w", err)
	}
	hits := make([]SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, SearchHit{ID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// Close closes the index.
func (s *SearchIndex) Close() error {
	return s.index.Close()
}

func transcriptText(msgs []engine.ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role == engine.RoleSystem {
			continue
		}
		if m.Content != "" {
			b.WriteString(m.Content)
			b.WriteByte('\n')
		}
		if m.Result != nil {
			for _, part := range []string{m.Result.Value, m.Result.Stdout, m.Result.Error} {
				if part != "" {
					b.WriteString(part)
					b.WriteByte('\n')
				}
			}
		}
		if b.Len() >= maxIndexedText {
			break
		}
	}
	text := b.String()
	if len(text) > maxIndexedText {
		text = text[:maxIndexedText]
	}
	return text
}

func executedCode(msgs []engine.ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		for _, c := range m.ToolCalls {
			if c.Name != "execute_code" && c.Name != "save_artifact" {
				continue
			}
			if code, ok := c.Args["code"].(string); ok {
				b.WriteString(code)
				b.WriteByte('\n')
			}
		}
		if b.Len() >= maxIndexedText {
			break
		}
	}
	return b.String()
}
