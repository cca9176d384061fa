package knowledge

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
)

// Entry is one knowledge catalog listing returned to clients.
type Entry struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

type document struct {
	Label      string   `json:"label"`
	MatchTerms []string `json:"match_terms,omitempty"`
	Path       string   `json:"path,omitempty"`
	InlineText string   `json:"inline_text,omitempty"`
}

type indexed struct {
	content  string
	index    bleve.Index
	passages map[string]string
}

// Store loads the knowledge catalog and answers passage lookups. File-backed
// documents are read lazily on first use; each document gets an in-memory
// bleve index over its passages.
type Store struct {
	mu      sync.Mutex
	docs    map[string]document
	loaded  map[string]*indexed
	logger  *log.Logger
}

// ErrUnknownKey is returned for lookups against keys not in the catalog.
var ErrUnknownKey = fmt.Errorf("unknown knowledge key")

// New reads the knowledge catalog document at path.
func New(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[KNOWLEDGE] ", log.LstdFlags)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge catalog: %w", err)
	}
	var docs map[string]document
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("parse knowledge catalog: %w", err)
	}
	for key, doc := range docs {
		if doc.Path == "" && doc.InlineText == "" {
			return nil, fmt.Errorf("knowledge key %q has neither path nor inline_text", key)
		}
	}
	return &Store{docs: docs, loaded: make(map[string]*indexed), logger: logger}, nil
}

// List returns catalog entries sorted by key.
func (s *Store) List() []Entry {
	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, Entry{Key: k, Label: s.docs[k].Label})
	}
	return out
}

// Has reports whether key exists in the catalog.
func (s *Store) Has(key string) bool {
	_, ok := s.docs[key]
	return ok
}

// MatchTerms returns the domain terms whose presence in a prompt marks key as
// relevant. The key itself always counts as a term.
func (s *Store) MatchTerms(key string) []string {
	doc, ok := s.docs[key]
	if !ok {
		return nil
	}
	terms := make([]string, 0, len(doc.MatchTerms)+1)
	terms = append(terms, key)
	terms = append(terms, doc.MatchTerms...)
	return terms
}

// Keys returns all catalog keys sorted.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Content returns the full document body for a key.
func (s *Store) Content(key string) (string, error) {
	idx, err := s.ensure(key)
	if err != nil {
		return "", err
	}
	return idx.content, nil
}

// Lookup returns the passages of the document most relevant to query. With an
// empty query, or when nothing matches, the full document body is returned.
func (s *Store) Lookup(key, query string) (string, error) {
	idx, err := s.ensure(key)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(query) == "" {
		return idx.content, nil
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), 3, 0, false)
	res, err := idx.index.Search(req)
	if err != nil || len(res.Hits) == 0 {
		return idx.content, nil
	}
	var parts []string
	for _, hit := range res.Hits {
		if p, ok := idx.passages[hit.ID]; ok {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return idx.content, nil
	}
	return strings.Join(parts, "\n"), nil
}

func (s *Store) ensure(key string) (*indexed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.loaded[key]; ok {
		return idx, nil
	}
	doc, ok := s.docs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	content := doc.InlineText
	if content == "" {
		raw, err := os.ReadFile(doc.Path)
		if err != nil {
			return nil, fmt.Errorf("read knowledge file for %s: %w", key, err)
		}
		content = string(raw)
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("index knowledge %s: %w", key, err)
	}
	idx := &indexed{content: content, index: index, passages: make(map[string]string)}
	for i, passage := range splitPassages(content) {
		id := fmt.Sprintf("%s-%d", key, i)
		idx.passages[id] = passage
		if err := index.Index(id, map[string]string{"text": passage}); err != nil {
			return nil, fmt.Errorf("index passage for %s: %w", key, err)
		}
	}
	s.loaded[key] = idx
	return idx, nil
}

// splitPassages chunks a document on blank lines, falling back to sentence
// groups for single-paragraph documents.
func splitPassages(content string) []string {
	var out []string
	for _, block := range strings.Split(content, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if len(block) <= 400 {
			out = append(out, block)
			continue
		}
		sentences := strings.SplitAfter(block, ". ")
		var cur strings.Builder
		for _, sent := range sentences {
			cur.WriteString(sent)
			if cur.Len() >= 300 {
				out = append(out, strings.TrimSpace(cur.String()))
				cur.Reset()
			}
		}
		if strings.TrimSpace(cur.String()) != "" {
			out = append(out, strings.TrimSpace(cur.String()))
		}
	}
	if len(out) == 0 {
		out = append(out, strings.TrimSpace(content))
	}
	return out
}
