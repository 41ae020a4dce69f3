// Package index maintains a BM25 full-text index over synced file metadata.
package index

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"go.uber.org/zap"

	"github.com/debridmm/dmm-server/internal/storage"
)

const indexDirName = "library.bleve"

// FileDocument is the indexed shape of a file record.
type FileDocument struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Host     string `json:"host"`
	Source   string `json:"source"`
}

// SearchResult is one scored hit.
type SearchResult struct {
	ID       string  `json:"id"`
	Score    float64 `json:"score"`
	Name     string  `json:"name"`
	Filename string  `json:"filename,omitempty"`
	Status   string  `json:"status,omitempty"`
}

// Manager provides a unified interface for indexing operations
type Manager struct {
	index  bleve.Index
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewManager opens the on-disk index, creating it on first run.
func NewManager(dataDir string, logger *zap.Logger) (*Manager, error) {
	path := filepath.Join(dataDir, indexDirName)

	var idx bleve.Index
	var err error
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		idx, err = bleve.New(path, buildIndexMapping())
	} else {
		idx, err = bleve.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}

	return &Manager{
		index:  idx,
		logger: logger.Named("index"),
	}, nil
}

func buildIndexMapping() *mapping.IndexMappingImpl {
	indexMapping := bleve.NewIndexMapping()

	// user_id and status are filtered exactly, never analyzed
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	textField := bleve.NewTextFieldMapping()

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("user_id", keywordField)
	docMapping.AddFieldMappingsAt("status", keywordField)
	docMapping.AddFieldMappingsAt("source", keywordField)
	docMapping.AddFieldMappingsAt("name", textField)
	docMapping.AddFieldMappingsAt("filename", textField)
	docMapping.AddFieldMappingsAt("host", textField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// Close closes the underlying index.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == nil {
		return nil
	}
	err := m.index.Close()
	m.index = nil
	return err
}

// IndexFile indexes or reindexes a single file record.
func (m *Manager) IndexFile(f *storage.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.Index(f.ID, docFrom(f))
}

// BatchIndexFiles indexes multiple file records in one batch.
func (m *Manager) BatchIndexFiles(files []*storage.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := m.index.NewBatch()
	for _, f := range files {
		if err := batch.Index(f.ID, docFrom(f)); err != nil {
			return fmt.Errorf("failed to batch index file %s: %w", f.ID, err)
		}
	}
	return m.index.Batch(batch)
}

// DeleteFile removes a file from the index.
func (m *Manager) DeleteFile(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.Delete(id)
}

// Search runs a BM25 query scoped to one user's files.
func (m *Manager) Search(userID, query string, limit int) ([]*SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	match := bleve.NewMatchQuery(query)
	owner := bleve.NewTermQuery(userID)
	owner.SetField("user_id")
	combined := bleve.NewConjunctionQuery(match, owner)

	request := bleve.NewSearchRequestOptions(combined, limit, 0, false)
	request.Fields = []string{"name", "filename", "status"}

	response, err := m.index.Search(request)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]*SearchResult, 0, len(response.Hits))
	for _, hit := range response.Hits {
		result := &SearchResult{
			ID:    hit.ID,
			Score: hit.Score,
		}
		if v, ok := hit.Fields["name"].(string); ok {
			result.Name = v
		}
		if v, ok := hit.Fields["filename"].(string); ok {
			result.Filename = v
		}
		if v, ok := hit.Fields["status"].(string); ok {
			result.Status = v
		}
		results = append(results, result)
	}

	m.logger.Debug("Search completed",
		zap.String("user", userID),
		zap.String("query", query),
		zap.Int("hits", len(results)))
	return results, nil
}

// DocCount returns the number of indexed documents.
func (m *Manager) DocCount() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.DocCount()
}

func docFrom(f *storage.FileRecord) *FileDocument {
	return &FileDocument{
		UserID:   f.UserID,
		Name:     f.Name,
		Filename: f.Filename,
		Status:   f.Status,
		Host:     f.Host,
		Source:   f.Metadata["source"],
	}
}
