package store

import (
	"fmt"
	"path/filepath"
)

// SparseBackend represents the sparse index backend type.
type SparseBackend string

const (
	// SparseBackendMemory uses the in-memory snapshot scorer (default).
	// Fast, deterministic, persisted as a version-tagged gob snapshot.
	SparseBackendMemory SparseBackend = "memory"

	// SparseBackendBleve uses Bleve v2. Persists incrementally to disk,
	// suited to corpora too large to rebuild on startup.
	SparseBackendBleve SparseBackend = "bleve"
)

// NewSparseIndex creates a SparseIndex using the given backend.
// basePath is the path without extension; the extension is added per
// backend (.gob for memory, .bleve for Bleve). Empty basePath gives an
// unpersisted in-memory index for the memory backend and a mem-only Bleve
// index for the bleve backend.
func NewSparseIndex(basePath string, config BM25Config, backend string) (SparseIndex, error) {
	switch backend {
	case string(SparseBackendMemory), "":
		return NewMemoryBM25(config), nil

	case string(SparseBackendBleve):
		var path string
		if basePath != "" {
			path = basePath + ".bleve"
		}
		return NewBleveBM25(path)

	default:
		return nil, fmt.Errorf("unknown sparse backend: %s (valid options: memory, bleve)", backend)
	}
}

// SparseIndexPath returns the on-disk path for a backend's index under
// dataDir.
func SparseIndexPath(dataDir, backend string) string {
	basePath := filepath.Join(dataDir, "bm25")
	switch backend {
	case string(SparseBackendBleve):
		return basePath + ".bleve"
	default:
		return basePath + ".gob"
	}
}
