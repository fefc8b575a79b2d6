// ABOUTME: Artifact store for stage outputs: small payloads stay in memory, large ones spill to disk.
// ABOUTME: Values strictly over the 100KiB threshold are file-backed; threshold-sized values stay in memory.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// InlineArtifactLimit is the largest payload kept in memory. Anything
// strictly larger is written under the store's directory.
const InlineArtifactLimit = 100 * 1024

// ArtifactStore holds named stage outputs. Retrieval is transparent: the
// caller never knows whether a value was inlined or spilled.
type ArtifactStore struct {
	mu     sync.RWMutex
	dir    string
	inline map[string][]byte
	spilt  map[string]string
}

// NewArtifactStore creates a store spilling large payloads under dir.
func NewArtifactStore(dir string) *ArtifactStore {
	return &ArtifactStore{
		dir:    dir,
		inline: make(map[string][]byte),
		spilt:  make(map[string]string),
	}
}

// Put stores a payload under key, replacing any previous value.
func (s *ArtifactStore) Put(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(data) > InlineArtifactLimit {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return fmt.Errorf("create artifact dir: %w", err)
		}
		path := filepath.Join(s.dir, sanitizeArtifactKey(key))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write artifact %q: %w", key, err)
		}
		delete(s.inline, key)
		s.spilt[key] = path
		return nil
	}
	if path, ok := s.spilt[key]; ok {
		os.Remove(path)
		delete(s.spilt, key)
	}
	s.inline[key] = append([]byte{}, data...)
	return nil
}

// PutString stores a string payload.
func (s *ArtifactStore) PutString(key, data string) error {
	return s.Put(key, []byte(data))
}

// Get retrieves a payload by key.
func (s *ArtifactStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	data, inlined := s.inline[key]
	path, spilled := s.spilt[key]
	s.mu.RUnlock()
	if inlined {
		return append([]byte{}, data...), nil
	}
	if spilled {
		out, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read artifact %q: %w", key, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("artifact %q not found", key)
}

// GetString retrieves a payload as a string.
func (s *ArtifactStore) GetString(key string) (string, error) {
	data, err := s.Get(key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Has reports whether a key exists.
func (s *ArtifactStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, inlined := s.inline[key]
	_, spilled := s.spilt[key]
	return inlined || spilled
}

// Keys returns all stored keys, sorted.
func (s *ArtifactStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.inline)+len(s.spilt))
	for k := range s.inline {
		keys = append(keys, k)
	}
	for k := range s.spilt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sanitizeArtifactKey maps a key to a safe file name.
func sanitizeArtifactKey(key string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_", ":", "_")
	out := replacer.Replace(key)
	if out == "" {
		out = "_"
	}
	return out
}
