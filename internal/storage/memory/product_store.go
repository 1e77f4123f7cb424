package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/store"
)

// ProductStore keeps product documents in a map for tests and dry runs.
// Documents are stored encoded so callers cannot mutate what was written.
type ProductStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewProductStore constructs an empty ProductStore.
func NewProductStore() *ProductStore {
	return &ProductStore{docs: make(map[string][]byte)}
}

// Upsert replaces the document under each product's stable key.
func (s *ProductStore) Upsert(_ context.Context, items []*product.Product) (int, error) {
	encoded := make(map[string][]byte, len(items))
	for _, p := range items {
		doc, err := json.Marshal(p)
		if err != nil {
			return 0, fmt.Errorf("marshal product %q: %w", p.Name, err)
		}
		encoded[p.Key()] = doc
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, doc := range encoded {
		s.docs[k] = doc
	}
	return len(items), nil
}

// Get decodes the document stored under key.
func (s *ProductStore) Get(_ context.Context, key string) (*product.Product, error) {
	s.mu.RLock()
	doc, ok := s.docs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return product.Unmarshal(doc)
}

// Keys lists stored keys in sorted order.
func (s *ProductStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close does nothing.
func (s *ProductStore) Close() {}
