package interpreter

import "sync"

// Op result statuses.
const (
	StatusOK      = "OK"
	StatusError   = "ERROR"
	StatusSkipped = "SKIPPED"
)

// ResultStore holds the outputs of completed ops, addressable by global
// execution index or by author-assigned op id. Stored outputs are enriched
// with _status and _index so conditions and templates can observe them.
// It is safe for concurrent use; parallel branches share one store.
type ResultStore struct {
	mu      sync.Mutex
	byIndex map[int]map[string]any
	byID    map[string]map[string]any
	next    int
}

func NewResultStore() *ResultStore {
	return &ResultStore{
		byIndex: make(map[int]map[string]any),
		byID:    make(map[string]map[string]any),
	}
}

// NextIndex claims the next global execution index.
func (s *ResultStore) NextIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next++
	return n
}

// Set records an op's output under its index and, when present, its id.
func (s *ResultStore) Set(index int, opID string, result map[string]any, status string) {
	enriched := make(map[string]any, len(result)+2)
	for k, v := range result {
		enriched[k] = v
	}
	enriched["_status"] = status
	enriched["_index"] = index

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byIndex[index] = enriched
	if opID != "" {
		s.byID[opID] = enriched
	}
}

// ByIndex returns the enriched output of the op at the given global index.
func (s *ResultStore) ByIndex(index int) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byIndex[index]
	return r, ok
}

// ByID returns the enriched output of the op with the given id.
func (s *ResultStore) ByID(opID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[opID]
	return r, ok
}
