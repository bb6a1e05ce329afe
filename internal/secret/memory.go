package secret

import "sync"

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

// Put implements Store.
func (s *MemoryStore) Put(credentialID, material string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[credentialID] = material
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(credentialID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	material, ok := s.entries[credentialID]
	if !ok {
		return "", ErrNotFound
	}
	return material, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, credentialID)
	return nil
}
