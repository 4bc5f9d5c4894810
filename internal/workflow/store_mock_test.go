package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/phrazzld/stash-api/internal/store"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu         sync.Mutex
	byID       map[string]*Workflow
	byRoot     map[string]string
	mergeCalls int
}

func newMemStore() *memStore {
	return &memStore{
		byID:   make(map[string]*Workflow),
		byRoot: make(map[string]string),
	}
}

func (s *memStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[w.ID]; exists {
		return store.ErrDuplicate
	}
	c := *w
	s.byID[w.ID] = &c
	s.byRoot[w.RootJobID] = w.ID
	return nil
}

func (s *memStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[id]
	if !ok {
		return nil, store.ErrWorkflowNotFound
	}
	return copyWorkflow(w), nil
}

func copyWorkflow(w *Workflow) *Workflow {
	c := *w
	if w.Results != nil {
		c.Results = make(map[string]json.RawMessage, len(w.Results))
		for k, v := range w.Results {
			c.Results[k] = v
		}
	}
	return &c
}

func (s *memStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[id]
	if !ok {
		return store.ErrWorkflowNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) UpdateStatusByRootJob(ctx context.Context, rootJobID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRoot[rootJobID]
	if !ok {
		return store.ErrWorkflowNotFound
	}
	w := s.byID[id]
	w.Status = status
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) MergeResult(ctx context.Context, workflowID string, entry ResultEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[workflowID]
	if !ok {
		return store.ErrWorkflowNotFound
	}
	if w.Results == nil {
		w.Results = make(map[string]json.RawMessage)
	}
	w.Results[entry.Name] = entry.Result
	s.mergeCalls++
	return nil
}

func (s *memStore) merges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeCalls
}

func (s *memStore) snapshot(id string) (Workflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[id]
	if !ok {
		return Workflow{}, false
	}
	return *copyWorkflow(w), true
}
