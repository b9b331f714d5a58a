// Package memory provides a process-local TopicStore for tests and local runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

type TopicStore struct {
	mu     sync.Mutex
	topics map[string]dispatch.TopicRecord
	now    func() time.Time
}

func NewTopicStore() *TopicStore {
	return &TopicStore{
		topics: make(map[string]dispatch.TopicRecord),
		now:    time.Now,
	}
}

func (s *TopicStore) EnsureActive(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	rec, ok := s.topics[name]
	if !ok {
		s.topics[name] = dispatch.TopicRecord{Name: name, CreatedAt: now, UpdatedAt: now}
		return nil
	}
	if rec.IsDeleted {
		rec.IsDeleted = false
		rec.UpdatedAt = now
		s.topics[name] = rec
	}
	return nil
}

func (s *TopicStore) IsActive(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.topics[name]
	return ok && !rec.IsDeleted, nil
}

func (s *TopicStore) MarkDeleted(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.topics[name]
	if !ok {
		return dispatch.ErrTopicNotFound
	}
	rec.IsDeleted = true
	rec.UpdatedAt = s.now().UTC()
	s.topics[name] = rec
	return nil
}

func (s *TopicStore) Get(_ context.Context, name string) (dispatch.TopicRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.topics[name]
	if !ok {
		return dispatch.TopicRecord{}, dispatch.ErrTopicNotFound
	}
	return rec, nil
}
