package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// DefaultCollection holds one document per topic.
const DefaultCollection = "firebase_topics"

// TopicStore implements dispatch.TopicStore using Google Cloud Firestore.
// Every write is a read-modify-write inside a transaction.
type TopicStore struct {
	client     *firestore.Client
	collection string
}

func NewTopicStore(client *firestore.Client, collection string) *TopicStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &TopicStore{client: client, collection: collection}
}

// topicRecord is the internal DB representation.
type topicRecord struct {
	Name      string    `firestore:"topic_name"`
	IsDeleted bool      `firestore:"is_deleted"`
	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (s *TopicStore) EnsureActive(ctx context.Context, name string) error {
	ref := s.topicRef(name)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := time.Now().UTC()
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return tx.Create(ref, topicRecord{Name: name, CreatedAt: now, UpdatedAt: now})
		}
		if err != nil {
			return err
		}

		var rec topicRecord
		if err := snap.DataTo(&rec); err != nil {
			return fmt.Errorf("corrupt topic record %q: %w", name, err)
		}
		if !rec.IsDeleted {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "is_deleted", Value: false},
			{Path: "updated_at", Value: now},
		})
	})
	if err != nil {
		return fmt.Errorf("failed to ensure topic %q is active: %w", name, err)
	}
	return nil
}

func (s *TopicStore) IsActive(ctx context.Context, name string) (bool, error) {
	rec, err := s.Get(ctx, name)
	if errors.Is(err, dispatch.ErrTopicNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !rec.IsDeleted, nil
}

func (s *TopicStore) MarkDeleted(ctx context.Context, name string) error {
	ref := s.topicRef(name)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			if isNotFound(err) {
				return dispatch.ErrTopicNotFound
			}
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "is_deleted", Value: true},
			{Path: "updated_at", Value: time.Now().UTC()},
		})
	})
	if err != nil {
		return fmt.Errorf("failed to delete topic %q: %w", name, err)
	}
	return nil
}

func (s *TopicStore) Get(ctx context.Context, name string) (dispatch.TopicRecord, error) {
	snap, err := s.topicRef(name).Get(ctx)
	if isNotFound(err) {
		return dispatch.TopicRecord{}, dispatch.ErrTopicNotFound
	}
	if err != nil {
		return dispatch.TopicRecord{}, fmt.Errorf("failed to read topic %q: %w", name, err)
	}

	var rec topicRecord
	if err := snap.DataTo(&rec); err != nil {
		return dispatch.TopicRecord{}, fmt.Errorf("corrupt topic record %q: %w", name, err)
	}
	return dispatch.TopicRecord{
		Name:      rec.Name,
		IsDeleted: rec.IsDeleted,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// topicRef: firebase_topics/{nameHash}
func (s *TopicStore) topicRef(name string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(hashName(name))
}

// hashName keeps arbitrary topic names valid as document ids.
func hashName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}

func isNotFound(err error) bool {
	return err != nil && status.Code(err) == codes.NotFound
}
