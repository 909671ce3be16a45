package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("store: document not found")

// Snapshot is a read view of a single document.
type Snapshot interface {
	// ID returns the document identifier within its collection.
	ID() string
	// DataTo decodes the document into the supplied struct pointer.
	DataTo(out any) error
}

// Filter is a single field comparison applied to a query. Op accepts the
// Firestore comparison operators ("==", "<", "<=", ">", ">=", "in").
type Filter struct {
	Field string
	Op    string
	Value any
}

// Query bundles filters, ordering, and windowing for collection reads.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// OpType enumerates batch write operation kinds.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Update mutates a single field of an existing document.
type Update struct {
	Field string
	Value any
}

// WriteOp is one mutation inside a BatchWrite call. Data is used for creates,
// Updates for partial updates.
type WriteOp struct {
	Type       OpType
	Collection string
	ID         string
	Data       any
	Updates    []Update
}

// Tx exposes document operations inside a transaction callback. Reads must be
// issued before writes, matching the Firestore transaction contract.
type Tx interface {
	Get(collection, id string) (Snapshot, error)
	Create(collection, id string, data any) error
	Update(collection, id string, updates []Update) error
	Delete(collection, id string) error
}

// Store is the document store contract consumed by the notification engine,
// presence service, and health checks. Collections may be nested subcollection
// paths built with Subcollection.
type Store interface {
	Create(ctx context.Context, collection, id string, data any) error
	FindByID(ctx context.Context, collection, id string) (Snapshot, error)
	Update(ctx context.Context, collection, id string, updates []Update) error
	Delete(ctx context.Context, collection, id string) error

	Find(ctx context.Context, collection string, q Query) ([]Snapshot, error)
	FindWithPagination(ctx context.Context, collection string, q Query, page, perPage int) ([]Snapshot, int64, error)
	Count(ctx context.Context, collection string, q Query) (int64, error)

	// BatchWrite submits independent document mutations together. Cross-document
	// atomicity is only as strong as the underlying store provides.
	BatchWrite(ctx context.Context, ops []WriteOp) error

	// RunTransaction executes fn with single-aggregate atomicity. The callback
	// may be retried on contention, so it must be side-effect free.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Subcollection builds the slash-separated path addressing a collection nested
// under a parent document: "{parent}/{parentID}/{sub}".
func Subcollection(parent, parentID, sub string) string {
	return fmt.Sprintf("%s/%s/%s", parent, parentID, sub)
}

// Ping verifies store reachability by round-tripping a throwaway document.
func Ping(ctx context.Context, s Store) error {
	id := fmt.Sprintf("ping-%d", time.Now().UnixNano())
	doc := map[string]any{"at": time.Now().UTC()}

	if err := s.Create(ctx, "health", id, doc); err != nil {
		return fmt.Errorf("store: health write: %w", err)
	}
	if _, err := s.FindByID(ctx, "health", id); err != nil {
		return fmt.Errorf("store: health read: %w", err)
	}
	if err := s.Delete(ctx, "health", id); err != nil {
		return fmt.Errorf("store: health delete: %w", err)
	}
	return nil
}

func validatePath(collection string) error {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return errors.New("store: collection path is required")
	}
	if strings.Count(collection, "/")%2 != 0 {
		return fmt.Errorf("store: collection path %q must have an odd number of segments", collection)
	}
	return nil
}
