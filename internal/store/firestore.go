package store

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig bundles the options required to build a Firestore-backed store.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreStore implements Store on top of Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore connects a Firestore client using the provided configuration.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("store: firestore project id is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("store: create firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

type fsSnapshot struct {
	snap *firestore.DocumentSnapshot
}

func (s fsSnapshot) ID() string { return s.snap.Ref.ID }

func (s fsSnapshot) DataTo(out any) error {
	if err := s.snap.DataTo(out); err != nil {
		return fmt.Errorf("store: decode document: %w", err)
	}
	return nil
}

func translateErr(err error) error {
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	return err
}

func (f *FirestoreStore) doc(collection, id string) *firestore.DocumentRef {
	return f.client.Collection(collection).Doc(id)
}

// Create writes the document with set semantics, overwriting existing content.
func (f *FirestoreStore) Create(ctx context.Context, collection, id string, data any) error {
	if err := validatePath(collection); err != nil {
		return err
	}
	if _, err := f.doc(collection, id).Set(ctx, data); err != nil {
		return fmt.Errorf("store: create %s/%s: %w", collection, id, err)
	}
	return nil
}

// FindByID fetches a single document, returning ErrNotFound when absent.
func (f *FirestoreStore) FindByID(ctx context.Context, collection, id string) (Snapshot, error) {
	snap, err := f.doc(collection, id).Get(ctx)
	if err != nil {
		if translated := translateErr(err); errors.Is(translated, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get %s/%s: %w", collection, id, err)
	}
	return fsSnapshot{snap: snap}, nil
}

// Update applies partial field updates, returning ErrNotFound for missing documents.
func (f *FirestoreStore) Update(ctx context.Context, collection, id string, updates []Update) error {
	if err := validatePath(collection); err != nil {
		return err
	}
	if _, err := f.doc(collection, id).Update(ctx, toFirestoreUpdates(updates)); err != nil {
		if translated := translateErr(err); errors.Is(translated, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("store: update %s/%s: %w", collection, id, err)
	}
	return nil
}

// Delete removes a document. Deleting a missing document succeeds.
func (f *FirestoreStore) Delete(ctx context.Context, collection, id string) error {
	if err := validatePath(collection); err != nil {
		return err
	}
	if _, err := f.doc(collection, id).Delete(ctx); err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *FirestoreStore) buildQuery(collection string, q Query) firestore.Query {
	query := f.client.Collection(collection).Query
	for _, filter := range q.Filters {
		op := filter.Op
		if op == "" {
			op = "=="
		}
		query = query.Where(filter.Field, op, filter.Value)
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Desc {
			dir = firestore.Desc
		}
		query = query.OrderBy(q.OrderBy, dir)
	}
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	return query
}

// Find executes a structured query against the collection.
func (f *FirestoreStore) Find(ctx context.Context, collection string, q Query) ([]Snapshot, error) {
	if err := validatePath(collection); err != nil {
		return nil, err
	}

	iter := f.buildQuery(collection, q).Documents(ctx)
	defer iter.Stop()

	var out []Snapshot
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: query %s: %w", collection, err)
		}
		out = append(out, fsSnapshot{snap: snap})
	}
	return out, nil
}

// FindWithPagination returns one page of results plus the unpaged total.
func (f *FirestoreStore) FindWithPagination(ctx context.Context, collection string, q Query, page, perPage int) ([]Snapshot, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 25
	}

	total, err := f.Count(ctx, collection, q)
	if err != nil {
		return nil, 0, err
	}

	q.Offset = (page - 1) * perPage
	q.Limit = perPage
	snaps, err := f.Find(ctx, collection, q)
	if err != nil {
		return nil, 0, err
	}
	return snaps, total, nil
}

// Count runs a server-side aggregation over the filtered collection.
func (f *FirestoreStore) Count(ctx context.Context, collection string, q Query) (int64, error) {
	q.Limit = 0
	q.Offset = 0
	query := f.buildQuery(collection, q)
	result, err := query.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: count %s: %w", collection, err)
	}

	value, ok := result["all"]
	if !ok {
		return 0, fmt.Errorf("store: count %s: aggregation returned no result", collection)
	}
	count, ok := value.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("store: count %s: unexpected aggregation value type %T", collection, value)
	}
	return count.GetIntegerValue(), nil
}

// BatchWrite submits the operations through a BulkWriter and waits for every
// result. Mutations are independent; there is no cross-document atomicity.
func (f *FirestoreStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}

	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(ops))

	for _, op := range ops {
		ref := f.doc(op.Collection, op.ID)
		var (
			job *firestore.BulkWriterJob
			err error
		)
		switch op.Type {
		case OpCreate:
			job, err = bw.Set(ref, op.Data)
		case OpUpdate:
			job, err = bw.Update(ref, toFirestoreUpdates(op.Updates))
		case OpDelete:
			job, err = bw.Delete(ref)
		default:
			err = fmt.Errorf("store: unsupported batch op %q", op.Type)
		}
		if err != nil {
			bw.End()
			return fmt.Errorf("store: enqueue batch write %s/%s: %w", op.Collection, op.ID, err)
		}
		jobs = append(jobs, job)
	}

	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("store: batch write %s/%s: %w", ops[i].Collection, ops[i].ID, translateErr(err))
		}
	}
	return nil
}

type fsTx struct {
	store *FirestoreStore
	tx    *firestore.Transaction
}

func (t fsTx) Get(collection, id string) (Snapshot, error) {
	snap, err := t.tx.Get(t.store.doc(collection, id))
	if err != nil {
		if translated := translateErr(err); errors.Is(translated, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: tx get %s/%s: %w", collection, id, err)
	}
	return fsSnapshot{snap: snap}, nil
}

func (t fsTx) Create(collection, id string, data any) error {
	return t.tx.Set(t.store.doc(collection, id), data)
}

func (t fsTx) Update(collection, id string, updates []Update) error {
	err := t.tx.Update(t.store.doc(collection, id), toFirestoreUpdates(updates))
	if translated := translateErr(err); errors.Is(translated, ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (t fsTx) Delete(collection, id string) error {
	return t.tx.Delete(t.store.doc(collection, id))
}

// RunTransaction executes fn with Firestore's optimistic transaction retries.
func (f *FirestoreStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(fsTx{store: f, tx: tx})
	})
}

// Close releases the underlying client.
func (f *FirestoreStore) Close() error {
	return f.client.Close()
}

func toFirestoreUpdates(updates []Update) []firestore.Update {
	out := make([]firestore.Update, len(updates))
	for i, u := range updates {
		out[i] = firestore.Update{Path: u.Field, Value: u.Value}
	}
	return out
}
