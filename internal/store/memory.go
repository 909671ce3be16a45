package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development. It
// mirrors the Firestore adapter's semantics: set-style creates, not-found
// errors on partial updates, and serializable transactions via a single lock.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]map[string]any),
	}
}

type memSnapshot struct {
	id   string
	data map[string]any
}

func (s memSnapshot) ID() string { return s.id }

func (s memSnapshot) DataTo(out any) error {
	raw, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("store: encode document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("store: decode document: %w", err)
	}
	return nil
}

func toDocument(data any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("store: encode document: %w", err)
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("store: document must encode to an object: %w", err)
	}
	return doc, nil
}

// Create writes the document, overwriting any existing content (set
// semantics, matching the Firestore adapter).
func (m *MemoryStore) Create(ctx context.Context, collection, id string, data any) error {
	if err := validatePath(collection); err != nil {
		return err
	}
	doc, err := toDocument(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(collection, id, doc)
}

func (m *MemoryStore) createLocked(collection, id string, doc map[string]any) error {
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]map[string]any)
	}
	m.collections[collection][id] = doc
	return nil
}

// FindByID returns a snapshot of the document or ErrNotFound.
func (m *MemoryStore) FindByID(ctx context.Context, collection, id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(collection, id)
}

func (m *MemoryStore) getLocked(collection, id string) (Snapshot, error) {
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make(map[string]any, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	return memSnapshot{id: id, data: cp}, nil
}

// Update applies partial field updates, failing with ErrNotFound when the
// document does not exist.
func (m *MemoryStore) Update(ctx context.Context, collection, id string, updates []Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(collection, id, updates)
}

func (m *MemoryStore) updateLocked(collection, id string, updates []Update) error {
	doc, ok := m.collections[collection][id]
	if !ok {
		return ErrNotFound
	}
	for _, u := range updates {
		normalized, err := normalizeValue(u.Value)
		if err != nil {
			return err
		}
		doc[u.Field] = normalized
	}
	return nil
}

// Delete removes the document; deleting a missing document is a no-op,
// matching Firestore.
func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	return nil
}

// Find returns snapshots matching the query.
func (m *MemoryStore) Find(ctx context.Context, collection string, q Query) ([]Snapshot, error) {
	if err := validatePath(collection); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []memSnapshot
	for id, doc := range m.collections[collection] {
		ok, err := matches(doc, q.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			cp := make(map[string]any, len(doc))
			for k, v := range doc {
				cp[k] = v
			}
			matched = append(matched, memSnapshot{id: id, data: cp})
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			less := compareValues(matched[i].data[q.OrderBy], matched[j].data[q.OrderBy]) < 0
			if q.Desc {
				return !less
			}
			return less
		})
	} else {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}

	out := make([]Snapshot, len(matched))
	for i, snap := range matched {
		out[i] = snap
	}
	return out, nil
}

// FindWithPagination returns one page of results plus the unpaged total.
func (m *MemoryStore) FindWithPagination(ctx context.Context, collection string, q Query, page, perPage int) ([]Snapshot, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 25
	}

	total, err := m.Count(ctx, collection, q)
	if err != nil {
		return nil, 0, err
	}

	q.Offset = (page - 1) * perPage
	q.Limit = perPage
	snaps, err := m.Find(ctx, collection, q)
	if err != nil {
		return nil, 0, err
	}
	return snaps, total, nil
}

// Count returns the number of documents matching the query filters.
func (m *MemoryStore) Count(ctx context.Context, collection string, q Query) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, doc := range m.collections[collection] {
		ok, err := matches(doc, q.Filters)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// BatchWrite applies all operations under one lock. Creates use set semantics
// so replayed batches are harmless.
func (m *MemoryStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range ops {
		switch op.Type {
		case OpCreate:
			doc, err := toDocument(op.Data)
			if err != nil {
				return err
			}
			if err := m.createLocked(op.Collection, op.ID, doc); err != nil {
				return err
			}
		case OpUpdate:
			if err := m.updateLocked(op.Collection, op.ID, op.Updates); err != nil {
				return err
			}
		case OpDelete:
			delete(m.collections[op.Collection], op.ID)
		default:
			return fmt.Errorf("store: unsupported batch op %q", op.Type)
		}
	}
	return nil
}

type memTx struct {
	store *MemoryStore
}

func (t memTx) Get(collection, id string) (Snapshot, error) {
	return t.store.getLocked(collection, id)
}

func (t memTx) Create(collection, id string, data any) error {
	doc, err := toDocument(data)
	if err != nil {
		return err
	}
	return t.store.createLocked(collection, id, doc)
}

func (t memTx) Update(collection, id string, updates []Update) error {
	return t.store.updateLocked(collection, id, updates)
}

func (t memTx) Delete(collection, id string) error {
	delete(t.store.collections[collection], id)
	return nil
}

// RunTransaction executes fn while holding the store lock, giving the callback
// a serializable view.
func (m *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(memTx{store: m})
}

// Close releases nothing but satisfies the Store contract.
func (m *MemoryStore) Close() error { return nil }

func matches(doc map[string]any, filters []Filter) (bool, error) {
	for _, f := range filters {
		value, err := normalizeValue(f.Value)
		if err != nil {
			return false, err
		}
		field := doc[f.Field]

		switch f.Op {
		case "==", "":
			if compareValues(field, value) != 0 {
				return false, nil
			}
		case "<":
			if compareValues(field, value) >= 0 {
				return false, nil
			}
		case "<=":
			if compareValues(field, value) > 0 {
				return false, nil
			}
		case ">":
			if compareValues(field, value) <= 0 {
				return false, nil
			}
		case ">=":
			if compareValues(field, value) < 0 {
				return false, nil
			}
		case "in":
			list, ok := value.([]any)
			if !ok {
				return false, fmt.Errorf("store: 'in' filter on %q requires a slice", f.Field)
			}
			found := false
			for _, candidate := range list {
				if compareValues(field, candidate) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		default:
			return false, fmt.Errorf("store: unsupported filter op %q", f.Op)
		}
	}
	return true, nil
}

func normalizeValue(v any) (any, error) {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode filter value: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("store: decode filter value: %w", err)
	}
	return normalized, nil
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	case nil:
		if b == nil {
			return 0
		}
		return -1
	}
	// Fallback: compare canonical JSON encodings.
	ar, _ := json.Marshal(a)
	br, _ := json.Marshal(b)
	return strings.Compare(string(ar), string(br))
}
