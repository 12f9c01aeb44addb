// Package memory is an in-process storage driver.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/drblury/creditflow/internal/storage"
)

// Driver keeps every bucket in memory. The zero value is not usable; call New.
type Driver struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
}

func New() *Driver {
	return &Driver{buckets: make(map[string]*bucket)}
}

func (d *Driver) Bucket(name string) storage.Bucket {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buckets[name]
	if !ok {
		b = newBucket(d)
		d.buckets[name] = b
	}
	return b
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Driver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type indexKey struct {
	name  string
	value string
}

type row struct {
	seq     uint64
	body    []byte
	indexes []storage.Index
}

type bucket struct {
	driver *Driver

	mu      sync.RWMutex
	seq     uint64
	rows    map[string]*row
	index   map[indexKey][]string
	uniques map[indexKey]string
}

func newBucket(d *Driver) *bucket {
	return &bucket{
		driver:  d,
		rows:    make(map[string]*row),
		index:   make(map[indexKey][]string),
		uniques: make(map[indexKey]string),
	}
}

func (b *bucket) Insert(ctx context.Context, entries ...storage.Entry) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make(map[string]struct{}, len(entries))
	claimed := make(map[indexKey]struct{})
	entries = slices.Clone(entries)
	for i := range entries {
		entries[i].Indexes = dedupe(entries[i].Indexes)
	}
	for _, e := range entries {
		if _, ok := b.rows[e.ID]; ok {
			return storage.ErrAlreadyExists
		}
		if _, ok := ids[e.ID]; ok {
			return storage.ErrAlreadyExists
		}
		ids[e.ID] = struct{}{}
		for _, idx := range e.Indexes {
			if !idx.Unique {
				continue
			}
			key := indexKey{idx.Name, idx.Value}
			if _, ok := b.uniques[key]; ok {
				return storage.ErrAlreadyExists
			}
			if _, ok := claimed[key]; ok {
				return storage.ErrAlreadyExists
			}
			claimed[key] = struct{}{}
		}
	}
	for _, e := range entries {
		b.seq++
		b.rows[e.ID] = &row{seq: b.seq, body: slices.Clone(e.Body), indexes: slices.Clone(e.Indexes)}
		b.addIndexes(e.ID, e.Indexes)
	}
	return nil
}

func (b *bucket) Replace(ctx context.Context, e storage.Entry) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.rows[e.ID]
	if !ok {
		return storage.ErrNotFound
	}
	e.Indexes = dedupe(e.Indexes)
	for _, idx := range e.Indexes {
		if !idx.Unique {
			continue
		}
		if owner, ok := b.uniques[indexKey{idx.Name, idx.Value}]; ok && owner != e.ID {
			return storage.ErrAlreadyExists
		}
	}
	b.removeIndexes(e.ID, current.indexes)
	current.body = slices.Clone(e.Body)
	current.indexes = slices.Clone(e.Indexes)
	b.addIndexes(e.ID, e.Indexes)
	return nil
}

func (b *bucket) Get(ctx context.Context, id string) ([]byte, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(r.body), nil
}

func (b *bucket) Find(ctx context.Context, name, value string) ([][]byte, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := b.index[indexKey{name, value}]
	rows := make([]*row, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, b.rows[id])
	}
	slices.SortFunc(rows, func(a, c *row) int { return cmp.Compare(a.seq, c.seq) })
	out := make([][]byte, 0, len(rows))
	for _, r := range rows {
		out = append(out, slices.Clone(r.body))
	}
	return out, nil
}

func (b *bucket) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.driver.isClosed() {
		return storage.ErrClosed
	}
	return nil
}

func (b *bucket) addIndexes(id string, indexes []storage.Index) {
	for _, idx := range indexes {
		key := indexKey{idx.Name, idx.Value}
		b.index[key] = append(b.index[key], id)
		if idx.Unique {
			b.uniques[key] = id
		}
	}
}

func (b *bucket) removeIndexes(id string, indexes []storage.Index) {
	for _, idx := range indexes {
		key := indexKey{idx.Name, idx.Value}
		b.index[key] = slices.DeleteFunc(b.index[key], func(v string) bool { return v == id })
		if len(b.index[key]) == 0 {
			delete(b.index, key)
		}
		if idx.Unique && b.uniques[key] == id {
			delete(b.uniques, key)
		}
	}
}

// dedupe drops repeated name/value pairs, keeping the first.
func dedupe(indexes []storage.Index) []storage.Index {
	seen := make(map[indexKey]struct{}, len(indexes))
	out := make([]storage.Index, 0, len(indexes))
	for _, idx := range indexes {
		key := indexKey{idx.Name, idx.Value}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, idx)
	}
	return out
}
