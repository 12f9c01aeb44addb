// Package storagetest holds the behaviour every storage driver must share.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/creditflow/internal/storage"
)

// Widget is the record type the suite stores.
type Widget struct {
	ID    string   `json:"id"`
	Owner string   `json:"owner"`
	Code  string   `json:"code"`
	Score *int     `json:"score"`
	Tags  []string `json:"tags"`
}

func (w Widget) RecordID() string { return w.ID }

func (w Widget) Indexes() []storage.Index {
	return []storage.Index{
		{Name: "owner", Value: w.Owner},
		{Name: "code", Value: w.Code, Unique: true},
	}
}

// Run exercises a fresh driver returned by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) storage.Driver) {
	t.Helper()
	ctx := context.Background()

	collection := func(t *testing.T) *storage.Collection[Widget] {
		return storage.NewCollection[Widget](open(t), "widgets")
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		c := collection(t)
		score := 7
		w := Widget{ID: "w1", Owner: "o1", Code: "c1", Score: &score, Tags: []string{"a"}}
		require.NoError(t, c.Create(ctx, w))

		got, err := c.Get(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, w, got)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := collection(t).Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CreateDuplicateID", func(t *testing.T) {
		c := collection(t)
		require.NoError(t, c.Create(ctx, Widget{ID: "w1", Owner: "o1", Code: "c1"}))
		err := c.Create(ctx, Widget{ID: "w1", Owner: "o2", Code: "c2"})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)

		found, err := c.FindBy(ctx, "owner", "o2")
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("CreateDuplicateUniqueIndex", func(t *testing.T) {
		c := collection(t)
		require.NoError(t, c.Create(ctx, Widget{ID: "w1", Owner: "o1", Code: "c1"}))
		err := c.Create(ctx, Widget{ID: "w2", Owner: "o1", Code: "c1"})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
		_, err = c.Get(ctx, "w2")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CreateManyAllOrNothing", func(t *testing.T) {
		c := collection(t)
		require.NoError(t, c.Create(ctx, Widget{ID: "w1", Owner: "o1", Code: "c1"}))

		err := c.CreateMany(ctx, []Widget{
			{ID: "w2", Owner: "o2", Code: "c2"},
			{ID: "w1", Owner: "o2", Code: "c3"},
		})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
		_, err = c.Get(ctx, "w2")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		err = c.CreateMany(ctx, []Widget{
			{ID: "w3", Owner: "o3", Code: "c3"},
			{ID: "w4", Owner: "o3", Code: "c3"},
		})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
		_, err = c.Get(ctx, "w3")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, c.CreateMany(ctx, []Widget{
			{ID: "w5", Owner: "o5", Code: "c5"},
			{ID: "w6", Owner: "o5", Code: "c6"},
		}))
		found, err := c.FindBy(ctx, "owner", "o5")
		require.NoError(t, err)
		assert.Len(t, found, 2)
	})

	t.Run("CreateManyEmpty", func(t *testing.T) {
		assert.NoError(t, collection(t).CreateMany(ctx, nil))
	})

	t.Run("Update", func(t *testing.T) {
		c := collection(t)
		require.NoError(t, c.Create(ctx, Widget{ID: "w1", Owner: "o1", Code: "c1"}))
		score := 42
		require.NoError(t, c.Update(ctx, Widget{ID: "w1", Owner: "o2", Code: "c9", Score: &score}))

		got, err := c.Get(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, got.Score)
		assert.Equal(t, 42, *got.Score)

		old, err := c.FindBy(ctx, "owner", "o1")
		require.NoError(t, err)
		assert.Empty(t, old)
		moved, err := c.FindBy(ctx, "owner", "o2")
		require.NoError(t, err)
		assert.Len(t, moved, 1)

		require.NoError(t, c.Create(ctx, Widget{ID: "w2", Owner: "o1", Code: "c1"}), "released unique value is reusable")
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		err := collection(t).Update(ctx, Widget{ID: "nope", Code: "c1"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateUniqueCollision", func(t *testing.T) {
		c := collection(t)
		require.NoError(t, c.Create(ctx, Widget{ID: "w1", Owner: "o1", Code: "c1"}))
		require.NoError(t, c.Create(ctx, Widget{ID: "w2", Owner: "o1", Code: "c2"}))
		err := c.Update(ctx, Widget{ID: "w2", Owner: "o1", Code: "c1"})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)

		got, err := c.Get(ctx, "w2")
		require.NoError(t, err)
		assert.Equal(t, "c2", got.Code)
	})

	t.Run("FindByInsertionOrder", func(t *testing.T) {
		c := collection(t)
		for i := range 5 {
			require.NoError(t, c.Create(ctx, Widget{ID: fmt.Sprintf("w%d", 5-i), Owner: "o1", Code: fmt.Sprintf("c%d", i)}))
		}
		found, err := c.FindBy(ctx, "owner", "o1")
		require.NoError(t, err)
		ids := make([]string, 0, len(found))
		for _, w := range found {
			ids = append(ids, w.ID)
		}
		assert.Equal(t, []string{"w5", "w4", "w3", "w2", "w1"}, ids)
	})

	t.Run("FindByNoMatch", func(t *testing.T) {
		found, err := collection(t).FindBy(ctx, "owner", "nobody")
		require.NoError(t, err)
		assert.NotNil(t, found)
		assert.Empty(t, found)
	})

	t.Run("BucketsAreIsolated", func(t *testing.T) {
		d := open(t)
		a := storage.NewCollection[Widget](d, "a")
		b := storage.NewCollection[Widget](d, "b")
		require.NoError(t, a.Create(ctx, Widget{ID: "w1", Owner: "o1", Code: "c1"}))
		require.NoError(t, b.Create(ctx, Widget{ID: "w1", Owner: "o1", Code: "c1"}))
		_, err := storage.NewCollection[Widget](d, "c").Get(ctx, "w1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ReturnedValuesAreCopies", func(t *testing.T) {
		c := collection(t)
		w := Widget{ID: "w1", Owner: "o1", Code: "c1", Tags: []string{"a"}}
		require.NoError(t, c.Create(ctx, w))
		w.Tags[0] = "mutated"

		got, err := c.Get(ctx, "w1")
		require.NoError(t, err)
		got.Tags[0] = "also mutated"

		again, err := c.Get(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, again.Tags)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := collection(t).Create(cctx, Widget{ID: "w1", Code: "c1"})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ConcurrentUniqueCreate", func(t *testing.T) {
		c := collection(t)
		const writers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := range writers {
			wg.Go(func() {
				err := c.Create(ctx, Widget{ID: fmt.Sprintf("w%d", i), Owner: "o1", Code: "shared"})
				if err == nil {
					mu.Lock()
					created++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, storage.ErrAlreadyExists)
			})
		}
		wg.Wait()
		assert.Equal(t, 1, created)
	})
}
