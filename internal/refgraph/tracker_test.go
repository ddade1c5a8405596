package refgraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type supersededCounter struct{ byClass map[string]int }

func (s *supersededCounter) RecordSuperseded(class string) { s.byClass[class]++ }

func TestTracker_BeginSupersedes(t *testing.T) {
	rec := &supersededCounter{byClass: map[string]int{}}
	tr := NewTracker(rec)

	first, firstCtx := tr.Begin(context.Background(), "", ClassList)
	assert.True(t, tr.Current(first))

	second, secondCtx := tr.Begin(context.Background(), "", ClassList)
	assert.False(t, tr.Current(first))
	assert.True(t, tr.Current(second))
	assert.ErrorIs(t, firstCtx.Err(), context.Canceled)
	assert.NoError(t, secondCtx.Err())
	assert.Equal(t, 1, rec.byClass[string(ClassList)])
	assert.NotEqual(t, first.ID, second.ID)
}

func TestTracker_ClassesAndScopesAreIndependent(t *testing.T) {
	tr := NewTracker(nil)

	list, _ := tr.Begin(context.Background(), "a", ClassList)
	related, _ := tr.Begin(context.Background(), "a", ClassRelated)
	other, _ := tr.Begin(context.Background(), "b", ClassList)

	assert.True(t, tr.Current(list))
	assert.True(t, tr.Current(related))
	assert.True(t, tr.Current(other))
	assert.Equal(t, 3, tr.Active())
}

func TestTracker_End(t *testing.T) {
	tr := NewTracker(nil)

	tok, ctx := tr.Begin(context.Background(), "", ClassList)
	tr.End(tok)
	assert.False(t, tr.Current(tok))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Equal(t, 0, tr.Active())

	t.Run("ending a superseded token keeps the newer one", func(t *testing.T) {
		old, _ := tr.Begin(context.Background(), "", ClassList)
		cur, _ := tr.Begin(context.Background(), "", ClassList)
		tr.End(old)
		assert.True(t, tr.Current(cur))
	})
}

func TestTracker_Guard(t *testing.T) {
	tr := NewTracker(nil)
	tok, _ := tr.Begin(context.Background(), "", ClassEnrichment)

	ran := false
	require.True(t, tr.Guard(tok, func() { ran = true }))
	assert.True(t, ran)

	tr.Begin(context.Background(), "", ClassEnrichment)
	ran = false
	assert.False(t, tr.Guard(tok, func() { ran = true }))
	assert.False(t, ran)
}

func TestTracker_CancelAll(t *testing.T) {
	tr := NewTracker(nil)
	_, a := tr.Begin(context.Background(), "", ClassList)
	_, b := tr.Begin(context.Background(), "x", ClassRelated)

	assert.True(t, tr.Cancel("x", ClassRelated))
	assert.ErrorIs(t, b.Err(), context.Canceled)
	assert.False(t, tr.Cancel("x", ClassRelated))

	tr.CancelAll()
	assert.ErrorIs(t, a.Err(), context.Canceled)
	assert.Equal(t, 0, tr.Active())
}

func TestTracker_CurrentNil(t *testing.T) {
	assert.False(t, NewTracker(nil).Current(nil))
}
