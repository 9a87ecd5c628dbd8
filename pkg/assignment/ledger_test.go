package assignment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/solaius/credential-registry/pkg/db"
	"github.com/solaius/credential-registry/pkg/sentinel"
)

func newTestLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()
	gdb, err := db.Open(db.Config{Type: db.TypeSQLite, LogLevel: logger.Silent})
	require.NoError(t, err)
	l := NewLedger(gdb)
	require.NoError(t, l.AutoMigrate())
	return l, gdb
}

// window returns a process window that contains now.
func window() (time.Time, time.Time) {
	now := time.Now().UTC()
	return now.Add(-24 * time.Hour), now.Add(24 * time.Hour)
}

func TestAssign_Permanent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	post, err := l.Catalog().CreatePost(ctx, "CLERK-1", "Clerk", "Registry")
	require.NoError(t, err)

	a, err := l.Assign(ctx, "p1", PostRef{Track: TrackPermanent, ID: post.ID}, time.Time{})
	require.NoError(t, err)
	assert.True(t, a.Active)
	assert.Equal(t, TrackPermanent, a.Ref.Track)
	assert.False(t, a.Start.IsZero())

	_, err = l.Assign(ctx, "p1", PostRef{Track: TrackPermanent, ID: post.ID}, time.Time{})
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	// Another person can hold the same post.
	_, err = l.Assign(ctx, "p2", PostRef{Track: TrackPermanent, ID: post.ID}, time.Time{})
	require.NoError(t, err)

	active, err := l.Active(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestAssign_Errors(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.Assign(ctx, "p1", PostRef{Track: TrackPermanent, ID: "missing"}, time.Time{})
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	_, err = l.Assign(ctx, "p1", PostRef{Track: TrackProcess, ID: "missing"}, time.Time{})
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	_, err = l.Assign(ctx, "p1", PostRef{Track: "other", ID: "x"}, time.Time{})
	assert.ErrorIs(t, err, sentinel.ErrValidation)

	post, err := l.Catalog().CreatePost(ctx, "OLD", "Old post", "")
	require.NoError(t, err)
	require.NoError(t, l.Catalog().DeactivatePost(ctx, post.ID))
	_, err = l.Assign(ctx, "p1", PostRef{Track: TrackPermanent, ID: post.ID}, time.Time{})
	assert.ErrorIs(t, err, sentinel.ErrValidation)
}

func TestAssign_ProcessWindowAndExclusivity(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	starts, ends := window()
	proc, err := l.Catalog().CreateProcess(ctx, "ELECT-26", "Election 2026", starts, ends)
	require.NoError(t, err)
	teller, err := l.Catalog().CreateProcessPost(ctx, proc.ID, "TELLER", "Teller")
	require.NoError(t, err)
	observer, err := l.Catalog().CreateProcessPost(ctx, proc.ID, "OBSERVER", "Observer")
	require.NoError(t, err)

	_, err = l.Assign(ctx, "p1", PostRef{Track: TrackProcess, ID: teller.ID}, ends.Add(time.Hour))
	assert.ErrorIs(t, err, sentinel.ErrValidation)
	_, err = l.Assign(ctx, "p1", PostRef{Track: TrackProcess, ID: teller.ID}, starts.Add(-time.Hour))
	assert.ErrorIs(t, err, sentinel.ErrValidation)

	a, err := l.Assign(ctx, "p1", PostRef{Track: TrackProcess, ID: teller.ID}, starts)
	require.NoError(t, err)
	assert.Equal(t, proc.ID, a.ProcessID)

	// A second post within the same process conflicts.
	_, err = l.Assign(ctx, "p1", PostRef{Track: TrackProcess, ID: observer.ID}, starts)
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	// A post in a different process does not.
	other, err := l.Catalog().CreateProcess(ctx, "CENSUS-26", "Census", starts, ends)
	require.NoError(t, err)
	enum, err := l.Catalog().CreateProcessPost(ctx, other.ID, "ENUM", "Enumerator")
	require.NoError(t, err)
	_, err = l.Assign(ctx, "p1", PostRef{Track: TrackProcess, ID: enum.ID}, starts)
	require.NoError(t, err)
}

func TestReassign(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	clerk, err := l.Catalog().CreatePost(ctx, "CLERK-1", "Clerk", "")
	require.NoError(t, err)
	chief, err := l.Catalog().CreatePost(ctx, "CHIEF-1", "Chief", "")
	require.NoError(t, err)

	start := time.Now().UTC().Add(-time.Hour)
	a, err := l.Assign(ctx, "p1", PostRef{Track: TrackPermanent, ID: clerk.ID}, start)
	require.NoError(t, err)

	at := time.Now().UTC()
	b, err := l.Reassign(ctx, a.Ref, PostRef{Track: TrackPermanent, ID: chief.ID}, at)
	require.NoError(t, err)
	assert.Equal(t, chief.ID, b.Post.ID)

	old, err := l.Get(ctx, a.Ref)
	require.NoError(t, err)
	assert.False(t, old.Active)
	require.NotNil(t, old.End)
	assert.WithinDuration(t, at, *old.End, time.Second)

	_, err = l.Reassign(ctx, a.Ref, PostRef{Track: TrackPermanent, ID: clerk.ID}, at)
	assert.ErrorIs(t, err, sentinel.ErrConflict)
}

func TestReassign_FailureRollsBackClose(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	clerk, err := l.Catalog().CreatePost(ctx, "CLERK-1", "Clerk", "")
	require.NoError(t, err)
	a, err := l.Assign(ctx, "p1", PostRef{Track: TrackPermanent, ID: clerk.ID}, time.Time{})
	require.NoError(t, err)

	_, err = l.Reassign(ctx, a.Ref, PostRef{Track: TrackPermanent, ID: "missing"}, time.Time{})
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	still, err := l.Get(ctx, a.Ref)
	require.NoError(t, err)
	assert.True(t, still.Active)
	assert.Nil(t, still.End)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	clerk, err := l.Catalog().CreatePost(ctx, "CLERK-1", "Clerk", "")
	require.NoError(t, err)
	start := time.Now().UTC()
	a, err := l.Assign(ctx, "p1", PostRef{Track: TrackPermanent, ID: clerk.ID}, start)
	require.NoError(t, err)

	early := start.Add(-time.Hour)
	_, err = l.Close(ctx, a.Ref, &early)
	assert.ErrorIs(t, err, sentinel.ErrValidation)

	closed, err := l.Close(ctx, a.Ref, nil)
	require.NoError(t, err)
	assert.False(t, closed.Active)
	require.NotNil(t, closed.End)

	_, err = l.Close(ctx, a.Ref, nil)
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	_, err = l.Close(ctx, RecordRef{Track: TrackPermanent, ID: "missing"}, nil)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	clerk, err := l.Catalog().CreatePost(ctx, "CLERK-1", "Clerk", "")
	require.NoError(t, err)
	a, err := l.Assign(ctx, "p1", PostRef{Track: TrackPermanent, ID: clerk.ID}, time.Time{})
	require.NoError(t, err)

	_, err = l.Reopen(ctx, a.Ref)
	assert.ErrorIs(t, err, sentinel.ErrConflict, "already active")

	_, err = l.Close(ctx, a.Ref, nil)
	require.NoError(t, err)

	// A newer active record for the same post blocks reopening the old one.
	b, err := l.Assign(ctx, "p1", PostRef{Track: TrackPermanent, ID: clerk.ID}, time.Time{})
	require.NoError(t, err)
	_, err = l.Reopen(ctx, a.Ref)
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	_, err = l.Close(ctx, b.Ref, nil)
	require.NoError(t, err)
	reopened, err := l.Reopen(ctx, a.Ref)
	require.NoError(t, err)
	assert.True(t, reopened.Active)
	assert.Nil(t, reopened.End)

	_, err = l.Close(ctx, a.Ref, nil)
	require.NoError(t, err)
	require.NoError(t, l.Catalog().DeactivatePost(ctx, clerk.ID))
	_, err = l.Reopen(ctx, a.Ref)
	assert.ErrorIs(t, err, sentinel.ErrValidation)
}

func TestReopen_EndedProcess(t *testing.T) {
	ctx := context.Background()
	l, gdb := newTestLedger(t)
	starts, ends := window()
	proc, err := l.Catalog().CreateProcess(ctx, "ELECT-26", "Election", starts, ends)
	require.NoError(t, err)
	pp, err := l.Catalog().CreateProcessPost(ctx, proc.ID, "TELLER", "Teller")
	require.NoError(t, err)
	a, err := l.Assign(ctx, "p1", PostRef{Track: TrackProcess, ID: pp.ID}, time.Time{})
	require.NoError(t, err)
	_, err = l.Close(ctx, a.Ref, nil)
	require.NoError(t, err)

	require.NoError(t, gdb.Model(&Process{}).Where("id = ?", proc.ID).
		Update("ends_at", time.Now().UTC().Add(-time.Minute)).Error)
	_, err = l.Reopen(ctx, a.Ref)
	assert.ErrorIs(t, err, sentinel.ErrValidation)
}

func TestCloseAllAndLatestClosed(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	starts, ends := window()
	clerk, err := l.Catalog().CreatePost(ctx, "CLERK-1", "Clerk", "")
	require.NoError(t, err)
	proc, err := l.Catalog().CreateProcess(ctx, "ELECT-26", "Election", starts, ends)
	require.NoError(t, err)
	pp, err := l.Catalog().CreateProcessPost(ctx, proc.ID, "TELLER", "Teller")
	require.NoError(t, err)

	first, err := l.Assign(ctx, "p1", PostRef{Track: TrackPermanent, ID: clerk.ID}, starts)
	require.NoError(t, err)
	second, err := l.Assign(ctx, "p1", PostRef{Track: TrackProcess, ID: pp.ID}, starts.Add(time.Minute))
	require.NoError(t, err)

	latest, err := l.LatestClosed(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = l.Close(ctx, first.Ref, nil)
	require.NoError(t, err)
	closed, err := l.CloseAll(ctx, "p1", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, second.Ref, closed[0].Ref)

	active, err := l.Active(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, active)

	latest, err = l.LatestClosed(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.Ref, latest.Ref)

	history, err := l.History(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.Ref, history[0].Ref)
}

func TestDeactivateGuards(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	starts, ends := window()
	clerk, err := l.Catalog().CreatePost(ctx, "CLERK-1", "Clerk", "")
	require.NoError(t, err)
	proc, err := l.Catalog().CreateProcess(ctx, "ELECT-26", "Election", starts, ends)
	require.NoError(t, err)
	pp, err := l.Catalog().CreateProcessPost(ctx, proc.ID, "TELLER", "Teller")
	require.NoError(t, err)

	a, err := l.Assign(ctx, "p1", PostRef{Track: TrackPermanent, ID: clerk.ID}, time.Time{})
	require.NoError(t, err)
	b, err := l.Assign(ctx, "p1", PostRef{Track: TrackProcess, ID: pp.ID}, time.Time{})
	require.NoError(t, err)

	assert.ErrorIs(t, l.Catalog().DeactivatePost(ctx, clerk.ID), sentinel.ErrConflict)
	assert.ErrorIs(t, l.Catalog().DeactivateProcessPost(ctx, pp.ID), sentinel.ErrConflict)

	_, err = l.Close(ctx, a.Ref, nil)
	require.NoError(t, err)
	_, err = l.Close(ctx, b.Ref, nil)
	require.NoError(t, err)

	require.NoError(t, l.Catalog().DeactivatePost(ctx, clerk.ID))
	require.NoError(t, l.Catalog().DeactivateProcessPost(ctx, pp.ID))
	assert.ErrorIs(t, l.Catalog().DeactivatePost(ctx, "missing"), sentinel.ErrNotFound)

	post, err := l.Catalog().GetPost(ctx, clerk.ID)
	require.NoError(t, err)
	assert.False(t, post.Active)
}

func TestCatalog_CreateValidation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	c := l.Catalog()

	_, err := c.CreatePost(ctx, "", "Clerk", "")
	assert.ErrorIs(t, err, sentinel.ErrValidation)
	_, err = c.CreatePost(ctx, "CLERK-1", "Clerk", "")
	require.NoError(t, err)
	_, err = c.CreatePost(ctx, "CLERK-1", "Clerk again", "")
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	now := time.Now().UTC()
	_, err = c.CreateProcess(ctx, "P", "Process", now, now.Add(-time.Hour))
	assert.ErrorIs(t, err, sentinel.ErrValidation)

	_, err = c.CreateProcessPost(ctx, "missing", "X", "X")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}
