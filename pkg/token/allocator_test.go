package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/solaius/credential-registry/pkg/db"
	"github.com/solaius/credential-registry/pkg/sentinel"
)

func newTestAllocator(t *testing.T) (*Allocator, *gorm.DB) {
	t.Helper()
	gdb, err := db.Open(db.Config{Type: db.TypeSQLite, LogLevel: logger.Silent})
	require.NoError(t, err)
	a := NewAllocator(gdb, nil)
	require.NoError(t, a.AutoMigrate())
	return a, gdb
}

func TestNewCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		c := NewCode()
		assert.Len(t, c, codeLength)
		assert.Regexp(t, `^[A-Z2-7]+$`, c)
		assert.False(t, seen[c])
		seen[c] = true
	}
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)

	tok, err := a.Generate(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StateFree, tok.State)
	assert.Nil(t, tok.OwnerID)
	assert.Equal(t, "mem://"+tok.Code, tok.ArtifactRef)

	_, err = a.Generate(ctx, "p1")
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	_, err = a.Retire(ctx, tok.ID)
	require.NoError(t, err)
	replacement, err := a.Generate(ctx, "p1")
	require.NoError(t, err)
	assert.NotEqual(t, tok.Code, replacement.Code)

	latest, err := a.LatestForSubject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, latest.ID)
}

func TestGenerate_RetriesDuplicateCode(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)

	codes := []string{"AAAAAAAAAAAA", "AAAAAAAAAAAA", "BBBBBBBBBBBB"}
	a.newCode = func() string {
		c := codes[0]
		codes = codes[1:]
		return c
	}

	first, err := a.Generate(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAAAAAA", first.Code)

	r := &recordingRenderer{}
	a.renderer = r
	second, err := a.Generate(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "BBBBBBBBBBBB", second.Code)
	// the rejected code is never rendered
	assert.Equal(t, []string{"BBBBBBBBBBBB"}, r.rendered)
	assert.Equal(t, "mem://BBBBBBBBBBBB", second.ArtifactRef)

	stored, err := a.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ArtifactRef, stored.ArtifactRef)
}

func TestGenerate_LiveSubjectIndex(t *testing.T) {
	ctx := context.Background()
	a, gdb := newTestAllocator(t)

	// a row that the pre-insert count cannot see by state still holds the
	// subject's live slot
	subject := "p1"
	require.NoError(t, gdb.Create(&Token{
		ID: "t-stray", Code: "STRAYSTRAY22", Kind: KindQR, State: StateRetired,
		SubjectID: "other", LiveSubject: &subject, Version: 1,
	}).Error)

	_, err := a.Generate(ctx, "p1")
	require.ErrorIs(t, err, sentinel.ErrConflict)
	assert.Contains(t, err.Error(), "already has a live token")

	err = gdb.Create(&Token{
		ID: "t-dup", Code: "DUPDUPDUP222", Kind: KindQR, State: StateFree,
		SubjectID: "p1", LiveSubject: &subject, Version: 1,
	}).Error
	require.Error(t, err)
	assert.True(t, db.IsDuplicate(err))
}

func TestRetire_FreesLiveSubject(t *testing.T) {
	ctx := context.Background()
	a, gdb := newTestAllocator(t)
	tok, err := a.Generate(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, tok.LiveSubject)

	_, err = a.Retire(ctx, tok.ID)
	require.NoError(t, err)
	var stored Token
	require.NoError(t, gdb.First(&stored, "id = ?", tok.ID).Error)
	assert.Nil(t, stored.LiveSubject)
}

func TestAutoMigrate_BackfillsLiveSubject(t *testing.T) {
	a, gdb := newTestAllocator(t)
	require.NoError(t, gdb.Create(&Token{
		ID: "t-old", Code: "OLDOLDOLD222", Kind: KindQR, State: StateFree, SubjectID: "p1", Version: 1,
	}).Error)

	require.NoError(t, a.AutoMigrate())

	_, err := a.Generate(context.Background(), "p1")
	assert.ErrorIs(t, err, sentinel.ErrConflict)
	var stored Token
	require.NoError(t, gdb.First(&stored, "id = ?", "t-old").Error)
	require.NotNil(t, stored.LiveSubject)
	assert.Equal(t, "p1", *stored.LiveSubject)
}

func TestGenerate_RenderFailure(t *testing.T) {
	ctx := context.Background()
	a, gdb := newTestAllocator(t)
	a.renderer = failingRenderer{}

	_, err := a.Generate(ctx, "p1")
	require.Error(t, err)

	var n int64
	require.NoError(t, gdb.Model(&Token{}).Count(&n).Error)
	assert.Equal(t, int64(0), n)
}

type failingRenderer struct{}

func (failingRenderer) Render(context.Context, string) (string, error) {
	return "", errors.New("disk full")
}

func (failingRenderer) Discard(context.Context, string) error { return nil }

type recordingRenderer struct {
	mu        sync.Mutex
	rendered  []string
	discarded []string
}

func (r *recordingRenderer) Render(_ context.Context, code string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered = append(r.rendered, code)
	return "mem://" + code, nil
}

func (r *recordingRenderer) Discard(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded = append(r.discarded, ref)
	return nil
}

func TestGenerate_DiscardsArtifactOnRollback(t *testing.T) {
	ctx := context.Background()
	a, gdb := newTestAllocator(t)
	r := &recordingRenderer{}
	a.renderer = r

	var ref string
	err := gdb.Transaction(func(tx *gorm.DB) error {
		tok, err := a.WithTx(tx).Generate(ctx, "p1")
		if err != nil {
			return err
		}
		ref = tok.ArtifactRef
		return errors.New("later step failed")
	})
	require.Error(t, err)
	a.Discard(ctx, ref)

	assert.Equal(t, []string{ref}, r.discarded)
	var n int64
	require.NoError(t, gdb.Model(&Token{}).Count(&n).Error)
	assert.Equal(t, int64(0), n)
}

func TestSetExpiry(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)
	tok, err := a.Generate(ctx, "p1")
	require.NoError(t, err)

	_, err = a.SetExpiry(ctx, tok.ID, nil)
	require.ErrorIs(t, err, sentinel.ErrConflict)

	assigned, err := a.Assign(ctx, tok.ID, "p1", nil)
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour)
	withExpiry, err := a.SetExpiry(ctx, tok.ID, &exp)
	require.NoError(t, err)
	require.NotNil(t, withExpiry.ExpiresAt)
	assert.WithinDuration(t, exp, *withExpiry.ExpiresAt, time.Second)
	assert.Equal(t, assigned.Version+1, withExpiry.Version)
	require.NotNil(t, withExpiry.OwnerID)
	assert.Equal(t, "p1", *withExpiry.OwnerID)

	same, err := a.SetExpiry(ctx, tok.ID, withExpiry.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, withExpiry.Version, same.Version)

	permanent, err := a.SetExpiry(ctx, tok.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, permanent.ExpiresAt)
	released, err := a.ReleaseExpired(ctx, tok.ID, exp.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, released)
}

func TestAssignReleaseRetire(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)
	tok, err := a.Generate(ctx, "p1")
	require.NoError(t, err)

	exp := time.Now().UTC().Add(time.Hour)
	assigned, err := a.Assign(ctx, tok.ID, "p1", &exp)
	require.NoError(t, err)
	assert.Equal(t, StateAssigned, assigned.State)
	require.NotNil(t, assigned.OwnerID)
	assert.Equal(t, "p1", *assigned.OwnerID)
	require.NotNil(t, assigned.ExpiresAt)
	assert.Equal(t, tok.Version+1, assigned.Version)

	owned, err := a.ForOwner(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, owned.ID)

	_, err = a.Assign(ctx, tok.ID, "p2", nil)
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	released, err := a.Release(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFree, released.State)
	assert.Nil(t, released.OwnerID)
	assert.Nil(t, released.ExpiresAt)

	// Releasing a FREE token is a conflict, not a silent success.
	_, err = a.Release(ctx, tok.ID)
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	owned, err = a.ForOwner(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, owned)

	retired, err := a.Retire(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRetired, retired.State)
	assert.NotNil(t, retired.RetiredAt)

	_, err = a.Retire(ctx, tok.ID)
	assert.ErrorIs(t, err, sentinel.ErrConflict)
	_, err = a.Assign(ctx, tok.ID, "p1", nil)
	assert.ErrorIs(t, err, sentinel.ErrConflict)
	_, err = a.Release(ctx, tok.ID)
	assert.ErrorIs(t, err, sentinel.ErrConflict)
}

func TestRetireAssignedClearsOwner(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)
	tok, err := a.Generate(ctx, "p1")
	require.NoError(t, err)
	_, err = a.Assign(ctx, tok.ID, "p1", nil)
	require.NoError(t, err)

	retired, err := a.Retire(ctx, tok.ID)
	require.NoError(t, err)
	assert.Nil(t, retired.OwnerID)

	owned, err := a.ForOwner(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, owned)
}

func TestAssign_OwnerHoldsOneToken(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)
	first, err := a.Generate(ctx, "p1")
	require.NoError(t, err)
	second, err := a.Generate(ctx, "spare")
	require.NoError(t, err)

	_, err = a.Assign(ctx, first.ID, "p1", nil)
	require.NoError(t, err)
	_, err = a.Assign(ctx, second.ID, "p1", nil)
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	got, err := a.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFree, got.State)
}

func TestAssign_NotFound(t *testing.T) {
	a, _ := newTestAllocator(t)
	_, err := a.Assign(context.Background(), "missing", "p1", nil)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	_, err = a.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestAssign_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)
	tok, err := a.Generate(ctx, "p2")
	require.NoError(t, err)

	const callers = 2
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.Assign(ctx, tok.ID, "p2", nil)
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, sentinel.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	got, err := a.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAssigned, got.State)
	require.NotNil(t, got.OwnerID)
}

func TestAssignedIffOwner(t *testing.T) {
	ctx := context.Background()
	a, gdb := newTestAllocator(t)
	for _, subject := range []string{"p1", "p2", "p3"} {
		tok, err := a.Generate(ctx, subject)
		require.NoError(t, err)
		_, err = a.Assign(ctx, tok.ID, subject, nil)
		require.NoError(t, err)
		if subject == "p2" {
			_, err = a.Release(ctx, tok.ID)
			require.NoError(t, err)
		}
		if subject == "p3" {
			_, err = a.Retire(ctx, tok.ID)
			require.NoError(t, err)
		}
	}

	var tokens []Token
	require.NoError(t, gdb.Find(&tokens).Error)
	for _, tok := range tokens {
		assert.Equal(t, tok.State == StateAssigned, tok.OwnerID != nil, tok.SubjectID)
	}
}
