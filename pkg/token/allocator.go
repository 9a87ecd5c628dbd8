package token

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/solaius/credential-registry/pkg/db"
	"github.com/solaius/credential-registry/pkg/sentinel"
)

const (
	codeLength      = 12
	maxCodeAttempts = 5
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewCode returns a random token code.
func NewCode() string {
	id := uuid.New()
	return codeEncoding.EncodeToString(id[:])[:codeLength]
}

// Allocator owns token allocation: FREE <-> ASSIGNED, and {FREE, ASSIGNED}
// -> RETIRED. Every state change is a conditional update on (state, version).
type Allocator struct {
	db       *gorm.DB
	renderer Renderer
	newCode  func() string
}

// NewAllocator creates an Allocator. A nil renderer stores nothing.
func NewAllocator(gdb *gorm.DB, renderer Renderer) *Allocator {
	if renderer == nil {
		renderer = NopRenderer{}
	}
	return &Allocator{db: gdb, renderer: renderer, newCode: NewCode}
}

// WithTx returns an Allocator bound to tx.
func (a *Allocator) WithTx(tx *gorm.DB) *Allocator {
	return &Allocator{db: tx, renderer: a.renderer, newCode: a.newCode}
}

// AutoMigrate creates or updates the token table.
func (a *Allocator) AutoMigrate() error {
	if err := a.db.AutoMigrate(&Token{}); err != nil {
		return fmt.Errorf("auto-migrate tokens: %w", err)
	}
	// rows written before live_subject existed
	err := a.db.Model(&Token{}).
		Where("live_subject IS NULL AND state <> ?", StateRetired).
		Update("live_subject", gorm.Expr("subject_id")).Error
	if err != nil {
		return fmt.Errorf("backfill live subjects: %w", err)
	}
	return nil
}

// Generate issues a FREE token for subjectID. It fails with Conflict while
// the subject still has a token that is not retired. The artifact is rendered
// only once the row is stored; if the enclosing transaction later rolls back
// the caller must Discard it.
func (a *Allocator) Generate(ctx context.Context, subjectID string) (*Token, error) {
	if subjectID == "" {
		return nil, sentinel.Validationf("subject id is required")
	}
	var out *Token
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkLiveSubject(tx, subjectID); err != nil {
			return err
		}

		for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
			subject := subjectID
			tok := &Token{
				ID:          uuid.New().String(),
				Code:        a.newCode(),
				Kind:        KindQR,
				State:       StateFree,
				SubjectID:   subjectID,
				LiveSubject: &subject,
				Version:     1,
			}
			// Each attempt runs in a savepoint so a duplicate code does not
			// abort the enclosing transaction.
			err := tx.Transaction(func(sp *gorm.DB) error {
				return sp.Create(tok).Error
			})
			if err == nil {
				if err := a.attachArtifact(ctx, tx, tok); err != nil {
					return err
				}
				out = tok
				return nil
			}
			if !db.IsDuplicate(err) {
				return fmt.Errorf("create token: %w", err)
			}
			// a concurrent Generate for the same subject won the live slot
			if err := checkLiveSubject(tx, subjectID); err != nil {
				return err
			}
		}
		return sentinel.Conflictf("could not allocate a unique token code after %d attempts", maxCodeAttempts)
	})
	if err != nil {
		if out != nil {
			a.Discard(ctx, out.ArtifactRef)
		}
		return nil, err
	}
	return out, nil
}

func checkLiveSubject(tx *gorm.DB, subjectID string) error {
	var n int64
	if err := tx.Model(&Token{}).
		Where("live_subject = ? OR (subject_id = ? AND state <> ?)", subjectID, subjectID, StateRetired).
		Count(&n).Error; err != nil {
		return fmt.Errorf("count subject tokens: %w", err)
	}
	if n > 0 {
		return sentinel.Conflictf("subject %s already has a live token", subjectID)
	}
	return nil
}

func (a *Allocator) attachArtifact(ctx context.Context, tx *gorm.DB, tok *Token) error {
	ref, err := a.renderer.Render(ctx, tok.Code)
	if err != nil {
		return err
	}
	if err := tx.Model(&Token{}).Where("id = ?", tok.ID).Update("artifact_ref", ref).Error; err != nil {
		a.Discard(ctx, ref)
		return fmt.Errorf("store token artifact: %w", err)
	}
	tok.ArtifactRef = ref
	return nil
}

// Discard removes a rendered artifact whose token never committed. Failures
// are logged; a stray artifact is harmless.
func (a *Allocator) Discard(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	if err := a.renderer.Discard(ctx, ref); err != nil {
		slog.Warn("failed to discard token artifact", "ref", ref, "error", err)
	}
}

// Assign binds a FREE token to ownerID. expiresAt, when set, lets the sweep
// release the token once it has passed.
func (a *Allocator) Assign(ctx context.Context, tokenID, ownerID string, expiresAt *time.Time) (*Token, error) {
	if ownerID == "" {
		return nil, sentinel.Validationf("owner id is required")
	}
	var out *Token
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tok, err := get(tx, tokenID, true)
		if err != nil {
			return err
		}
		if tok.State != StateFree {
			return sentinel.Conflictf("token %s is %s, not FREE", tok.Code, tok.State)
		}
		var n int64
		if err := tx.Model(&Token{}).
			Where("owner_id = ? AND state = ?", ownerID, StateAssigned).
			Count(&n).Error; err != nil {
			return fmt.Errorf("count owner tokens: %w", err)
		}
		if n > 0 {
			return sentinel.Conflictf("owner %s already holds a token", ownerID)
		}
		if err := transition(tx, tok, StateFree, map[string]any{
			"state":      StateAssigned,
			"owner_id":   ownerID,
			"expires_at": utcPtr(expiresAt),
		}); err != nil {
			return err
		}
		out, err = get(tx, tokenID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetExpiry replaces the expiry of an ASSIGNED token, keeping its owner. A
// nil expiresAt makes the assignment permanent.
func (a *Allocator) SetExpiry(ctx context.Context, tokenID string, expiresAt *time.Time) (*Token, error) {
	var out *Token
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tok, err := get(tx, tokenID, true)
		if err != nil {
			return err
		}
		if tok.State != StateAssigned {
			return sentinel.Conflictf("token %s is %s, not ASSIGNED", tok.Code, tok.State)
		}
		exp := utcPtr(expiresAt)
		if sameExpiry(tok.ExpiresAt, exp) {
			out = tok
			return nil
		}
		if err := transition(tx, tok, StateAssigned, map[string]any{"expires_at": exp}); err != nil {
			return err
		}
		out, err = get(tx, tokenID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Release returns an ASSIGNED token to FREE. A token that is already FREE is
// a Conflict.
func (a *Allocator) Release(ctx context.Context, tokenID string) (*Token, error) {
	var out *Token
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tok, err := get(tx, tokenID, true)
		if err != nil {
			return err
		}
		if tok.State != StateAssigned {
			return sentinel.Conflictf("token %s is %s, not ASSIGNED", tok.Code, tok.State)
		}
		if err := transition(tx, tok, StateAssigned, map[string]any{
			"state":      StateFree,
			"owner_id":   nil,
			"expires_at": nil,
		}); err != nil {
			return err
		}
		out, err = get(tx, tokenID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Retire permanently withdraws a FREE or ASSIGNED token.
func (a *Allocator) Retire(ctx context.Context, tokenID string) (*Token, error) {
	var out *Token
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tok, err := get(tx, tokenID, true)
		if err != nil {
			return err
		}
		if tok.State == StateRetired {
			return sentinel.Conflictf("token %s is already RETIRED", tok.Code)
		}
		now := time.Now().UTC()
		if err := transition(tx, tok, tok.State, map[string]any{
			"state":        StateRetired,
			"owner_id":     nil,
			"live_subject": nil,
			"expires_at":   nil,
			"retired_at":   now,
		}); err != nil {
			return err
		}
		out, err = get(tx, tokenID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseExpired releases the token if it is still ASSIGNED and expired at
// now. It reports whether anything changed; any other state is a no-op.
func (a *Allocator) ReleaseExpired(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	result := a.db.WithContext(ctx).Model(&Token{}).
		Where("id = ? AND state = ? AND expires_at IS NOT NULL AND expires_at <= ?", tokenID, StateAssigned, now.UTC()).
		Updates(map[string]any{
			"state":      StateFree,
			"owner_id":   nil,
			"expires_at": nil,
			"version":    gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return false, fmt.Errorf("release expired token: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Expired lists up to limit ASSIGNED tokens whose expiry is at or before now.
func (a *Allocator) Expired(ctx context.Context, now time.Time, limit int) ([]Token, error) {
	if limit <= 0 {
		limit = 100
	}
	var tokens []Token
	err := a.db.WithContext(ctx).
		Where("state = ? AND expires_at IS NOT NULL AND expires_at <= ?", StateAssigned, now.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("list expired tokens: %w", err)
	}
	return tokens, nil
}

// Get returns the token or NotFound.
func (a *Allocator) Get(ctx context.Context, tokenID string) (*Token, error) {
	return get(a.db.WithContext(ctx), tokenID, false)
}

// ForOwner returns the token assigned to ownerID, or nil.
func (a *Allocator) ForOwner(ctx context.Context, ownerID string) (*Token, error) {
	var tok Token
	err := a.db.WithContext(ctx).Where("owner_id = ? AND state = ?", ownerID, StateAssigned).First(&tok).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get token for owner: %w", err)
	}
	return &tok, nil
}

// LatestForSubject returns the most recently issued token for subjectID, or nil.
func (a *Allocator) LatestForSubject(ctx context.Context, subjectID string) (*Token, error) {
	var tok Token
	err := a.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("created_at DESC").
		First(&tok).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest token for subject: %w", err)
	}
	return &tok, nil
}

func get(tx *gorm.DB, tokenID string, lock bool) (*Token, error) {
	q := tx
	if lock {
		q = db.ForUpdate(tx)
	}
	var tok Token
	if err := q.Where("id = ?", tokenID).First(&tok).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sentinel.NotFoundf("token %s", tokenID)
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &tok, nil
}

// transition applies updates only if the token is still in state from at the
// version that was read.
func transition(tx *gorm.DB, tok *Token, from State, updates map[string]any) error {
	updates["version"] = tok.Version + 1
	result := tx.Model(&Token{}).
		Where("id = ? AND state = ? AND version = ?", tok.ID, from, tok.Version).
		Updates(updates)
	if result.Error != nil {
		if db.IsDuplicate(result.Error) {
			return sentinel.Conflictf("token owner already holds a token")
		}
		return fmt.Errorf("update token %s: %w", tok.Code, result.Error)
	}
	if result.RowsAffected == 0 {
		return sentinel.Conflictf("token %s changed concurrently", tok.Code)
	}
	return nil
}
