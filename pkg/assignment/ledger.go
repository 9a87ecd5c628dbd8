package assignment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/solaius/credential-registry/pkg/db"
	"github.com/solaius/credential-registry/pkg/sentinel"
)

// Ledger owns the per-person assignment history on both tracks.
type Ledger struct {
	db      *gorm.DB
	catalog *Catalog
}

// NewLedger creates a Ledger over db.
func NewLedger(gdb *gorm.DB) *Ledger {
	return &Ledger{db: gdb, catalog: NewCatalog(gdb)}
}

// WithTx returns a Ledger bound to tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, catalog: l.catalog.WithTx(tx)}
}

// Catalog returns the post catalog sharing the ledger's connection.
func (l *Ledger) Catalog() *Catalog {
	return l.catalog
}

// AutoMigrate creates or updates the catalog and assignment tables.
func (l *Ledger) AutoMigrate() error {
	models := []struct {
		name  string
		model any
	}{
		{"posts", &Post{}},
		{"processes", &Process{}},
		{"process_posts", &ProcessPost{}},
		{"assignment_records", &Record{}},
		{"process_assignment_records", &ProcessRecord{}},
	}
	for _, m := range models {
		if err := l.db.AutoMigrate(m.model); err != nil {
			return fmt.Errorf("auto-migrate %s: %w", m.name, err)
		}
	}
	return nil
}

// Assign opens an active record linking personID to post from start.
// A zero start means now.
func (l *Ledger) Assign(ctx context.Context, personID string, post PostRef, start time.Time) (*Assignment, error) {
	if personID == "" {
		return nil, sentinel.Validationf("person id is required")
	}
	if start.IsZero() {
		start = time.Now().UTC()
	}
	var out *Assignment
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = l.WithTx(tx).assign(ctx, personID, post, start.UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) assign(ctx context.Context, personID string, post PostRef, start time.Time) (*Assignment, error) {
	switch post.Track {
	case TrackPermanent:
		p, err := l.catalog.GetPost(ctx, post.ID)
		if err != nil {
			return nil, err
		}
		if !p.Active {
			return nil, sentinel.Validationf("post %s is inactive", p.Code)
		}
		var n int64
		if err := l.db.Model(&Record{}).
			Where("person_id = ? AND post_id = ? AND active = ?", personID, p.ID, true).
			Count(&n).Error; err != nil {
			return nil, fmt.Errorf("count active assignments: %w", err)
		}
		if n > 0 {
			return nil, sentinel.Conflictf("person %s already holds post %s", personID, p.Code)
		}
		rec := &Record{
			ID:        uuid.New().String(),
			PersonID:  personID,
			PostID:    p.ID,
			Start:     start,
			Active:    true,
			ActiveKey: postKey(personID, p.ID),
		}
		if err := l.db.Create(rec).Error; err != nil {
			if db.IsDuplicate(err) {
				return nil, sentinel.Conflictf("person %s already holds post %s", personID, p.Code)
			}
			return nil, fmt.Errorf("create assignment: %w", err)
		}
		return fromRecord(rec), nil

	case TrackProcess:
		pp, proc, err := l.processPost(ctx, post.ID)
		if err != nil {
			return nil, err
		}
		if !pp.Active {
			return nil, sentinel.Validationf("process post %s is inactive", pp.Code)
		}
		if !proc.Active {
			return nil, sentinel.Validationf("process %s is inactive", proc.Code)
		}
		if !proc.Contains(start) {
			return nil, sentinel.Validationf("start %s is outside process %s window %s to %s",
				start.Format(time.RFC3339), proc.Code,
				proc.StartsAt.Format(time.RFC3339), proc.EndsAt.Format(time.RFC3339))
		}
		var n int64
		if err := l.db.Model(&ProcessRecord{}).
			Where("person_id = ? AND process_id = ? AND active = ?", personID, proc.ID, true).
			Count(&n).Error; err != nil {
			return nil, fmt.Errorf("count active process assignments: %w", err)
		}
		if n > 0 {
			return nil, sentinel.Conflictf("person %s already holds a post in process %s", personID, proc.Code)
		}
		rec := &ProcessRecord{
			ID:            uuid.New().String(),
			PersonID:      personID,
			ProcessPostID: pp.ID,
			ProcessID:     proc.ID,
			Start:         start,
			Active:        true,
			ActiveKey:     processKey(personID, proc.ID),
		}
		if err := l.db.Create(rec).Error; err != nil {
			if db.IsDuplicate(err) {
				return nil, sentinel.Conflictf("person %s already holds a post in process %s", personID, proc.Code)
			}
			return nil, fmt.Errorf("create process assignment: %w", err)
		}
		return fromProcessRecord(rec), nil

	default:
		return nil, sentinel.Validationf("unknown assignment track %q", post.Track)
	}
}

// Reassign closes the record at `at` and opens a new one on newPost from the
// same instant, in one call. The old record must be active.
func (l *Ledger) Reassign(ctx context.Context, ref RecordRef, newPost PostRef, at time.Time) (*Assignment, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var out *Assignment
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lt := l.WithTx(tx)
		old, err := lt.get(ctx, tx, ref, true)
		if err != nil {
			return err
		}
		if !old.Active {
			return sentinel.Conflictf("assignment %s is not active", ref.ID)
		}
		if err := lt.close(ctx, old, at.UTC()); err != nil {
			return err
		}
		out, err = lt.assign(ctx, old.PersonID, newPost, at.UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close ends an active record. A nil end means now; end must not precede
// the record's start.
func (l *Ledger) Close(ctx context.Context, ref RecordRef, end *time.Time) (*Assignment, error) {
	at := time.Now().UTC()
	if end != nil {
		at = end.UTC()
	}
	var out *Assignment
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lt := l.WithTx(tx)
		rec, err := lt.get(ctx, tx, ref, true)
		if err != nil {
			return err
		}
		if !rec.Active {
			return sentinel.Conflictf("assignment %s is already closed", ref.ID)
		}
		if err := lt.close(ctx, rec, at); err != nil {
			return err
		}
		out, err = lt.Get(ctx, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CloseAll closes every active record the person holds at `at` and returns
// the closed records.
func (l *Ledger) CloseAll(ctx context.Context, personID string, at time.Time) ([]Assignment, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var closed []Assignment
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lt := l.WithTx(tx)
		active, err := lt.Active(ctx, personID)
		if err != nil {
			return err
		}
		for i := range active {
			a := &active[i]
			end := at.UTC()
			if end.Before(a.Start) {
				end = a.Start
			}
			if err := lt.close(ctx, a, end); err != nil {
				return err
			}
			a.Active = false
			a.End = &end
			closed = append(closed, *a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// Reopen reactivates a closed record. The post, its process and the process
// window must still be valid and no conflicting record may be active.
func (l *Ledger) Reopen(ctx context.Context, ref RecordRef) (*Assignment, error) {
	var out *Assignment
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lt := l.WithTx(tx)
		rec, err := lt.get(ctx, tx, ref, true)
		if err != nil {
			return err
		}
		if rec.Active {
			return sentinel.Conflictf("assignment %s is already active", ref.ID)
		}
		now := time.Now().UTC()

		var key *string
		var model any
		switch ref.Track {
		case TrackPermanent:
			p, err := lt.catalog.GetPost(ctx, rec.Post.ID)
			if err != nil {
				return err
			}
			if !p.Active {
				return sentinel.Validationf("post %s is inactive", p.Code)
			}
			key, model = postKey(rec.PersonID, p.ID), &Record{}
		case TrackProcess:
			pp, proc, err := lt.processPost(ctx, rec.Post.ID)
			if err != nil {
				return err
			}
			if !pp.Active || !proc.Active {
				return sentinel.Validationf("process post %s is no longer valid", pp.Code)
			}
			if now.After(proc.EndsAt) {
				return sentinel.Validationf("process %s ended at %s", proc.Code, proc.EndsAt.Format(time.RFC3339))
			}
			key, model = processKey(rec.PersonID, proc.ID), &ProcessRecord{}
		}

		var n int64
		if err := tx.Model(model).Where("active_key = ?", *key).Count(&n).Error; err != nil {
			return fmt.Errorf("count conflicting assignments: %w", err)
		}
		if n > 0 {
			return sentinel.Conflictf("person %s already holds a conflicting active assignment", rec.PersonID)
		}
		result := tx.Model(model).
			Where("id = ? AND active = ?", ref.ID, false).
			Updates(map[string]any{"active": true, "active_key": *key, "end_at": nil})
		if result.Error != nil {
			if db.IsDuplicate(result.Error) {
				return sentinel.Conflictf("person %s already holds a conflicting active assignment", rec.PersonID)
			}
			return fmt.Errorf("reopen assignment: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return sentinel.Conflictf("assignment %s was reopened concurrently", ref.ID)
		}
		out, err = lt.Get(ctx, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the record named by ref or NotFound.
func (l *Ledger) Get(ctx context.Context, ref RecordRef) (*Assignment, error) {
	return l.get(ctx, l.db.WithContext(ctx), ref, false)
}

// Active returns the person's active records on both tracks, oldest first.
func (l *Ledger) Active(ctx context.Context, personID string) ([]Assignment, error) {
	out, err := l.list(ctx, personID, true)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out, nil
}

// History returns every record the person has held, newest first.
func (l *Ledger) History(ctx context.Context, personID string) ([]Assignment, error) {
	out, err := l.list(ctx, personID, false)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[j], out[i]) })
	return out, nil
}

// LatestClosed returns the person's most recently closed record, or nil.
func (l *Ledger) LatestClosed(ctx context.Context, personID string) (*Assignment, error) {
	history, err := l.History(ctx, personID)
	if err != nil {
		return nil, err
	}
	var latest *Assignment
	for i := range history {
		a := &history[i]
		if a.Active || a.End == nil {
			continue
		}
		if latest == nil || a.End.After(*latest.End) {
			latest = a
		}
	}
	return latest, nil
}

func (l *Ledger) list(ctx context.Context, personID string, activeOnly bool) ([]Assignment, error) {
	query := func() *gorm.DB {
		q := l.db.WithContext(ctx).Where("person_id = ?", personID)
		if activeOnly {
			q = q.Where("active = ?", true)
		}
		return q
	}
	var recs []Record
	if err := query().Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	var precs []ProcessRecord
	if err := query().Find(&precs).Error; err != nil {
		return nil, fmt.Errorf("list process assignments: %w", err)
	}
	out := make([]Assignment, 0, len(recs)+len(precs))
	for i := range recs {
		out = append(out, *fromRecord(&recs[i]))
	}
	for i := range precs {
		out = append(out, *fromProcessRecord(&precs[i]))
	}
	return out, nil
}

func (l *Ledger) get(ctx context.Context, tx *gorm.DB, ref RecordRef, lock bool) (*Assignment, error) {
	q := tx.WithContext(ctx)
	if lock {
		q = db.ForUpdate(q)
	}
	switch ref.Track {
	case TrackPermanent:
		var rec Record
		if err := q.Where("id = ?", ref.ID).First(&rec).Error; err != nil {
			return nil, notFound(err, "assignment", ref.ID)
		}
		return fromRecord(&rec), nil
	case TrackProcess:
		var rec ProcessRecord
		if err := q.Where("id = ?", ref.ID).First(&rec).Error; err != nil {
			return nil, notFound(err, "process assignment", ref.ID)
		}
		return fromProcessRecord(&rec), nil
	default:
		return nil, sentinel.Validationf("unknown assignment track %q", ref.Track)
	}
}

func (l *Ledger) close(ctx context.Context, a *Assignment, end time.Time) error {
	if end.Before(a.Start) {
		return sentinel.Validationf("end %s precedes start %s",
			end.Format(time.RFC3339), a.Start.Format(time.RFC3339))
	}
	var model any = &Record{}
	if a.Ref.Track == TrackProcess {
		model = &ProcessRecord{}
	}
	result := l.db.WithContext(ctx).Model(model).
		Where("id = ? AND active = ?", a.Ref.ID, true).
		Updates(map[string]any{"active": false, "active_key": nil, "end_at": end})
	if result.Error != nil {
		return fmt.Errorf("close assignment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return sentinel.Conflictf("assignment %s was closed concurrently", a.Ref.ID)
	}
	return nil
}

func (l *Ledger) processPost(ctx context.Context, id string) (*ProcessPost, *Process, error) {
	pp, err := l.catalog.GetProcessPost(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	proc, err := l.catalog.GetProcess(ctx, pp.ProcessID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, sentinel.NotFoundf("process %s of process post %s", pp.ProcessID, pp.Code)
		}
		return nil, nil, err
	}
	return pp, proc, nil
}

func before(a, b Assignment) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
