// Package orchestrator composes the status ledger, transition engine,
// assignment ledger and token allocator into atomic credential lifecycle use
// cases. Every mutating use case runs in one database transaction and leaves
// an audit event behind.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/solaius/credential-registry/pkg/assignment"
	"github.com/solaius/credential-registry/pkg/audit"
	"github.com/solaius/credential-registry/pkg/ha"
	"github.com/solaius/credential-registry/pkg/lifecycle"
	"github.com/solaius/credential-registry/pkg/metrics"
	"github.com/solaius/credential-registry/pkg/person"
	"github.com/solaius/credential-registry/pkg/sentinel"
	"github.com/solaius/credential-registry/pkg/status"
	"github.com/solaius/credential-registry/pkg/token"
)

// Use case names, as recorded in audit events and metrics.
const (
	UseCaseRegister            = "register"
	UseCasePrintCredential     = "printCredential"
	UseCaseDeliverCredential   = "deliverCredential"
	UseCaseEnableComputeAccess = "enableComputeAccess"
	UseCaseReturnCredential    = "returnCredential"
	UseCaseResign              = "resign"
	UseCaseReRegister          = "reRegister"
	UseCaseUpdateProfile       = "updateProfile"
	UseCaseRemovePerson        = "removePerson"
	UseCaseSnapshot            = "snapshot"
	UseCaseHistory             = "history"
	UseCaseFindByNationalID    = "findByNationalId"
)

// Options configures an Orchestrator. Zero values fall back to defaults.
type Options struct {
	Engine   *lifecycle.Engine
	Renderer token.Renderer
	Audit    *audit.Config
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Orchestrator runs the credential lifecycle use cases.
type Orchestrator struct {
	db          *gorm.DB
	engine      *lifecycle.Engine
	persons     *person.Store
	statuses    *status.Ledger
	assignments *assignment.Ledger
	tokens      *token.Allocator
	audit       *audit.Store
	auditCfg    *audit.Config
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an Orchestrator over gdb.
func New(gdb *gorm.DB, opts Options) *Orchestrator {
	if opts.Engine == nil {
		opts.Engine = lifecycle.NewEngine(nil)
	}
	if opts.Audit == nil {
		opts.Audit = audit.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		db:          gdb,
		engine:      opts.Engine,
		persons:     person.NewStore(gdb),
		statuses:    status.NewLedger(gdb),
		assignments: assignment.NewLedger(gdb),
		tokens:      token.NewAllocator(gdb, opts.Renderer),
		audit:       audit.NewStore(gdb),
		auditCfg:    opts.Audit,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// Migrators returns every component that owns tables, in dependency order.
func (o *Orchestrator) Migrators() []ha.Migrator {
	return []ha.Migrator{
		o.persons, o.statuses, o.assignments, o.tokens, o.audit,
	}
}

// Bootstrap seeds the status catalog.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	return o.statuses.SeedCatalog(ctx)
}

// Catalog exposes the post and process catalog.
func (o *Orchestrator) Catalog() *assignment.Catalog {
	return o.assignments.Catalog()
}

// Tokens exposes the allocator for the expiry sweep.
func (o *Orchestrator) Tokens() *token.Allocator {
	return o.tokens
}

// AuditStore exposes the audit trail for queries and retention.
func (o *Orchestrator) AuditStore() *audit.Store {
	return o.audit
}

// unit is the set of components bound to one transaction.
type unit struct {
	persons     *person.Store
	statuses    *status.Ledger
	assignments *assignment.Ledger
	tokens      *token.Allocator
	audit       *audit.Store

	event   *audit.Event
	written []status.Record
	// artifacts rendered by this unit; removed if it rolls back
	artifacts []string
}

func (o *Orchestrator) bind(tx *gorm.DB, event *audit.Event) *unit {
	return &unit{
		persons:     o.persons.WithTx(tx),
		statuses:    o.statuses.WithTx(tx),
		assignments: o.assignments.WithTx(tx),
		tokens:      o.tokens.WithTx(tx),
		audit:       o.audit.WithTx(tx),
		event:       event,
	}
}

// run executes fn as one use case: validate the caller, run fn in a
// transaction, append the success event inside it, and record the outcome.
// Rejections get a best-effort audit event after the rollback.
func (o *Orchestrator) run(ctx context.Context, id Identity, useCase, personID string, fn func(u *unit) error) error {
	start := time.Now()
	if err := id.Validate(); err != nil {
		o.metrics.ObserveUseCase(useCase, metrics.OutcomeDenied, time.Since(start))
		return fmt.Errorf("%s: %w", useCase, err)
	}

	event := &audit.Event{UseCase: useCase, Actor: id.Actor, PersonID: personID}
	var (
		written []status.Record
		u       *unit
	)
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u = o.bind(tx, event)
		if err := fn(u); err != nil {
			return err
		}
		written = u.written
		if !o.auditCfg.Enabled {
			return nil
		}
		event.Outcome = audit.OutcomeSuccess
		return u.audit.Append(ctx, event)
	})
	elapsed := time.Since(start)

	if err != nil {
		if u != nil {
			for _, ref := range u.artifacts {
				o.tokens.Discard(ctx, ref)
			}
		}
		outcome := outcomeOf(err)
		o.metrics.ObserveUseCase(useCase, outcome, elapsed)
		o.recordRejection(ctx, event, outcome, err)
		if outcome == metrics.OutcomeFailure {
			o.logger.Error("use case failed", "useCase", useCase, "actor", id.Actor, "personId", event.PersonID, "error", err)
		} else {
			o.logger.Warn("use case rejected", "useCase", useCase, "actor", id.Actor, "personId", event.PersonID, "kind", sentinel.KindOf(err), "error", err)
		}
		return fmt.Errorf("%s: %w", useCase, err)
	}

	o.metrics.ObserveUseCase(useCase, metrics.OutcomeSuccess, elapsed)
	for _, rec := range written {
		if s, err := status.FromCatalogID(rec.StatusID); err == nil {
			o.metrics.IncrementTransition(s.String())
		}
	}
	o.logger.Info("use case completed",
		"useCase", useCase,
		"actor", id.Actor,
		"personId", event.PersonID,
		"from", event.FromStatus,
		"to", event.ToStatus,
		"duration", elapsed.String())
	return nil
}

// query runs fn in a read transaction without auditing.
func (o *Orchestrator) query(ctx context.Context, id Identity, useCase string, fn func(u *unit) error) error {
	start := time.Now()
	if err := id.Validate(); err != nil {
		o.metrics.ObserveUseCase(useCase, metrics.OutcomeDenied, time.Since(start))
		return fmt.Errorf("%s: %w", useCase, err)
	}
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(o.bind(tx, &audit.Event{}))
	})
	if err != nil {
		o.metrics.ObserveUseCase(useCase, outcomeOf(err), time.Since(start))
		return fmt.Errorf("%s: %w", useCase, err)
	}
	o.metrics.ObserveUseCase(useCase, metrics.OutcomeSuccess, time.Since(start))
	return nil
}

func (o *Orchestrator) recordRejection(ctx context.Context, event *audit.Event, outcome string, err error) {
	if !o.auditCfg.Enabled || !o.auditCfg.LogDenied {
		return
	}
	event.ID = ""
	event.Outcome = outcome
	event.ErrorKind = string(sentinel.KindOf(err))
	event.Reason = err.Error()
	var te *lifecycle.TransitionError
	if errors.As(err, &te) {
		event.FromStatus = te.From.String()
		event.ToStatus = te.To.String()
		if event.Metadata == nil {
			event.Metadata = audit.JSONAny{}
		}
		event.Metadata["code"] = te.Code
	}
	if appendErr := o.audit.Append(ctx, event); appendErr != nil {
		o.logger.Error("failed to record rejected use case", "useCase", event.UseCase, "error", appendErr)
	}
}

func outcomeOf(err error) string {
	if sentinel.KindOf(err) == sentinel.KindInternal {
		return metrics.OutcomeFailure
	}
	return metrics.OutcomeDenied
}

// transition applies one requested status change through the engine and
// records it on the unit's event.
func (o *Orchestrator) transition(ctx context.Context, u *unit, p *person.Person, to status.Status, actor, reason string) (status.Status, error) {
	from, err := u.statuses.CurrentStatus(ctx, p.ID)
	if err != nil {
		return status.None, err
	}
	written, err := o.engine.Apply(ctx, u.statuses, lifecycle.Request{
		PersonID: p.ID,
		To:       to,
		Facts:    lifecycle.Facts{ComputeAccessEligible: p.ComputeAccessEligible},
		Actor:    actor,
		Reason:   reason,
	})
	if err != nil {
		return from, err
	}
	u.record(from, written)
	return from, nil
}

// reset moves the person back to REGISTERED through the re-register guard.
func (o *Orchestrator) reset(ctx context.Context, u *unit, p *person.Person, actor, reason string) (status.Status, error) {
	return o.reopen(ctx, u, p, actor, reason, o.engine.Reset)
}

// readmit reopens REGISTERED for a returning person; only a terminal status
// qualifies.
func (o *Orchestrator) readmit(ctx context.Context, u *unit, p *person.Person, actor, reason string) (status.Status, error) {
	return o.reopen(ctx, u, p, actor, reason, o.engine.Readmit)
}

type reopenFunc func(context.Context, *status.Ledger, lifecycle.Request) ([]status.Record, error)

func (o *Orchestrator) reopen(ctx context.Context, u *unit, p *person.Person, actor, reason string, open reopenFunc) (status.Status, error) {
	from, err := u.statuses.CurrentStatus(ctx, p.ID)
	if err != nil {
		return status.None, err
	}
	written, err := open(ctx, u.statuses, lifecycle.Request{
		PersonID: p.ID,
		To:       status.Registered,
		Facts:    lifecycle.Facts{ComputeAccessEligible: p.ComputeAccessEligible},
		Actor:    actor,
		Reason:   reason,
	})
	if err != nil {
		return from, err
	}
	u.record(from, written)
	return from, nil
}

func (u *unit) record(from status.Status, written []status.Record) {
	u.written = append(u.written, written...)
	if u.event.FromStatus == "" {
		u.event.FromStatus = from.String()
	}
	if len(written) > 0 {
		if s, err := status.FromCatalogID(written[len(written)-1].StatusID); err == nil {
			u.event.ToStatus = s.String()
		}
	}
}

func (u *unit) annotate(key string, value any) {
	if u.event.Metadata == nil {
		u.event.Metadata = audit.JSONAny{}
	}
	u.event.Metadata[key] = value
}

// ensureToken leaves the person holding exactly one ASSIGNED token: a token
// already assigned to them is kept, a FREE one is reassigned, and a RETIRED
// or missing one is replaced by a newly generated token.
func (u *unit) ensureToken(ctx context.Context, personID string, expiresAt *time.Time) (*token.Token, error) {
	held, err := u.tokens.ForOwner(ctx, personID)
	if err != nil {
		return nil, err
	}
	if held != nil {
		u.annotate("token", "kept")
		// the expiry follows the current assignment's track
		return u.tokens.SetExpiry(ctx, held.ID, expiresAt)
	}

	latest, err := u.tokens.LatestForSubject(ctx, personID)
	if err != nil {
		return nil, err
	}
	switch {
	case latest != nil && latest.State == token.StateFree:
		u.annotate("token", "reassigned")
	case latest != nil && latest.State == token.StateAssigned:
		return nil, sentinel.Conflictf("token %s is assigned to another owner", latest.Code)
	default:
		latest, err = u.tokens.Generate(ctx, personID)
		if err != nil {
			return nil, err
		}
		u.artifacts = append(u.artifacts, latest.ArtifactRef)
		u.annotate("token", "generated")
	}
	return u.tokens.Assign(ctx, latest.ID, personID, expiresAt)
}

// retireToken retires the person's live token, if any.
func (u *unit) retireToken(ctx context.Context, personID string) error {
	tok, err := u.tokens.ForOwner(ctx, personID)
	if err != nil {
		return err
	}
	if tok == nil {
		tok, err = u.tokens.LatestForSubject(ctx, personID)
		if err != nil {
			return err
		}
	}
	if tok == nil || tok.State == token.StateRetired {
		return nil
	}
	if _, err := u.tokens.Retire(ctx, tok.ID); err != nil {
		return err
	}
	u.annotate("tokenRetired", tok.Code)
	return nil
}

// tokenExpiry returns the process end for a process-track assignment.
func (u *unit) tokenExpiry(ctx context.Context, a *assignment.Assignment) (*time.Time, error) {
	if a == nil || a.Post.Track != assignment.TrackProcess {
		return nil, nil
	}
	proc, err := u.assignments.Catalog().GetProcess(ctx, a.ProcessID)
	if err != nil {
		return nil, err
	}
	end := proc.EndsAt
	return &end, nil
}

func (u *unit) snapshot(ctx context.Context, personID string) (*Snapshot, error) {
	p, err := u.persons.Get(ctx, personID)
	if err != nil {
		return nil, err
	}
	cur, err := u.statuses.CurrentStatus(ctx, personID)
	if err != nil {
		return nil, err
	}
	active, err := u.assignments.Active(ctx, personID)
	if err != nil {
		return nil, err
	}
	tok, err := u.tokens.ForOwner(ctx, personID)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		if tok, err = u.tokens.LatestForSubject(ctx, personID); err != nil {
			return nil, err
		}
	}
	if active == nil {
		active = []assignment.Assignment{}
	}
	return &Snapshot{Person: *p, Status: cur, Assignments: active, Token: tok}, nil
}
