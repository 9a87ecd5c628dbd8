package lifecycle

import (
	"context"
	"fmt"

	"github.com/solaius/credential-registry/pkg/status"
)

// Request describes one requested status change for a person.
type Request struct {
	PersonID string
	To       status.Status
	Facts    Facts
	Actor    string
	Reason   string
}

// Engine applies validated transitions to a status ledger and follows forced
// continuations within the same transaction.
type Engine struct {
	machine *Machine
}

// NewEngine creates an engine over m. A nil machine uses the default rules.
func NewEngine(m *Machine) *Engine {
	if m == nil {
		m = NewMachine()
	}
	return &Engine{machine: m}
}

// Machine returns the rules the engine validates against.
func (e *Engine) Machine() *Machine {
	return e.machine
}

// Apply validates req against the person's current status, opens the
// requested record and then every forced follow-on. It returns the records
// written, oldest first. On rejection nothing is written.
func (e *Engine) Apply(ctx context.Context, ledger *status.Ledger, req Request) ([]status.Record, error) {
	var written []status.Record
	err := ledger.Transaction(ctx, func(l *status.Ledger) error {
		from, err := l.CurrentStatus(ctx, req.PersonID)
		if err != nil {
			return err
		}
		if err := e.machine.Validate(from, req.To, req.Facts); err != nil {
			return err
		}
		written, err = e.openChain(ctx, l, req, req.To)
		return err
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// Reset is the re-register path: it opens REGISTERED from any status the
// re-register guard accepts.
func (e *Engine) Reset(ctx context.Context, ledger *status.Ledger, req Request) ([]status.Record, error) {
	return e.reopen(ctx, ledger, req, e.machine.ValidateReset)
}

// Readmit opens REGISTERED for a returning person whose current status is
// terminal. The status is read inside the ledger transaction, so a
// registration that committed in between is rejected here.
func (e *Engine) Readmit(ctx context.Context, ledger *status.Ledger, req Request) ([]status.Record, error) {
	return e.reopen(ctx, ledger, req, e.machine.ValidateReadmission)
}

func (e *Engine) reopen(ctx context.Context, ledger *status.Ledger, req Request, guard func(status.Status) error) ([]status.Record, error) {
	var written []status.Record
	err := ledger.Transaction(ctx, func(l *status.Ledger) error {
		from, err := l.CurrentStatus(ctx, req.PersonID)
		if err != nil {
			return err
		}
		if err := guard(from); err != nil {
			return err
		}
		written, err = e.openChain(ctx, l, req, status.Registered)
		return err
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

func (e *Engine) openChain(ctx context.Context, l *status.Ledger, req Request, to status.Status) ([]status.Record, error) {
	var written []status.Record
	reason := req.Reason
	for {
		rec, err := l.OpenNew(ctx, req.PersonID, to, req.Actor, reason)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", to, err)
		}
		written = append(written, *rec)

		next, ok := e.machine.Forced(to)
		if !ok {
			return written, nil
		}
		to = next
		reason = "automatic continuation"
	}
}
