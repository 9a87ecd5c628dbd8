package orchestrator

import (
	"context"

	"github.com/solaius/credential-registry/pkg/person"
	"github.com/solaius/credential-registry/pkg/sentinel"
	"github.com/solaius/credential-registry/pkg/status"
)

// PrintCredential moves a REGISTERED person to CREDENTIAL_PRINTED. The person
// must hold an ASSIGNED token to print.
func (o *Orchestrator) PrintCredential(ctx context.Context, id Identity, personID string) (*Snapshot, error) {
	return o.step(ctx, id, UseCasePrintCredential, personID, func(u *unit, p *person.Person) error {
		if _, err := o.transition(ctx, u, p, status.CredentialPrinted, id.Actor, ""); err != nil {
			return err
		}
		tok, err := u.tokens.ForOwner(ctx, p.ID)
		if err != nil {
			return err
		}
		if tok == nil {
			return sentinel.Conflictf("person %s holds no assigned token to print", p.ID)
		}
		u.annotate("token", tok.Code)
		return nil
	})
}

// DeliverCredential hands the printed credential over. The engine forwards
// CREDENTIAL_DELIVERED to ACTIVE in the same call.
func (o *Orchestrator) DeliverCredential(ctx context.Context, id Identity, personID string) (*Snapshot, error) {
	return o.step(ctx, id, UseCaseDeliverCredential, personID, func(u *unit, p *person.Person) error {
		_, err := o.transition(ctx, u, p, status.CredentialDelivered, id.Actor, "")
		return err
	})
}

// EnableComputeAccess grants elevated compute access to an eligible ACTIVE
// person.
func (o *Orchestrator) EnableComputeAccess(ctx context.Context, id Identity, personID string) (*Snapshot, error) {
	return o.step(ctx, id, UseCaseEnableComputeAccess, personID, func(u *unit, p *person.Person) error {
		_, err := o.transition(ctx, u, p, status.ActiveWithComputeAccess, id.Actor, "")
		return err
	})
}

// ReturnCredential takes the credential back and ends the person's process:
// CREDENTIAL_RETURNED is forwarded to INACTIVE_PROCESS_ENDED, the token is
// retired and every active assignment is closed.
func (o *Orchestrator) ReturnCredential(ctx context.Context, id Identity, personID string) (*Snapshot, error) {
	return o.step(ctx, id, UseCaseReturnCredential, personID, func(u *unit, p *person.Person) error {
		if _, err := o.transition(ctx, u, p, status.CredentialReturned, id.Actor, ""); err != nil {
			return err
		}
		if err := u.retireToken(ctx, p.ID); err != nil {
			return err
		}
		return o.closeAssignments(ctx, u, p.ID)
	})
}

// Resign moves the person to INACTIVE_RESIGNED and closes their assignments.
// The token is retired only when the credential had been delivered; an
// undelivered token stays ASSIGNED so a later re-registration keeps it.
func (o *Orchestrator) Resign(ctx context.Context, id Identity, personID, reason string) (*Snapshot, error) {
	return o.step(ctx, id, UseCaseResign, personID, func(u *unit, p *person.Person) error {
		u.event.Reason = reason
		from, err := o.transition(ctx, u, p, status.InactiveResigned, id.Actor, reason)
		if err != nil {
			return err
		}
		if credentialDelivered(from) {
			if err := u.retireToken(ctx, p.ID); err != nil {
				return err
			}
		}
		return o.closeAssignments(ctx, u, p.ID)
	})
}

// step runs a status-changing use case against an existing person and
// returns the resulting snapshot.
func (o *Orchestrator) step(ctx context.Context, id Identity, useCase, personID string, fn func(*unit, *person.Person) error) (*Snapshot, error) {
	var snap *Snapshot
	err := o.run(ctx, id, useCase, personID, func(u *unit) error {
		if personID == "" {
			return sentinel.Validationf("person id is required")
		}
		p, err := u.persons.GetForUpdate(ctx, personID)
		if err != nil {
			return err
		}
		if err := fn(u, p); err != nil {
			return err
		}
		snap, err = u.snapshot(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (o *Orchestrator) closeAssignments(ctx context.Context, u *unit, personID string) error {
	closed, err := u.assignments.CloseAll(ctx, personID, o.now())
	if err != nil {
		return err
	}
	if len(closed) > 0 {
		u.annotate("assignmentsClosed", len(closed))
	}
	return nil
}

func credentialDelivered(s status.Status) bool {
	switch s {
	case status.CredentialDelivered, status.Active, status.ActiveWithComputeAccess:
		return true
	}
	return false
}
