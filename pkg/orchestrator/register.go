package orchestrator

import (
	"context"
	"time"

	"github.com/solaius/credential-registry/pkg/assignment"
	"github.com/solaius/credential-registry/pkg/person"
	"github.com/solaius/credential-registry/pkg/sentinel"
	"github.com/solaius/credential-registry/pkg/status"
)

// Register enrolls a person: it creates or updates the person, opens
// REGISTERED, assigns the declared post and leaves the person holding an
// ASSIGNED token. A returning person is readmitted only from a terminal
// status.
func (o *Orchestrator) Register(ctx context.Context, id Identity, in RegisterInput) (*Snapshot, error) {
	var snap *Snapshot
	err := o.run(ctx, id, UseCaseRegister, "", func(u *unit) error {
		if err := in.Validate(); err != nil {
			return err
		}

		p, err := u.persons.FindByNationalID(ctx, in.NationalID)
		if err != nil {
			return err
		}
		owner, err := u.persons.FindByEmail(ctx, in.Profile.Email)
		if err != nil {
			return err
		}
		if owner != nil && (p == nil || owner.ID != p.ID) {
			return sentinel.Conflictf("email %s belongs to another person", in.Profile.Email)
		}

		cur := status.None
		if p == nil {
			if p, err = u.persons.Create(ctx, in.NationalID, in.Profile); err != nil {
				return err
			}
		} else {
			// the lookup is unlocked; the status check must run under the
			// person lock so concurrent registrations serialize.
			if p, err = u.persons.GetForUpdate(ctx, p.ID); err != nil {
				return err
			}
			if cur, err = u.statuses.CurrentStatus(ctx, p.ID); err != nil {
				return err
			}
			if cur != status.None && !cur.IsTerminal() {
				return sentinel.Conflictf("national id %s already holds active status %s", in.NationalID, cur)
			}
			if p, err = u.persons.UpdateProfile(ctx, p.ID, in.Profile); err != nil {
				return err
			}
		}
		u.event.PersonID = p.ID

		if cur == status.None {
			_, err = o.transition(ctx, u, p, status.Registered, id.Actor, "registration")
		} else {
			_, err = o.readmit(ctx, u, p, id.Actor, "registration")
		}
		if err != nil {
			return err
		}

		a, err := u.assignments.Assign(ctx, p.ID, in.Post, o.startOr(in.Start))
		if err != nil {
			return err
		}
		u.annotate("post", a.Post)
		if err := o.issueToken(ctx, u, p.ID, a); err != nil {
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

// ReRegister resets a person to REGISTERED from an inactive or not yet
// delivered status. A given post replaces the active assignment; otherwise
// the most recent closed assignment is reopened. The token follows the
// ensure-token rule: kept when assigned, reassigned when FREE, replaced when
// RETIRED.
func (o *Orchestrator) ReRegister(ctx context.Context, id Identity, in ReRegisterInput) (*Snapshot, error) {
	var snap *Snapshot
	err := o.run(ctx, id, UseCaseReRegister, in.PersonID, func(u *unit) error {
		if err := in.Validate(); err != nil {
			return err
		}
		p, err := u.persons.GetForUpdate(ctx, in.PersonID)
		if err != nil {
			return err
		}
		reason := in.Reason
		if reason == "" {
			reason = "re-registration"
		}
		u.event.Reason = in.Reason
		if _, err := o.reset(ctx, u, p, id.Actor, reason); err != nil {
			return err
		}

		a, err := o.restorePost(ctx, u, p, in)
		if err != nil {
			return err
		}
		if err := o.issueToken(ctx, u, p.ID, a); err != nil {
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

func (o *Orchestrator) restorePost(ctx context.Context, u *unit, p *person.Person, in ReRegisterInput) (*assignment.Assignment, error) {
	active, err := u.assignments.Active(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	if in.Post != nil {
		at := o.startOr(in.Start)
		if len(active) > 0 {
			u.annotate("post", *in.Post)
			return u.assignments.Reassign(ctx, active[0].Ref, *in.Post, at)
		}
		u.annotate("post", *in.Post)
		return u.assignments.Assign(ctx, p.ID, *in.Post, at)
	}

	if len(active) > 0 {
		return &active[0], nil
	}
	latest, err := u.assignments.LatestClosed(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, sentinel.Validationf("person %s has no previous post; a post is required", p.ID)
	}
	u.annotate("reopened", latest.Post)
	return u.assignments.Reopen(ctx, latest.Ref)
}

// issueToken applies the ensure-token rule with the expiry implied by the
// assignment.
func (o *Orchestrator) issueToken(ctx context.Context, u *unit, personID string, a *assignment.Assignment) error {
	expiresAt, err := u.tokenExpiry(ctx, a)
	if err != nil {
		return err
	}
	_, err = u.ensureToken(ctx, personID, expiresAt)
	return err
}

func (o *Orchestrator) startOr(t time.Time) time.Time {
	if t.IsZero() {
		return o.now()
	}
	return t
}
