package orchestrator

import (
	"context"

	"github.com/solaius/credential-registry/pkg/person"
	"github.com/solaius/credential-registry/pkg/sentinel"
)

// UpdateProfile edits the person's contact data and compute access
// eligibility. Status is unchanged.
func (o *Orchestrator) UpdateProfile(ctx context.Context, id Identity, personID string, profile person.Profile) (*Snapshot, error) {
	return o.step(ctx, id, UseCaseUpdateProfile, personID, func(u *unit, p *person.Person) error {
		updated, err := u.persons.UpdateProfile(ctx, p.ID, profile)
		if err != nil {
			return err
		}
		if updated.ComputeAccessEligible != p.ComputeAccessEligible {
			u.annotate("computeAccessEligible", updated.ComputeAccessEligible)
		}
		return nil
	})
}

// RemovePerson deletes a person registered by mistake. Only a person whose
// single status record is REGISTERED qualifies; their assignments are closed,
// the token retired and the status record closed before the row goes.
func (o *Orchestrator) RemovePerson(ctx context.Context, id Identity, personID string) error {
	return o.run(ctx, id, UseCaseRemovePerson, personID, func(u *unit) error {
		if personID == "" {
			return sentinel.Validationf("person id is required")
		}
		p, err := u.persons.GetForUpdate(ctx, personID)
		if err != nil {
			return err
		}
		cur, err := u.statuses.CurrentStatus(ctx, p.ID)
		if err != nil {
			return err
		}
		history, err := u.statuses.History(ctx, p.ID)
		if err != nil {
			return err
		}
		if err := o.engine.Machine().ValidateRemoval(cur, len(history)); err != nil {
			return err
		}
		u.event.FromStatus = cur.String()

		if err := o.closeAssignments(ctx, u, p.ID); err != nil {
			return err
		}
		if err := u.retireToken(ctx, p.ID); err != nil {
			return err
		}
		if err := u.statuses.CloseCurrent(ctx, p.ID); err != nil {
			return err
		}
		u.annotate("nationalId", p.NationalID)
		return u.persons.Delete(ctx, p.ID)
	})
}

// Snapshot returns the person's current state.
func (o *Orchestrator) Snapshot(ctx context.Context, id Identity, personID string) (*Snapshot, error) {
	var snap *Snapshot
	err := o.query(ctx, id, UseCaseSnapshot, func(u *unit) error {
		var err error
		snap, err = u.snapshot(ctx, personID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// FindByNationalID returns the snapshot of the person with nationalID.
func (o *Orchestrator) FindByNationalID(ctx context.Context, id Identity, nationalID string) (*Snapshot, error) {
	var snap *Snapshot
	err := o.query(ctx, id, UseCaseFindByNationalID, func(u *unit) error {
		p, err := u.persons.FindByNationalID(ctx, nationalID)
		if err != nil {
			return err
		}
		if p == nil {
			return sentinel.NotFoundf("person with national id %s", nationalID)
		}
		snap, err = u.snapshot(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// History returns the person's status and assignment history.
func (o *Orchestrator) History(ctx context.Context, id Identity, personID string) (*History, error) {
	var h *History
	err := o.query(ctx, id, UseCaseHistory, func(u *unit) error {
		if _, err := u.persons.Get(ctx, personID); err != nil {
			return err
		}
		records, err := u.statuses.History(ctx, personID)
		if err != nil {
			return err
		}
		assignments, err := u.assignments.History(ctx, personID)
		if err != nil {
			return err
		}
		h = &History{PersonID: personID, Statuses: statusEntries(records), Assignments: assignments}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}
