package orchestrator

import (
	"strings"
	"time"

	"github.com/solaius/credential-registry/pkg/assignment"
	"github.com/solaius/credential-registry/pkg/person"
	"github.com/solaius/credential-registry/pkg/sentinel"
	"github.com/solaius/credential-registry/pkg/status"
	"github.com/solaius/credential-registry/pkg/token"
)

// Identity is the authenticated caller of a use case. Authorization happens
// upstream; the orchestrator records the actor on every status change and
// audit event.
type Identity struct {
	Actor  string   `json:"actor"`
	Groups []string `json:"groups,omitempty"`
}

// Validate requires a non-empty actor.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.Actor) == "" {
		return sentinel.Validationf("caller identity is required")
	}
	return nil
}

// RegisterInput is the data needed to register a person.
type RegisterInput struct {
	NationalID string             `json:"nationalId"`
	Profile    person.Profile     `json:"profile"`
	Post       assignment.PostRef `json:"post"`
	// Start defaults to now.
	Start time.Time `json:"start,omitempty"`
}

// Validate checks the input shape. Email uniqueness is checked against the
// store.
func (in *RegisterInput) Validate() error {
	in.NationalID = strings.TrimSpace(in.NationalID)
	if in.NationalID == "" {
		return sentinel.Validationf("national id is required")
	}
	in.Profile = in.Profile.Normalize()
	if err := in.Profile.Validate(); err != nil {
		return err
	}
	return validatePost(in.Post)
}

// ReRegisterInput resets a person to REGISTERED. With Post unset the most
// recent closed assignment is reopened.
type ReRegisterInput struct {
	PersonID string              `json:"personId"`
	Post     *assignment.PostRef `json:"post,omitempty"`
	Start    time.Time           `json:"start,omitempty"`
	Reason   string              `json:"reason,omitempty"`
}

// Validate checks the input shape.
func (in *ReRegisterInput) Validate() error {
	if in.PersonID == "" {
		return sentinel.Validationf("person id is required")
	}
	if in.Post != nil {
		return validatePost(*in.Post)
	}
	return nil
}

func validatePost(ref assignment.PostRef) error {
	if !ref.Track.Valid() {
		return sentinel.Validationf("unknown post track %q", ref.Track)
	}
	if ref.ID == "" {
		return sentinel.Validationf("post id is required")
	}
	return nil
}

// Snapshot is the uniform result of a use case: the person, the current
// status, the active assignments and the current token.
type Snapshot struct {
	Person      person.Person           `json:"person"`
	Status      status.Status           `json:"status"`
	Assignments []assignment.Assignment `json:"assignments"`
	Token       *token.Token            `json:"token,omitempty"`
}

// History is a person's status and assignment history, newest first.
type History struct {
	PersonID    string                  `json:"personId"`
	Statuses    []StatusEntry           `json:"statuses"`
	Assignments []assignment.Assignment `json:"assignments"`
}

// StatusEntry is one status record as shown to callers.
type StatusEntry struct {
	Status    status.Status `json:"status"`
	Sequence  int           `json:"sequence"`
	Active    bool          `json:"active"`
	ChangedBy string        `json:"changedBy"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	ClosedAt  *time.Time    `json:"closedAt,omitempty"`
}

func statusEntries(records []status.Record) []StatusEntry {
	out := make([]StatusEntry, 0, len(records))
	for _, r := range records {
		out = append(out, StatusEntry{
			Status:    r.Status(),
			Sequence:  r.Sequence,
			Active:    r.Active,
			ChangedBy: r.ChangedBy,
			Reason:    r.Reason,
			CreatedAt: r.CreatedAt,
			ClosedAt:  r.ClosedAt,
		})
	}
	return out
}
