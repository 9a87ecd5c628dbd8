package lifecycle

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/solaius/credential-registry/pkg/sentinel"
	"github.com/solaius/credential-registry/pkg/status"
)

// Rejection codes carried by TransitionError.
const (
	CodeUndefined         = "TRANSITION_UNDEFINED"
	CodeForcedOnly        = "TRANSITION_FORCED_ONLY"
	CodeTerminal          = "TRANSITION_TERMINAL"
	CodeComputeEligible   = "GUARD_COMPUTE_ELIGIBILITY"
	CodeResignationSource = "GUARD_RESIGNATION_SOURCE"
	CodeAlreadyRegistered = "GUARD_ALREADY_REGISTERED"
	CodeReRegisterSource  = "GUARD_REREGISTER_SOURCE"
	CodeRemoval           = "GUARD_REMOVAL"
)

// TransitionRule defines an allowed status transition. Forced rules are
// applied by the engine as the continuation of another transition and can
// never be requested directly.
type TransitionRule struct {
	From   status.Status
	To     status.Status
	Forced bool
}

// DefaultTransitions is the credential lifecycle graph.
var DefaultTransitions = []TransitionRule{
	{From: status.None, To: status.Registered},
	{From: status.Registered, To: status.CredentialPrinted},
	{From: status.Registered, To: status.InactiveResigned},
	{From: status.CredentialPrinted, To: status.CredentialDelivered},
	{From: status.CredentialPrinted, To: status.InactiveResigned},
	{From: status.CredentialDelivered, To: status.Active, Forced: true},
	{From: status.CredentialDelivered, To: status.InactiveResigned},
	{From: status.Active, To: status.ActiveWithComputeAccess},
	{From: status.Active, To: status.CredentialReturned},
	{From: status.Active, To: status.InactiveResigned},
	{From: status.ActiveWithComputeAccess, To: status.CredentialReturned},
	{From: status.ActiveWithComputeAccess, To: status.InactiveResigned},
	{From: status.CredentialReturned, To: status.InactiveProcessEnded, Forced: true},
}

// ResignationSources are the statuses a person may resign from.
var ResignationSources = mapset.NewSet(
	status.Registered,
	status.CredentialPrinted,
	status.CredentialDelivered,
	status.Active,
	status.ActiveWithComputeAccess,
)

// ReRegisterSources are the statuses the re-register path resets from.
var ReRegisterSources = mapset.NewSet(
	status.InactiveProcessEnded,
	status.InactiveResigned,
	status.Registered,
	status.CredentialPrinted,
)

// Facts are the person attributes guards depend on.
type Facts struct {
	ComputeAccessEligible bool
}

// Machine validates status transitions.
type Machine struct {
	transitions []TransitionRule
}

// NewMachine creates a machine with the default rules.
func NewMachine() *Machine {
	return &Machine{transitions: DefaultTransitions}
}

// Validate checks whether a caller may request from->to.
// Returns nil if allowed, a *TransitionError otherwise.
func (m *Machine) Validate(from, to status.Status, facts Facts) error {
	rule, err := m.validate(from, to, facts)
	if err != nil {
		return err
	}
	if rule.Forced {
		return reject(CodeForcedOnly, from, to,
			"transition from %s to %s happens automatically and cannot be requested", from, to)
	}
	return nil
}

// ValidateReset checks whether the re-register path may start from.
func (m *Machine) ValidateReset(from status.Status) error {
	if ReRegisterSources.Contains(from) {
		return nil
	}
	switch from {
	case status.CredentialDelivered, status.Active, status.ActiveWithComputeAccess:
		return reject(CodeReRegisterSource, from, status.Registered,
			"cannot re-register while the credential is delivered and not returned (current %s)", from)
	case status.None:
		return reject(CodeReRegisterSource, from, status.Registered,
			"cannot re-register a person that was never registered")
	default:
		return reject(CodeReRegisterSource, from, status.Registered,
			"cannot re-register from %s", from)
	}
}

// ValidateReadmission checks whether a returning person may be registered
// again from from. Unlike the re-register path, only a terminal status
// qualifies: a person still in the lifecycle is already registered.
func (m *Machine) ValidateReadmission(from status.Status) error {
	if from.IsTerminal() {
		return nil
	}
	if from == status.None {
		return reject(CodeAlreadyRegistered, from, status.Registered,
			"readmission requires a previous registration")
	}
	return reject(CodeAlreadyRegistered, from, status.Registered,
		"person already holds active status %s", from)
}

// ValidateRemoval checks whether a person with the given current status and
// history length may be deleted. Only a person who was registered and never
// moved on qualifies.
func (m *Machine) ValidateRemoval(current status.Status, records int) error {
	if current != status.Registered {
		return reject(CodeRemoval, current, status.None,
			"only a REGISTERED person can be removed (current %s)", current)
	}
	if records != 1 {
		return reject(CodeRemoval, current, status.None,
			"person has %d status records; only a fresh registration can be removed", records)
	}
	return nil
}

// Forced returns the forced continuation of from, if any.
func (m *Machine) Forced(from status.Status) (status.Status, bool) {
	for _, t := range m.transitions {
		if t.From == from && t.Forced {
			return t.To, true
		}
	}
	return status.None, false
}

// Allowed returns the statuses a caller may request from the given status.
func (m *Machine) Allowed(from status.Status) []status.Status {
	var allowed []status.Status
	for _, t := range m.transitions {
		if t.From == from && !t.Forced {
			allowed = append(allowed, t.To)
		}
	}
	return allowed
}

func (m *Machine) validate(from, to status.Status, facts Facts) (TransitionRule, error) {
	if from.IsTerminal() {
		return TransitionRule{}, reject(CodeTerminal, from, to,
			"%s is terminal; only re-registration leaves it", from)
	}
	if to == status.Registered && from != status.None {
		return TransitionRule{}, reject(CodeAlreadyRegistered, from, to,
			"person already holds active status %s", from)
	}
	if to == status.InactiveResigned && !ResignationSources.Contains(from) {
		return TransitionRule{}, reject(CodeResignationSource, from, to,
			"resignation is not permitted from %s", from)
	}

	var rule *TransitionRule
	for i := range m.transitions {
		if m.transitions[i].From == from && m.transitions[i].To == to {
			rule = &m.transitions[i]
			break
		}
	}
	if rule == nil {
		return TransitionRule{}, reject(CodeUndefined, from, to,
			"no transition defined from %s to %s", from, to)
	}

	if to == status.ActiveWithComputeAccess && !facts.ComputeAccessEligible {
		return TransitionRule{}, reject(CodeComputeEligible, from, to,
			"person is not eligible for compute access")
	}
	return *rule, nil
}

// TransitionError is a structured error for rejected transitions.
type TransitionError struct {
	Code    string        `json:"code"`
	From    status.Status `json:"from"`
	To      status.Status `json:"to"`
	Message string        `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}

// Unwrap lets errors.Is match sentinel.ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return sentinel.ErrInvalidTransition
}

func reject(code string, from, to status.Status, format string, args ...any) *TransitionError {
	return &TransitionError{
		Code:    code,
		From:    from,
		To:      to,
		Message: fmt.Sprintf(format, args...),
	}
}
