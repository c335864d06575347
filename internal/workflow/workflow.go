// Package workflow is the pure decision logic for snag lifecycle changes:
// which role may move a snag between which statuses, and which audit
// timestamps each move stamps. It performs no I/O; both the client (to gate
// actions before a request is issued) and the dev server (as the authority)
// run the same checks.
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"snagline/internal/domain"
)

// Action is a guarded operation on a snag.
type Action string

const (
	ActionCreate       Action = "create"
	ActionStartWork    Action = "start_work"
	ActionMarkComplete Action = "mark_complete"
	ActionResolve      Action = "resolve"
	ActionApprove      Action = "approve"
	ActionEdit         Action = "edit"
	ActionOverride     Action = "override"
	ActionDelete       Action = "delete"
)

var (
	ErrNotAllowed       = errors.New("action not allowed for role")
	ErrNotAssigned      = errors.New("snag not assigned to this user")
	ErrBadTransition    = errors.New("invalid status transition")
	ErrFeedbackRequired = errors.New("authority feedback required")
	ErrAlreadyApproved  = errors.New("snag already approved")
)

// Machine applies guarded actions. Now is injectable for tests.
type Machine struct {
	Now func() time.Time
}

func New() Machine {
	return Machine{Now: time.Now}
}

func (m Machine) now() string {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// RoleAllowed is the status-independent role gate: it reports whether role
// may ever perform action. Assignment checks come on top of this in Can.
func RoleAllowed(role domain.Role, action Action) bool {
	switch action {
	case ActionCreate:
		return role == domain.RoleManager || role == domain.RoleInspector
	case ActionStartWork:
		return role == domain.RoleManager || role == domain.RoleContractor
	case ActionMarkComplete:
		return role == domain.RoleContractor
	case ActionResolve:
		return role == domain.RoleManager
	case ActionApprove:
		return role == domain.RoleAuthority
	case ActionEdit:
		return role == domain.RoleManager || role == domain.RoleInspector
	case ActionOverride, ActionDelete:
		return role == domain.RoleManager
	}
	return false
}

// Approvable is the explicit re-approval gate: a snag can be approved while
// it is being worked or has been resolved, exactly once, and never after
// verification.
func Approvable(s domain.Snag) bool {
	if s.AuthorityApproved {
		return false
	}
	return s.Status == domain.StatusInProgress || s.Status == domain.StatusResolved
}

// Can checks action legality for an actor against a concrete snag,
// including assignment: contractors only act on snags assigned to them, and
// an assigned authority list restricts approval to its members (any
// authority may approve when the list is empty).
func (m Machine) Can(s domain.Snag, actor domain.User, action Action) error {
	if !RoleAllowed(actor.Role, action) {
		return fmt.Errorf("%w: %s cannot %s", ErrNotAllowed, actor.Role, action)
	}
	switch action {
	case ActionStartWork:
		if actor.Role == domain.RoleContractor && s.AssignedContractorID != actor.ID {
			return fmt.Errorf("%w: contractor %s", ErrNotAssigned, actor.ID)
		}
		if s.Status != domain.StatusOpen {
			return fmt.Errorf("%w: start work from %s", ErrBadTransition, s.Status)
		}
	case ActionMarkComplete:
		if s.AssignedContractorID != actor.ID {
			return fmt.Errorf("%w: contractor %s", ErrNotAssigned, actor.ID)
		}
		if s.Status != domain.StatusInProgress {
			return fmt.Errorf("%w: mark complete from %s", ErrBadTransition, s.Status)
		}
	case ActionResolve:
		if s.Status != domain.StatusInProgress && s.Status != domain.StatusResolved {
			return fmt.Errorf("%w: resolve from %s", ErrBadTransition, s.Status)
		}
	case ActionApprove:
		if assigned := s.AuthorityIDs(); len(assigned) > 0 && !s.HasAuthority(actor.ID) {
			return fmt.Errorf("%w: authority %s", ErrNotAssigned, actor.ID)
		}
		if s.AuthorityApproved {
			return ErrAlreadyApproved
		}
		if !Approvable(s) {
			return fmt.Errorf("%w: approve from %s", ErrBadTransition, s.Status)
		}
	}
	return nil
}

// StartWork moves an open snag to in_progress and stamps work_started_date
// if unset. Re-applying to an already started snag never moves the stamp.
func (m Machine) StartWork(s domain.Snag, actor domain.User) (domain.Snag, error) {
	if err := m.Can(s, actor, ActionStartWork); err != nil {
		return s, err
	}
	s.Status = domain.StatusInProgress
	m.stamp(&s.WorkStartedDate)
	s.UpdatedAt = m.now()
	return s, nil
}

// MarkComplete records contractor completion. Status stays in_progress
// unless the authority has already approved, in which case the two flags
// converge the snag to resolved.
func (m Machine) MarkComplete(s domain.Snag, actor domain.User) (domain.Snag, error) {
	if err := m.Can(s, actor, ActionMarkComplete); err != nil {
		return s, err
	}
	s.ContractorCompleted = true
	m.stamp(&s.WorkCompletedDate)
	m.stamp(&s.ContractorCompletionDate)
	if s.AuthorityApproved {
		s.Status = domain.StatusResolved
	}
	s.UpdatedAt = m.now()
	return s, nil
}

// Resolve moves a snag to resolved. Manager only; no timestamp beyond the
// status itself.
func (m Machine) Resolve(s domain.Snag, actor domain.User) (domain.Snag, error) {
	if err := m.Can(s, actor, ActionResolve); err != nil {
		return s, err
	}
	s.Status = domain.StatusResolved
	s.UpdatedAt = m.now()
	return s, nil
}

// ApproveOptions carries the authority's verdict text.
type ApproveOptions struct {
	Feedback string
	Comment  string
}

// Approve verifies a snag. Feedback text is mandatory; double approval is
// rejected via Approvable.
func (m Machine) Approve(s domain.Snag, actor domain.User, opts ApproveOptions) (domain.Snag, error) {
	if err := m.Can(s, actor, ActionApprove); err != nil {
		return s, err
	}
	if strings.TrimSpace(opts.Feedback) == "" {
		return s, ErrFeedbackRequired
	}
	s.AuthorityApproved = true
	s.AuthorityFeedback = opts.Feedback
	if opts.Comment != "" {
		s.AuthorityComment = opts.Comment
	}
	s.Status = domain.StatusVerified
	s.UpdatedAt = m.now()
	return s, nil
}

// Override is the manager escape hatch: a direct status set that bypasses
// the transition table and stamps nothing. It is deliberately a separate
// operation so the guarded actions above keep their invariants.
func (m Machine) Override(s domain.Snag, actor domain.User, target domain.Status) (domain.Snag, error) {
	if err := m.Can(s, actor, ActionOverride); err != nil {
		return s, err
	}
	if !target.Valid() {
		return s, fmt.Errorf("%w: unknown status %q", ErrBadTransition, target)
	}
	s.Status = target
	s.UpdatedAt = m.now()
	return s, nil
}

func (m Machine) stamp(ts **string) {
	if *ts != nil {
		return
	}
	v := m.now()
	*ts = &v
}

// UpdatableFields returns the snag fields a role may touch through a direct
// field edit (PUT). Managers and inspectors may edit everything, signalled
// by a nil slice.
func UpdatableFields(role domain.Role) []string {
	switch role {
	case domain.RoleContractor:
		return []string{
			"contractor_completed",
			"work_started_date",
			"work_completed_date",
			"contractor_completion_date",
		}
	case domain.RoleAuthority:
		return []string{
			"authority_approved",
			"authority_feedback",
			"authority_comment",
			"status",
		}
	}
	return nil
}

// FieldsAllowed reports whether every field in fields is editable by role.
func FieldsAllowed(role domain.Role, fields []string) bool {
	allowed := UpdatableFields(role)
	if allowed == nil {
		return true
	}
	for _, f := range fields {
		found := false
		for _, a := range allowed {
			if f == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
