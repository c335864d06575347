package workflow

import (
	"errors"
	"testing"
	"time"

	"snagline/internal/domain"
)

func testMachine() Machine {
	m := New()
	m.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return m
}

func baseSnag(status domain.Status) domain.Snag {
	return domain.Snag{
		ID:                   "S1",
		QueryNo:              1,
		ProjectName:          "Block A",
		Status:               status,
		Priority:             domain.PriorityMedium,
		AssignedContractorID: "contractor-1",
	}
}

func actor(role domain.Role, id string) domain.User {
	return domain.User{ID: id, Role: role, Name: string(role)}
}

func TestRoleAllowedMatrix(t *testing.T) {
	// Every (role, action) pair not granted by the permission table must be
	// rejected.
	allowed := map[Action][]domain.Role{
		ActionCreate:       {domain.RoleManager, domain.RoleInspector},
		ActionStartWork:    {domain.RoleManager, domain.RoleContractor},
		ActionMarkComplete: {domain.RoleContractor},
		ActionResolve:      {domain.RoleManager},
		ActionApprove:      {domain.RoleAuthority},
		ActionEdit:         {domain.RoleManager, domain.RoleInspector},
		ActionOverride:     {domain.RoleManager},
		ActionDelete:       {domain.RoleManager},
	}
	for action, roles := range allowed {
		for _, role := range domain.Roles() {
			want := false
			for _, r := range roles {
				if r == role {
					want = true
				}
			}
			if got := RoleAllowed(role, action); got != want {
				t.Errorf("RoleAllowed(%s, %s) = %v, want %v", role, action, got, want)
			}
		}
	}
}

func TestStartWorkStampsOnce(t *testing.T) {
	m := testMachine()
	s := baseSnag(domain.StatusOpen)
	contractor := actor(domain.RoleContractor, "contractor-1")

	s, err := m.StartWork(s, contractor)
	if err != nil {
		t.Fatalf("start work: %v", err)
	}
	if s.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", s.Status)
	}
	if s.WorkStartedDate == nil {
		t.Fatal("work_started_date not stamped")
	}
	first := *s.WorkStartedDate

	// Re-applying must not move the stamp, and is a transition error from
	// in_progress anyway.
	m.Now = func() time.Time { return time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC) }
	if _, err := m.StartWork(s, contractor); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("second start work: err = %v, want ErrBadTransition", err)
	}
	if *s.WorkStartedDate != first {
		t.Fatalf("work_started_date moved: %s -> %s", first, *s.WorkStartedDate)
	}
}

func TestStartWorkUnassignedContractor(t *testing.T) {
	m := testMachine()
	s := baseSnag(domain.StatusOpen)
	if _, err := m.StartWork(s, actor(domain.RoleContractor, "other")); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("err = %v, want ErrNotAssigned", err)
	}
	// Managers may start work without being assigned.
	if _, err := m.StartWork(s, actor(domain.RoleManager, "mgr")); err != nil {
		t.Fatalf("manager start work: %v", err)
	}
}

func TestMarkCompleteIdempotentStamps(t *testing.T) {
	m := testMachine()
	s := baseSnag(domain.StatusInProgress)
	contractor := actor(domain.RoleContractor, "contractor-1")

	s, err := m.MarkComplete(s, contractor)
	if err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	if !s.ContractorCompleted {
		t.Fatal("contractor_completed not set")
	}
	if s.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", s.Status)
	}
	completed := *s.WorkCompletedDate

	m.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	s2, err := m.MarkComplete(s, contractor)
	if err != nil {
		t.Fatalf("second mark complete: %v", err)
	}
	if *s2.WorkCompletedDate != completed || *s2.ContractorCompletionDate != *s.ContractorCompletionDate {
		t.Fatal("completion stamps moved on re-apply")
	}
}

func TestMarkCompleteConvergesWhenApproved(t *testing.T) {
	m := testMachine()
	s := baseSnag(domain.StatusInProgress)
	s.AuthorityApproved = true
	s, err := m.MarkComplete(s, actor(domain.RoleContractor, "contractor-1"))
	if err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	if s.Status != domain.StatusResolved {
		t.Fatalf("status = %s, want resolved", s.Status)
	}
}

func TestApprove(t *testing.T) {
	m := testMachine()
	auth := actor(domain.RoleAuthority, "auth-1")

	t.Run("requires feedback", func(t *testing.T) {
		s := baseSnag(domain.StatusResolved)
		if _, err := m.Approve(s, auth, ApproveOptions{Feedback: "  "}); !errors.Is(err, ErrFeedbackRequired) {
			t.Fatalf("err = %v, want ErrFeedbackRequired", err)
		}
	})

	t.Run("from resolved and in_progress", func(t *testing.T) {
		for _, status := range []domain.Status{domain.StatusInProgress, domain.StatusResolved} {
			s := baseSnag(status)
			s, err := m.Approve(s, auth, ApproveOptions{Feedback: "fixed properly"})
			if err != nil {
				t.Fatalf("approve from %s: %v", status, err)
			}
			if s.Status != domain.StatusVerified || !s.AuthorityApproved {
				t.Fatalf("approve from %s: status=%s approved=%v", status, s.Status, s.AuthorityApproved)
			}
			if s.AuthorityFeedback != "fixed properly" {
				t.Fatalf("feedback not persisted: %q", s.AuthorityFeedback)
			}
		}
	})

	t.Run("double approval rejected", func(t *testing.T) {
		s := baseSnag(domain.StatusResolved)
		s, err := m.Approve(s, auth, ApproveOptions{Feedback: "ok"})
		if err != nil {
			t.Fatalf("first approve: %v", err)
		}
		if _, err := m.Approve(s, auth, ApproveOptions{Feedback: "again"}); !errors.Is(err, ErrAlreadyApproved) {
			t.Fatalf("second approve: err = %v, want ErrAlreadyApproved", err)
		}
	})

	t.Run("assigned list restricts approvers", func(t *testing.T) {
		s := baseSnag(domain.StatusResolved)
		s.AssignedAuthorityIDs = []string{"auth-2"}
		if _, err := m.Approve(s, auth, ApproveOptions{Feedback: "ok"}); !errors.Is(err, ErrNotAssigned) {
			t.Fatalf("err = %v, want ErrNotAssigned", err)
		}
		if _, err := m.Approve(s, actor(domain.RoleAuthority, "auth-2"), ApproveOptions{Feedback: "ok"}); err != nil {
			t.Fatalf("assigned authority approve: %v", err)
		}
	})

	t.Run("legacy single-authority field counts", func(t *testing.T) {
		s := baseSnag(domain.StatusResolved)
		s.AssignedAuthorityID = "auth-1"
		if _, err := m.Approve(s, auth, ApproveOptions{Feedback: "ok"}); err != nil {
			t.Fatalf("legacy assigned authority approve: %v", err)
		}
	})

	t.Run("contractor cannot approve", func(t *testing.T) {
		s := baseSnag(domain.StatusResolved)
		if _, err := m.Approve(s, actor(domain.RoleContractor, "contractor-1"), ApproveOptions{Feedback: "ok"}); !errors.Is(err, ErrNotAllowed) {
			t.Fatalf("err = %v, want ErrNotAllowed", err)
		}
	})
}

func TestApprovable(t *testing.T) {
	cases := []struct {
		status   domain.Status
		approved bool
		want     bool
	}{
		{domain.StatusOpen, false, false},
		{domain.StatusInProgress, false, true},
		{domain.StatusResolved, false, true},
		{domain.StatusVerified, false, false},
		{domain.StatusInProgress, true, false},
		{domain.StatusResolved, true, false},
	}
	for _, c := range cases {
		s := baseSnag(c.status)
		s.AuthorityApproved = c.approved
		if got := Approvable(s); got != c.want {
			t.Errorf("Approvable(status=%s approved=%v) = %v, want %v", c.status, c.approved, got, c.want)
		}
	}
}

func TestOverride(t *testing.T) {
	m := testMachine()
	s := baseSnag(domain.StatusVerified)
	s, err := m.Override(s, actor(domain.RoleManager, "mgr"), domain.StatusOpen)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if s.Status != domain.StatusOpen {
		t.Fatalf("status = %s, want open", s.Status)
	}
	if _, err := m.Override(s, actor(domain.RoleInspector, "insp"), domain.StatusOpen); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("inspector override: err = %v, want ErrNotAllowed", err)
	}
	if _, err := m.Override(s, actor(domain.RoleManager, "mgr"), domain.Status("bogus")); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("bogus status: err = %v, want ErrBadTransition", err)
	}
}

func TestFieldsAllowed(t *testing.T) {
	if !FieldsAllowed(domain.RoleManager, []string{"description", "status", "photos"}) {
		t.Fatal("manager should edit everything")
	}
	if !FieldsAllowed(domain.RoleContractor, []string{"contractor_completed", "work_completed_date"}) {
		t.Fatal("contractor completion fields should be editable")
	}
	if FieldsAllowed(domain.RoleContractor, []string{"description"}) {
		t.Fatal("contractor must not edit description")
	}
	if FieldsAllowed(domain.RoleAuthority, []string{"photos"}) {
		t.Fatal("authority must not edit photos")
	}
}
