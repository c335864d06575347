package devserver

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"snagline/internal/api"
	"snagline/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrBadLogin     = errors.New("invalid email or password")
	ErrEmailTaken   = errors.New("email already registered")
	ErrInvalidInput = errors.New("invalid input")
)

type credential struct {
	userID   string
	password string
}

// Store is the in-memory backing state. Query numbers are allocated under
// the lock so they stay strictly increasing per building even under
// concurrent creates.
type Store struct {
	mu            sync.Mutex
	users         map[string]domain.User
	creds         map[string]credential
	snags         []domain.Snag
	notifications map[string][]domain.Notification
	nextQueryNo   map[string]int
	Now           func() time.Time
}

func NewStore() *Store {
	return &Store{
		users:         make(map[string]domain.User),
		creds:         make(map[string]credential),
		notifications: make(map[string][]domain.Notification),
		nextQueryNo:   make(map[string]int),
		Now:           time.Now,
	}
}

func (s *Store) now() string {
	return s.Now().UTC().Format(time.RFC3339)
}

// Seed installs one demo user per role, all with the given password.
func (s *Store) Seed(password string) {
	for _, role := range domain.Roles() {
		name := strings.ToUpper(string(role[0])) + string(role[1:])
		s.AddUser(domain.User{
			Email: string(role) + "@site.test",
			Name:  "Demo " + name,
			Role:  role,
		}, password)
	}
}

// AddUser registers a user and returns it with its generated id.
func (s *Store) AddUser(u domain.User, password string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[u.Email]; ok {
		return domain.User{}, ErrEmailTaken
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.users[u.ID] = u
	s.creds[u.Email] = credential{userID: u.ID, password: password}
	return u, nil
}

// Authenticate checks credentials and returns the matching user.
func (s *Store) Authenticate(email, password string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[email]
	if !ok || cred.password != password {
		return domain.User{}, ErrBadLogin
	}
	return s.users[cred.userID], nil
}

func (s *Store) UserByID(id string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return u, nil
}

// UsersByRole lists users with the given role, sorted by name.
func (s *Store) UsersByRole(role domain.Role) []domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.User
	for _, u := range s.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CreateSnag allocates the next query number for the building and fills in
// names and defaults. When no authority is named, the building's most recent
// snag donates its authority assignment.
func (s *Store) CreateSnag(actor domain.User, req api.CreateSnagRequest) domain.Snag {
	s.mu.Lock()
	defer s.mu.Unlock()

	no := s.nextQueryNo[req.ProjectName] + 1
	s.nextQueryNo[req.ProjectName] = no

	now := s.now()
	snag := domain.Snag{
		ID:               uuid.NewString(),
		QueryNo:          no,
		Description:      req.Description,
		Location:         req.Location,
		ProjectName:      req.ProjectName,
		Status:           domain.StatusOpen,
		Priority:         req.Priority,
		PossibleSolution: req.PossibleSolution,
		UTMCoordinates:   req.UTMCoordinates,
		Photos:           append([]string{}, req.Photos...),
		CostEstimate:     req.CostEstimate,
		DueDate:          req.DueDate,
		CreatedByID:      actor.ID,
		CreatedByName:    actor.Name,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if snag.Priority == "" {
		snag.Priority = domain.PriorityMedium
	}
	if req.AssignedContractorID != "" {
		snag.AssignedContractorID = req.AssignedContractorID
		snag.AssignedContractorName = s.userName(req.AssignedContractorID)
	}
	authorityIDs := req.AssignedAuthorityIDs
	if len(authorityIDs) == 0 && req.AssignedAuthorityID != "" {
		authorityIDs = []string{req.AssignedAuthorityID}
	}
	if len(authorityIDs) == 0 {
		authorityIDs = s.lastAuthoritiesLocked(req.ProjectName)
	}
	s.setAuthoritiesLocked(&snag, authorityIDs)

	s.snags = append(s.snags, snag)
	return snag
}

// lastAuthoritiesLocked returns the authority assignment of the building's
// most recently created snag, or nil when the building has none.
func (s *Store) lastAuthoritiesLocked(projectName string) []string {
	for i := len(s.snags) - 1; i >= 0; i-- {
		if s.snags[i].ProjectName == projectName {
			return s.snags[i].AuthorityIDs()
		}
	}
	return nil
}

func (s *Store) setAuthoritiesLocked(snag *domain.Snag, ids []string) {
	snag.AssignedAuthorityIDs = []string{}
	snag.AssignedAuthorityNames = []string{}
	snag.AssignedAuthorityID = ""
	snag.AssignedAuthorityName = ""
	for _, id := range ids {
		snag.AssignedAuthorityIDs = append(snag.AssignedAuthorityIDs, id)
		snag.AssignedAuthorityNames = append(snag.AssignedAuthorityNames, s.userName(id))
	}
	if len(snag.AssignedAuthorityIDs) > 0 {
		snag.AssignedAuthorityID = snag.AssignedAuthorityIDs[0]
		snag.AssignedAuthorityName = snag.AssignedAuthorityNames[0]
	}
}

func (s *Store) userName(id string) string {
	if u, ok := s.users[id]; ok {
		return u.Name
	}
	return ""
}

// GetSnag returns a snag when it exists and is visible to the actor.
func (s *Store) GetSnag(actor domain.User, id string) (domain.Snag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snag := range s.snags {
		if snag.ID == id {
			if !visibleTo(snag, actor) {
				return domain.Snag{}, ErrNotFound
			}
			return snag, nil
		}
	}
	return domain.Snag{}, ErrNotFound
}

// visibleTo scopes snags by role: contractors see their assignments,
// authorities theirs, managers and inspectors everything.
func visibleTo(s domain.Snag, actor domain.User) bool {
	switch actor.Role {
	case domain.RoleContractor:
		return s.AssignedContractorID == actor.ID
	case domain.RoleAuthority:
		return s.HasAuthority(actor.ID)
	}
	return true
}

// ListSnags returns the snags visible to the actor that match the filters,
// in creation order.
func (s *Store) ListSnags(actor domain.User, opts api.ListOptions) []domain.Snag {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Snag{}
	for _, snag := range s.snags {
		if !visibleTo(snag, actor) {
			continue
		}
		if opts.Status != "" && snag.Status != opts.Status {
			continue
		}
		if opts.Priority != "" && snag.Priority != opts.Priority {
			continue
		}
		if opts.Location != "" && !strings.Contains(strings.ToLower(snag.Location), strings.ToLower(opts.Location)) {
			continue
		}
		if opts.ProjectName != "" && snag.ProjectName != opts.ProjectName {
			continue
		}
		if opts.ContractorID != "" && snag.AssignedContractorID != opts.ContractorID {
			continue
		}
		out = append(out, snag)
	}
	return out
}

// UpdateSnag applies fn to the snag under the lock and stamps UpdatedAt.
// fn may return a workflow error to abort the update.
func (s *Store) UpdateSnag(id string, fn func(*domain.Snag) error) (domain.Snag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.snags {
		if s.snags[i].ID != id {
			continue
		}
		snag := s.snags[i]
		if err := fn(&snag); err != nil {
			return domain.Snag{}, err
		}
		// Assignments may have changed; refresh the derived name fields.
		if snag.AssignedContractorID != "" {
			snag.AssignedContractorName = s.userName(snag.AssignedContractorID)
		} else {
			snag.AssignedContractorName = ""
		}
		s.setAuthoritiesLocked(&snag, snag.AuthorityIDs())
		snag.UpdatedAt = s.now()
		s.snags[i] = snag
		return snag, nil
	}
	return domain.Snag{}, ErrNotFound
}

func (s *Store) DeleteSnag(id string) (domain.Snag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, snag := range s.snags {
		if snag.ID == id {
			s.snags = append(s.snags[:i], s.snags[i+1:]...)
			return snag, nil
		}
	}
	return domain.Snag{}, ErrNotFound
}

// Stats aggregates counts over the snags visible to the actor.
func (s *Store) Stats(actor domain.User) domain.DashboardStats {
	var stats domain.DashboardStats
	for _, snag := range s.ListSnags(actor, api.ListOptions{}) {
		stats.TotalSnags++
		switch snag.Status {
		case domain.StatusOpen:
			stats.OpenSnags++
		case domain.StatusInProgress:
			stats.InProgressSnags++
		case domain.StatusResolved:
			stats.ResolvedSnags++
		case domain.StatusVerified:
			stats.VerifiedSnags++
		}
		if snag.Priority == domain.PriorityHigh {
			stats.HighPriority++
		}
	}
	return stats
}

// ProjectNames lists the known buildings, sorted.
func (s *Store) ProjectNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.nextQueryNo))
	for name := range s.nextQueryNo {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// maxSuggestedAuthorities bounds the suggestion list for a building.
const maxSuggestedAuthorities = 3

// SuggestedAuthorities ranks authorities by how many of the building's snags
// they are assigned to, most first, capped at maxSuggestedAuthorities.
func (s *Store) SuggestedAuthorities(projectName string) []domain.SuggestedAuthority {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, snag := range s.snags {
		if snag.ProjectName != projectName {
			continue
		}
		for _, id := range snag.AuthorityIDs() {
			counts[id]++
		}
	}
	out := []domain.SuggestedAuthority{}
	for id, n := range counts {
		out = append(out, domain.SuggestedAuthority{ID: id, Name: s.userName(id), SnagCount: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SnagCount != out[j].SnagCount {
			return out[i].SnagCount > out[j].SnagCount
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > maxSuggestedAuthorities {
		out = out[:maxSuggestedAuthorities]
	}
	return out
}

// Notify records a notification for a user and returns it.
func (s *Store) Notify(userID, snagID, message string) domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := domain.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		SnagID:    snagID,
		Message:   message,
		CreatedAt: s.now(),
	}
	s.notifications[userID] = append(s.notifications[userID], n)
	return n
}

// Notifications returns a user's notifications, newest first.
func (s *Store) Notifications(userID string) []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.notifications[userID]
	out := make([]domain.Notification, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
	}
	return out
}

func (s *Store) MarkNotificationRead(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications[userID] {
		if n.ID == id {
			s.notifications[userID][i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *Store) MarkAllNotificationsRead(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications[userID] {
		s.notifications[userID][i].Read = true
	}
}
