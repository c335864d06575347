package domain

import "encoding/json"

// Role is a user's fixed role in the snag workflow.
type Role string

const (
	RoleManager    Role = "manager"
	RoleInspector  Role = "inspector"
	RoleContractor Role = "contractor"
	RoleAuthority  Role = "authority"
)

// Roles lists every valid role.
func Roles() []Role {
	return []Role{RoleManager, RoleInspector, RoleContractor, RoleAuthority}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleManager, RoleInspector, RoleContractor, RoleAuthority:
		return true
	}
	return false
}

// Status is a snag's lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusVerified   Status = "verified"
)

// Statuses lists every lifecycle state in workflow order.
func Statuses() []Status {
	return []Status{StatusOpen, StatusInProgress, StatusResolved, StatusVerified}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusVerified:
		return true
	}
	return false
}

// Priority of a snag.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Snag is a reported construction defect. QueryNo is unique and strictly
// increasing only within its ProjectName (building) namespace.
type Snag struct {
	ID          string   `json:"id"`
	QueryNo     int      `json:"query_no"`
	Description string   `json:"description"`
	Location    string   `json:"location"`
	ProjectName string   `json:"project_name"`
	Status      Status   `json:"status" enum:"open,in_progress,resolved,verified"`
	Priority    Priority `json:"priority" enum:"low,medium,high"`

	PossibleSolution string   `json:"possible_solution,omitempty"`
	UTMCoordinates   string   `json:"utm_coordinates,omitempty"`
	Photos           []string `json:"photos"`
	CostEstimate     *float64 `json:"cost_estimate,omitempty"`

	AssignedContractorID   string `json:"assigned_contractor_id,omitempty"`
	AssignedContractorName string `json:"assigned_contractor_name,omitempty"`
	// Single-authority fields predate AssignedAuthorityIDs and are kept in
	// the wire format for older clients; they mirror the first entry.
	AssignedAuthorityID    string   `json:"assigned_authority_id,omitempty"`
	AssignedAuthorityName  string   `json:"assigned_authority_name,omitempty"`
	AssignedAuthorityIDs   []string `json:"assigned_authority_ids"`
	AssignedAuthorityNames []string `json:"assigned_authority_names"`

	DueDate           *string `json:"due_date,omitempty" format:"date-time"`
	AuthorityFeedback string  `json:"authority_feedback,omitempty"`
	AuthorityComment  string  `json:"authority_comment,omitempty"`

	CreatedByID   string `json:"created_by_id"`
	CreatedByName string `json:"created_by_name"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`

	WorkStartedDate          *string `json:"work_started_date,omitempty" format:"date-time"`
	WorkCompletedDate        *string `json:"work_completed_date,omitempty" format:"date-time"`
	ContractorCompletionDate *string `json:"contractor_completion_date,omitempty" format:"date-time"`

	ContractorCompleted bool `json:"contractor_completed"`
	AuthorityApproved   bool `json:"authority_approved"`
}

// AuthorityIDs merges the legacy single-authority field into the list form.
func (s Snag) AuthorityIDs() []string {
	ids := append([]string(nil), s.AssignedAuthorityIDs...)
	if s.AssignedAuthorityID != "" {
		for _, id := range ids {
			if id == s.AssignedAuthorityID {
				return ids
			}
		}
		ids = append([]string{s.AssignedAuthorityID}, ids...)
	}
	return ids
}

// HasAuthority reports whether userID is among the snag's assigned
// authorities, checking both the legacy and the list field.
func (s Snag) HasAuthority(userID string) bool {
	for _, id := range s.AuthorityIDs() {
		if id == userID {
			return true
		}
	}
	return false
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      Role   `json:"role" enum:"manager,inspector,contractor,authority"`
	Phone     string `json:"phone,omitempty"`
	PushToken string `json:"push_token,omitempty"`
}

// SyncEvent is the unit carried by the realtime channel. Data holds the
// undecoded payload: a partial Snag for snag_update frames, a notification
// body for notification frames.
type SyncEvent struct {
	Type      string          `json:"type"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// SyncEvent types and event kinds as they appear on the wire.
const (
	EventTypeSnagUpdate   = "snag_update"
	EventTypeNotification = "notification"

	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Snag decodes the event payload as a snag. Valid for snag_update frames
// with event created or updated; deleted frames carry only an id.
func (e SyncEvent) Snag() (Snag, error) {
	var s Snag
	err := json.Unmarshal(e.Data, &s)
	return s, err
}

// SnagID extracts the id from the event payload without decoding the rest.
func (e SyncEvent) SnagID() string {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Data, &ref); err != nil {
		return ""
	}
	return ref.ID
}

type Notification struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	SnagID    string `json:"snag_id"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// DashboardStats are the aggregate counts behind the dashboard view.
type DashboardStats struct {
	TotalSnags      int `json:"total_snags"`
	OpenSnags       int `json:"open_snags"`
	InProgressSnags int `json:"in_progress_snags"`
	ResolvedSnags   int `json:"resolved_snags"`
	VerifiedSnags   int `json:"verified_snags"`
	HighPriority    int `json:"high_priority"`
}

// SuggestedAuthority ranks an authority by how often it was assigned snags
// in a given building. Computed server-side; clients only consume it.
type SuggestedAuthority struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SnagCount int    `json:"snag_count"`
}
