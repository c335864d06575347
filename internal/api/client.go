// Package api is the HTTP client for the snag backend. All mutations go
// through this request/response surface; realtime frames only tell views
// when to come back here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"snagline/internal/domain"
)

// Client is a bearer-token API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. The embedded HTTP client is set
// up front so concurrent requests never race on it.
func New(baseURL string) *Client {
	timeout := 10 * time.Second
	return &Client{
		BaseURL:    baseURL,
		Timeout:    timeout,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsAuthError reports whether err is a 401/403 response, i.e. the server
// rejected the caller's token or role.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}

// TokenResponse is the login result.
type TokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	User        domain.User `json:"user"`
}

// Login exchanges credentials for a token and remembers it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (TokenResponse, error) {
	body := map[string]any{"email": email, "password": password}
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return TokenResponse{}, err
	}
	c.BearerToken = resp.AccessToken
	return resp, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (domain.User, error) {
	var resp domain.User
	err := c.do(ctx, http.MethodGet, "auth/me", nil, &resp)
	return resp, err
}

// RegisterUserRequest creates a user. Manager only.
type RegisterUserRequest struct {
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Name     string      `json:"name"`
	Role     domain.Role `json:"role"`
	Phone    string      `json:"phone,omitempty"`
}

func (c *Client) RegisterUser(ctx context.Context, req RegisterUserRequest) (domain.User, error) {
	var resp domain.User
	err := c.do(ctx, http.MethodPost, "auth/register", req, &resp)
	return resp, err
}

// ListOptions are the server-side snag list filters.
type ListOptions struct {
	Status       domain.Status
	Priority     domain.Priority
	Location     string
	ProjectName  string
	ContractorID string
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", string(o.Status))
	}
	if o.Priority != "" {
		q.Set("priority", string(o.Priority))
	}
	if o.Location != "" {
		q.Set("location", o.Location)
	}
	if o.ProjectName != "" {
		q.Set("project_name", o.ProjectName)
	}
	if o.ContractorID != "" {
		q.Set("assigned_contractor_id", o.ContractorID)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListSnags returns snags visible to the caller, optionally filtered. The
// server additionally scopes the result by role (contractors see their own
// assignments, authorities theirs).
func (c *Client) ListSnags(ctx context.Context, opts ListOptions) ([]domain.Snag, error) {
	var resp []domain.Snag
	err := c.do(ctx, http.MethodGet, "snags"+opts.query(), nil, &resp)
	return resp, err
}

// GetSnag returns a single snag by id.
func (c *Client) GetSnag(ctx context.Context, id string) (domain.Snag, error) {
	var resp domain.Snag
	err := c.do(ctx, http.MethodGet, "snags/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateSnagRequest creates a snag. Manager and inspector only.
type CreateSnagRequest struct {
	Description          string          `json:"description"`
	Location             string          `json:"location"`
	ProjectName          string          `json:"project_name"`
	PossibleSolution     string          `json:"possible_solution,omitempty"`
	UTMCoordinates       string          `json:"utm_coordinates,omitempty"`
	Photos               []string        `json:"photos,omitempty"`
	Priority             domain.Priority `json:"priority,omitempty"`
	CostEstimate         *float64        `json:"cost_estimate,omitempty"`
	AssignedContractorID string          `json:"assigned_contractor_id,omitempty"`
	AssignedAuthorityID  string          `json:"assigned_authority_id,omitempty"`
	AssignedAuthorityIDs []string        `json:"assigned_authority_ids,omitempty"`
	DueDate              *string         `json:"due_date,omitempty"`
}

func (c *Client) CreateSnag(ctx context.Context, req CreateSnagRequest) (domain.Snag, error) {
	var resp domain.Snag
	err := c.do(ctx, http.MethodPost, "snags", req, &resp)
	return resp, err
}

// UpdateSnagRequest is a partial update; nil fields are left untouched.
type UpdateSnagRequest struct {
	Description          *string          `json:"description,omitempty"`
	Location             *string          `json:"location,omitempty"`
	ProjectName          *string          `json:"project_name,omitempty"`
	PossibleSolution     *string          `json:"possible_solution,omitempty"`
	UTMCoordinates       *string          `json:"utm_coordinates,omitempty"`
	Photos               []string         `json:"photos,omitempty"`
	Status               *domain.Status   `json:"status,omitempty"`
	Priority             *domain.Priority `json:"priority,omitempty"`
	CostEstimate         *float64         `json:"cost_estimate,omitempty"`
	AssignedContractorID *string          `json:"assigned_contractor_id,omitempty"`
	AssignedAuthorityID  *string          `json:"assigned_authority_id,omitempty"`
	AssignedAuthorityIDs []string         `json:"assigned_authority_ids,omitempty"`
	DueDate              *string          `json:"due_date,omitempty"`
	AuthorityFeedback    *string          `json:"authority_feedback,omitempty"`
	AuthorityComment     *string          `json:"authority_comment,omitempty"`
	WorkStartedDate      *string          `json:"work_started_date,omitempty"`
	WorkCompletedDate    *string          `json:"work_completed_date,omitempty"`
	ContractorCompletion *string          `json:"contractor_completion_date,omitempty"`
	ContractorCompleted  *bool            `json:"contractor_completed,omitempty"`
	AuthorityApproved    *bool            `json:"authority_approved,omitempty"`
}

// Fields lists the JSON field names set in the request, for the client-side
// role gate.
func (r UpdateSnagRequest) Fields() []string {
	var fields []string
	add := func(name string, set bool) {
		if set {
			fields = append(fields, name)
		}
	}
	add("description", r.Description != nil)
	add("location", r.Location != nil)
	add("project_name", r.ProjectName != nil)
	add("possible_solution", r.PossibleSolution != nil)
	add("utm_coordinates", r.UTMCoordinates != nil)
	add("photos", r.Photos != nil)
	add("status", r.Status != nil)
	add("priority", r.Priority != nil)
	add("cost_estimate", r.CostEstimate != nil)
	add("assigned_contractor_id", r.AssignedContractorID != nil)
	add("assigned_authority_id", r.AssignedAuthorityID != nil)
	add("assigned_authority_ids", r.AssignedAuthorityIDs != nil)
	add("due_date", r.DueDate != nil)
	add("authority_feedback", r.AuthorityFeedback != nil)
	add("authority_comment", r.AuthorityComment != nil)
	add("work_started_date", r.WorkStartedDate != nil)
	add("work_completed_date", r.WorkCompletedDate != nil)
	add("contractor_completion_date", r.ContractorCompletion != nil)
	add("contractor_completed", r.ContractorCompleted != nil)
	add("authority_approved", r.AuthorityApproved != nil)
	return fields
}

func (c *Client) UpdateSnag(ctx context.Context, id string, req UpdateSnagRequest) (domain.Snag, error) {
	var resp domain.Snag
	err := c.do(ctx, http.MethodPut, "snags/"+url.PathEscape(id), req, &resp)
	return resp, err
}

// DeleteSnag removes a snag. Manager only.
func (c *Client) DeleteSnag(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "snags/"+url.PathEscape(id), nil, nil)
}

// DashboardStats returns the aggregate counts for the dashboard.
func (c *Client) DashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	var resp domain.DashboardStats
	err := c.do(ctx, http.MethodGet, "dashboard/stats", nil, &resp)
	return resp, err
}

// ProjectNames returns the known building names.
func (c *Client) ProjectNames(ctx context.Context) ([]string, error) {
	var resp struct {
		Projects []string `json:"projects"`
	}
	err := c.do(ctx, http.MethodGet, "projects/names", nil, &resp)
	return resp.Projects, err
}

// SuggestedAuthorities returns the ranked authorities for a building.
func (c *Client) SuggestedAuthorities(ctx context.Context, building string) ([]domain.SuggestedAuthority, error) {
	var resp struct {
		SuggestedAuthorities []domain.SuggestedAuthority `json:"suggested_authorities"`
	}
	endpoint := fmt.Sprintf("buildings/%s/suggested-authorities", url.PathEscape(building))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.SuggestedAuthorities, err
}

// Contractors lists contractor users.
func (c *Client) Contractors(ctx context.Context) ([]domain.User, error) {
	var resp []domain.User
	err := c.do(ctx, http.MethodGet, "users/contractors", nil, &resp)
	return resp, err
}

// Authorities lists authority users.
func (c *Client) Authorities(ctx context.Context) ([]domain.User, error) {
	var resp []domain.User
	err := c.do(ctx, http.MethodGet, "users/authorities", nil, &resp)
	return resp, err
}

// Notifications returns the caller's notifications, newest first.
func (c *Client) Notifications(ctx context.Context) ([]domain.Notification, error) {
	var resp []domain.Notification
	err := c.do(ctx, http.MethodGet, "notifications", nil, &resp)
	return resp, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, "notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "notifications/read-all", nil, nil)
}

// WebSocketURL derives the realtime endpoint from the base URL.
func (c *Client) WebSocketURL() string {
	base := c.base()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws"
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	httpClient := c.HTTPClient
	if httpClient == nil {
		// Zero-value Client constructed without New.
		httpClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/api/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// SnagSource binds a client and a fixed server-side filter to the fetch
// surface the reconciler needs.
type SnagSource struct {
	Client *Client
	Opts   ListOptions
}

func (s SnagSource) FetchSnag(ctx context.Context, id string) (domain.Snag, error) {
	return s.Client.GetSnag(ctx, id)
}

func (s SnagSource) FetchSnags(ctx context.Context) ([]domain.Snag, error) {
	return s.Client.ListSnags(ctx, s.Opts)
}
