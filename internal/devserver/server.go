// Package devserver is an in-memory stand-in for the snag backend, close
// enough to the real contract for end-to-end tests and local demos. State
// lives for the lifetime of the process.
package devserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"snagline/internal/api"
	"snagline/internal/domain"
	"snagline/internal/logging"
	"snagline/internal/workflow"
)

// Config for the dev server handler.
type Config struct {
	Store     *Store
	JWTSecret string
	TokenTTL  time.Duration
	Logger    logging.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"contractor cannot edit this field"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope for every non-2xx response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	default:
		return "internal_error"
	}
}

// handleError maps store and workflow errors onto the envelope.
func handleError(err error) huma.StatusError {
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ErrBadLogin):
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	case errors.Is(err, ErrEmailTaken):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, workflow.ErrNotAllowed), errors.Is(err, workflow.ErrNotAssigned):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, workflow.ErrBadTransition), errors.Is(err, workflow.ErrAlreadyApproved):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, workflow.ErrFeedbackRequired), errors.Is(err, ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
}

// Server wires the REST surface and the websocket hub over a Store.
type Server struct {
	store   *Store
	hub     *Hub
	secret  string
	ttl     time.Duration
	log     logging.Logger
	handler http.Handler
}

const basePath = "/api"

// New builds the handler. The websocket hub lives at /api/ws next to the
// REST endpoints.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop{}
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	s := &Server{
		store:  cfg.Store,
		secret: cfg.JWTSecret,
		ttl:    ttl,
		log:    log,
	}
	s.hub = NewHub(s.verifyToken, log)

	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(s.authMiddleware())
	router.Handle(basePath+"/ws", s.hub)

	hcfg := huma.DefaultConfig("Snagline Dev API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	hapi := humachi.New(router, hcfg)
	group := huma.NewGroup(hapi, basePath)

	s.registerAuth(group)
	s.registerSnags(group)
	s.registerDashboard(group)
	s.registerProjects(group)
	s.registerBuildings(group)
	s.registerUsers(group)
	s.registerNotifications(group)

	s.handler = router
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Hub exposes the websocket hub, mainly so callers can Close it.
func (s *Server) Hub() *Hub { return s.hub }

// --- auth ---

type principalKey struct{}

func withPrincipal(ctx context.Context, u domain.User) context.Context {
	return context.WithValue(ctx, principalKey{}, u)
}

func actorFromContext(ctx context.Context) (domain.User, huma.StatusError) {
	if u, ok := ctx.Value(principalKey{}).(domain.User); ok && u.ID != "" {
		return u, nil
	}
	return domain.User{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Role domain.Role `json:"role,omitempty"`
}

// MintToken issues a short-lived HS256 bearer token for a user.
func (s *Server) MintToken(u domain.User) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Role: u.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.secret))
}

func (s *Server) verifyToken(token string) (domain.User, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &tokenClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(s.secret), nil
	})
	if err != nil {
		return domain.User{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return domain.User{}, errors.New("invalid token")
	}
	return s.store.UserByID(claims.Subject)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	// The websocket endpoint authenticates in-frame, not via header.
	open := map[string]bool{
		basePath + "/auth/login": true,
		basePath + "/openapi":    true,
		basePath + "/ws":         true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, basePath) || open[r.URL.Path] ||
				strings.HasPrefix(r.URL.Path, basePath+"/openapi.") {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeUnauthorized(w, "bearer token required")
				return
			}
			user, err := s.verifyToken(token)
			if err != nil {
				s.log.Debug(r.Context(), "token rejected", "error", err)
				writeUnauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), user)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"code":"unauthorized","message":"` + msg + `"}}`))
}

// --- endpoints ---

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) registerAuth(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for a bearer token",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body loginRequest `json:"body"`
	}) (*struct {
		Body api.TokenResponse `json:"body"`
	}, error) {
		user, err := s.store.Authenticate(input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := s.MintToken(user)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body api.TokenResponse `json:"body"`
		}{Body: api.TokenResponse{AccessToken: token, TokenType: "bearer", User: user}}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/auth/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: actor}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "register-user",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Register a user (manager only)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body api.RegisterUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actor.Role != domain.RoleManager {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "only managers may register users", nil)
		}
		if !input.Body.Role.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role", map[string]any{"role": input.Body.Role})
		}
		if input.Body.Email == "" || input.Body.Password == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email and password are required", nil)
		}
		user, err := s.store.AddUser(domain.User{
			Email: input.Body.Email,
			Name:  input.Body.Name,
			Role:  input.Body.Role,
			Phone: input.Body.Phone,
		}, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: user}, nil
	})
}

type snagListInput struct {
	Status       string `query:"status"`
	Priority     string `query:"priority"`
	Location     string `query:"location"`
	ProjectName  string `query:"project_name"`
	ContractorID string `query:"assigned_contractor_id"`
}

func (s *Server) registerSnags(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "list-snags",
		Method:      http.MethodGet,
		Path:        "/snags",
		Summary:     "List snags visible to the caller",
	}, func(ctx context.Context, input *snagListInput) (*struct {
		Body []domain.Snag `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snags := s.store.ListSnags(actor, api.ListOptions{
			Status:       domain.Status(input.Status),
			Priority:     domain.Priority(input.Priority),
			Location:     input.Location,
			ProjectName:  input.ProjectName,
			ContractorID: input.ContractorID,
		})
		return &struct {
			Body []domain.Snag `json:"body"`
		}{Body: snags}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "get-snag",
		Method:      http.MethodGet,
		Path:        "/snags/{id}",
		Summary:     "Get a snag",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Snag `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snag, err := s.store.GetSnag(actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snag `json:"body"`
		}{Body: snag}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "create-snag",
		Method:        http.MethodPost,
		Path:          "/snags",
		Summary:       "Report a snag",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body api.CreateSnagRequest `json:"body"`
	}) (*struct {
		Body domain.Snag `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !workflow.RoleAllowed(actor.Role, workflow.ActionCreate) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "role may not report snags", map[string]any{"role": actor.Role})
		}
		if input.Body.Description == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "description is required", nil)
		}
		if input.Body.ProjectName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project_name is required", nil)
		}
		if input.Body.Priority != "" && !input.Body.Priority.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown priority", map[string]any{"priority": input.Body.Priority})
		}
		snag := s.store.CreateSnag(actor, input.Body)
		s.hub.BroadcastSnag(domain.EventCreated, snag)
		s.notifyAssigned(snag, actor, "New snag #%d assigned to you in %s")
		return &struct {
			Body domain.Snag `json:"body"`
		}{Body: snag}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "update-snag",
		Method:      http.MethodPut,
		Path:        "/snags/{id}",
		Summary:     "Update a snag (role-gated fields)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body api.UpdateSnagRequest `json:"body"`
	}) (*struct {
		Body domain.Snag `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req := input.Body
		if req.Status != nil && !req.Status.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status", map[string]any{"status": *req.Status})
		}
		if req.Priority != nil && !req.Priority.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown priority", map[string]any{"priority": *req.Priority})
		}
		snag, err := s.store.UpdateSnag(input.ID, func(snag *domain.Snag) error {
			return applyUpdate(snag, actor, req)
		})
		if err != nil {
			return nil, handleError(err)
		}
		s.hub.BroadcastSnag(domain.EventUpdated, snag)
		s.notifyAssigned(snag, actor, "Snag #%d in %s was updated")
		return &struct {
			Body domain.Snag `json:"body"`
		}{Body: snag}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "delete-snag",
		Method:        http.MethodDelete,
		Path:          "/snags/{id}",
		Summary:       "Delete a snag (manager only)",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !workflow.RoleAllowed(actor.Role, workflow.ActionDelete) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "only managers may delete snags", nil)
		}
		snag, err := s.store.DeleteSnag(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		s.hub.BroadcastSnag(domain.EventDeleted, map[string]string{"id": snag.ID})
		return &struct{}{}, nil
	})
}

func (s *Server) registerDashboard(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "dashboard-stats",
		Method:      http.MethodGet,
		Path:        "/dashboard/stats",
		Summary:     "Aggregate snag counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.DashboardStats `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.DashboardStats `json:"body"`
		}{Body: s.store.Stats(actor)}, nil
	})
}

func (s *Server) registerProjects(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "project-names",
		Method:      http.MethodGet,
		Path:        "/projects/names",
		Summary:     "Known building names",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Projects []string `json:"projects"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		out := &struct {
			Body struct {
				Projects []string `json:"projects"`
			} `json:"body"`
		}{}
		out.Body.Projects = s.store.ProjectNames()
		return out, nil
	})
}

func (s *Server) registerBuildings(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "suggested-authorities",
		Method:      http.MethodGet,
		Path:        "/buildings/{name}/suggested-authorities",
		Summary:     "Authorities ranked by assignment history in a building",
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body struct {
			SuggestedAuthorities []domain.SuggestedAuthority `json:"suggested_authorities"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		out := &struct {
			Body struct {
				SuggestedAuthorities []domain.SuggestedAuthority `json:"suggested_authorities"`
			} `json:"body"`
		}{}
		out.Body.SuggestedAuthorities = s.store.SuggestedAuthorities(input.Name)
		return out, nil
	})
}

func (s *Server) registerUsers(g huma.API) {
	list := func(role domain.Role) func(context.Context, *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		return func(ctx context.Context, _ *struct{}) (*struct {
			Body []domain.User `json:"body"`
		}, error) {
			if _, authErr := actorFromContext(ctx); authErr != nil {
				return nil, authErr
			}
			return &struct {
				Body []domain.User `json:"body"`
			}{Body: s.store.UsersByRole(role)}, nil
		}
	}
	huma.Register(g, huma.Operation{
		OperationID: "list-contractors",
		Method:      http.MethodGet,
		Path:        "/users/contractors",
		Summary:     "List contractor users",
	}, list(domain.RoleContractor))
	huma.Register(g, huma.Operation{
		OperationID: "list-authorities",
		Method:      http.MethodGet,
		Path:        "/users/authorities",
		Summary:     "List authority users",
	}, list(domain.RoleAuthority))
}

func (s *Server) registerNotifications(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Caller's notifications, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: s.store.Notifications(actor.ID)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "read-notification",
		Method:        http.MethodPut,
		Path:          "/notifications/{id}/read",
		Summary:       "Mark one notification read",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.store.MarkNotificationRead(actor.ID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "read-all-notifications",
		Method:        http.MethodPut,
		Path:          "/notifications/read-all",
		Summary:       "Mark every notification read",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s.store.MarkAllNotificationsRead(actor.ID)
		return &struct{}{}, nil
	})
}
