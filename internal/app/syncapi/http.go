package syncapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/todo-sync/backend/internal/app/identity"
	"github.com/todo-sync/backend/internal/app/todo"
	platformauth "github.com/todo-sync/backend/internal/platform/auth"
)

// ClientIDHeader tags the originating device of a mutation. Diagnostics and
// echo suppression only; never part of a conflict decision.
const ClientIDHeader = "X-Client-ID"

type Handler struct {
	Todos         *todo.Service
	Identity      *identity.Service
	AllowedOrigin string
}

func NewHandler(todos *todo.Service, identitySvc *identity.Service, allowedOrigin string) *Handler {
	return &Handler{
		Todos:         todos,
		Identity:      identitySvc,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/api/v1/todos", h.handleListTodos)
		authR.Post("/api/v1/todos", h.handleCreateTodo)
		authR.Post("/api/v1/todos/bulk", h.handleBulkCreate)
		authR.Post("/api/v1/todos/sync", h.handleSync)
		authR.Get("/api/v1/todos/{todoID}", h.handleGetTodo)
		authR.Patch("/api/v1/todos/{todoID}", h.handleUpdateTodo)
		authR.Delete("/api/v1/todos/{todoID}", h.handleDeleteTodo)
		authR.Post("/api/v1/todos/{todoID}/restore", h.handleRestoreTodo)
	})

	return r
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type createTodoRequest struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

type updateTodoRequest struct {
	Text      *string `json:"text,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
	Version   int64   `json:"version"`
}

type versionRequest struct {
	Version int64 `json:"version"`
}

type syncRequest struct {
	Todos    []todo.Change `json:"todos"`
	LastSync time.Time     `json:"last_sync"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidEmail),
			errors.Is(err, identity.ErrInvalidPassword),
			errors.Is(err, identity.ErrInvalidDisplayName):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "email already registered")
				return
			}
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListTodos(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	q := r.URL.Query()

	opts := todo.ListOptions{
		Filter:  q.Get("filter"),
		Search:  strings.TrimSpace(q.Get("search")),
		Sort:    q.Get("sort"),
		Page:    intQuery(q.Get("page"), 1),
		PerPage: intQuery(q.Get("per_page"), 50),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		opts.Since = &since
	}

	todos, err := h.Todos.List(r.Context(), claims.Subject, opts)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, todos)
}

func (h *Handler) handleCreateTodo(w http.ResponseWriter, r *http.Request) {
	var req createTodoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	rec, err := h.Todos.Create(r.Context(), claims.Subject, req.Text, req.Completed, r.Header.Get(ClientIDHeader))
	if err != nil {
		h.writeTodoError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleBulkCreate(w http.ResponseWriter, r *http.Request) {
	var reqs []createTodoRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	// Validate everything before creating anything: a bad item must not
	// leave earlier items committed behind an error response.
	for i := range reqs {
		change := todo.Change{Text: &reqs[i].Text}
		if err := change.Validate(); err != nil {
			h.writeError(w, http.StatusBadRequest, "item "+strconv.Itoa(i)+": "+err.Error())
			return
		}
	}

	claims := claimsFromContext(r.Context())
	clientID := r.Header.Get(ClientIDHeader)

	created := make([]any, 0, len(reqs))
	for _, req := range reqs {
		rec, err := h.Todos.Create(r.Context(), claims.Subject, req.Text, req.Completed, clientID)
		if err != nil {
			h.writeTodoError(w, err)
			return
		}
		created = append(created, rec)
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleGetTodo(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	rec, err := h.Todos.Get(r.Context(), claims.Subject, chi.URLParam(r, "todoID"))
	if err != nil {
		h.writeTodoError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleUpdateTodo(w http.ResponseWriter, r *http.Request) {
	var req updateTodoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	rec, err := h.Todos.Apply(r.Context(), claims.Subject, todo.Change{
		ID:        chi.URLParam(r, "todoID"),
		Text:      req.Text,
		Completed: req.Completed,
		Version:   req.Version,
		ClientID:  r.Header.Get(ClientIDHeader),
	})
	if err != nil {
		h.writeTodoError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDeleteTodo(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil || version < 1 {
		h.writeError(w, http.StatusBadRequest, "version query parameter is required")
		return
	}
	claims := claimsFromContext(r.Context())
	if _, err := h.Todos.Delete(r.Context(), claims.Subject, chi.URLParam(r, "todoID"), version, r.Header.Get(ClientIDHeader)); err != nil {
		h.writeTodoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRestoreTodo(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	rec, err := h.Todos.Restore(r.Context(), claims.Subject, chi.URLParam(r, "todoID"), req.Version, r.Header.Get(ClientIDHeader))
	if err != nil {
		h.writeTodoError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	clientID := r.Header.Get(ClientIDHeader)
	for i := range req.Todos {
		if req.Todos[i].ClientID == "" {
			req.Todos[i].ClientID = clientID
		}
	}

	claims := claimsFromContext(r.Context())
	result, err := h.Todos.Sync(r.Context(), claims.Subject, req.Todos, req.LastSync)
	if err != nil {
		if errors.Is(err, todo.ErrBatchTooLarge) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// writeTodoError maps the core taxonomy onto HTTP statuses. A version
// conflict answers 409 with the authoritative record inline so the caller
// can retry with corrected state.
func (h *Handler) writeTodoError(w http.ResponseWriter, err error) {
	var conflict *todo.ConflictError
	switch {
	case errors.As(err, &conflict):
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"error":          "version mismatch",
			"client_version": conflict.ClientVersion,
			"server_record":  conflict.Server,
		})
	case errors.Is(err, todo.ErrNotOwner):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, todo.ErrRecordNotFound), errors.Is(err, todo.ErrUnknownRecord):
		h.writeError(w, http.StatusNotFound, "todo not found")
	case errors.Is(err, todo.ErrTextRequired), errors.Is(err, todo.ErrTextTooLong):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		allowed := strings.TrimSpace(h.AllowedOrigin)
		if allowed == "" {
			allowed = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+ClientIDHeader)
		}
		next.ServeHTTP(w, r)
	})
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := contextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}
