package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/guild-ranksync/internal/domain"
	"github.com/guild-ranksync/internal/identity"
	"github.com/guild-ranksync/internal/orchestrator"
	"github.com/guild-ranksync/internal/service"
	"github.com/guild-ranksync/internal/websocket"
)

// Handler provides HTTP handlers for the rank sync API
type Handler struct {
	links  *service.LinkService
	store  *identity.Store
	engine *orchestrator.Engine
	hub    *websocket.Hub
	logger *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	links *service.LinkService,
	store *identity.Store,
	engine *orchestrator.Engine,
	hub *websocket.Hub,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		links:  links,
		store:  store,
		engine: engine,
		hub:    hub,
		logger: logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket audit feed
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Update runs
		r.Post("/sync", h.TriggerSync)
		r.Get("/sync/status", h.SyncStatus)

		// Account links
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.LinkAccount)
			r.Get("/", h.ListAccounts)

			r.Route("/{userID}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Delete("/", h.UnlinkAccount)
			})
		})

		// Member lifecycle hooks
		r.Post("/members/{userID}/joined", h.MemberJoined)

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.ClientCount(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// TriggerSync runs a manual update across all linked accounts. At most one
// run is active at a time; a concurrent trigger gets 409.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.Run(r.Context(), domain.TriggerManual)
	if err != nil {
		if errors.Is(err, domain.ErrRunInProgress) {
			h.writeError(w, http.StatusConflict, err)
			return
		}
		h.logger.Error("manual update failed", "error", err)
		// The partial summary is still returned alongside the failure.
		h.writeJSON(w, http.StatusInternalServerError, APIResponse{
			Success: false,
			Data:    summary,
			Error:   domain.ErrInternalError.Error(),
		})
		return
	}

	h.writeSuccess(w, summary)
}

// SyncStatus reports whether a run is active and the last summary
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"running":      h.engine.Running(),
		"last_summary": h.engine.LastSummary(),
	})
}

// linkRequest is the payload for creating an account link
type linkRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// linkFailure is the payload returned when username validation fails
type linkFailure struct {
	Username    string   `json:"username"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// LinkAccount links a local user to an external account
func (h *Handler) LinkAccount(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.UserID == "" || req.Username == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	record, err := h.links.Link(r.Context(), domain.UserID(req.UserID), req.Username)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			h.writeJSON(w, http.StatusNotFound, APIResponse{
				Success: false,
				Data:    linkFailure{Username: ve.Username, Suggestions: ve.Suggestions},
				Error:   ve.Error(),
			})
			return
		}
		if domain.IsAdapterKind(err, domain.AdapterRateLimited) {
			h.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		h.logger.Error("failed to link account", "user_id", req.UserID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    record,
	})
}

// ListAccounts returns all linked accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListLinked(r.Context())
	if err != nil {
		h.logger.Error("failed to list accounts", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, accounts)
}

// GetAccount returns a linked account by local user id
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	account, err := h.store.Get(r.Context(), domain.UserID(userID))
	if err != nil {
		if errors.Is(err, domain.ErrNotLinked) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get account", "user_id", userID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, account)
}

// UnlinkAccount removes an account link and restores the Unlinked role
func (h *Handler) UnlinkAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	record, err := h.links.Unlink(r.Context(), domain.UserID(userID))
	if err != nil {
		if errors.Is(err, domain.ErrNotLinked) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to unlink account", "user_id", userID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, record)
}

// MemberJoined restores roles for a member who (re)joined the guild
func (h *Handler) MemberJoined(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	record, err := h.links.MemberJoined(r.Context(), domain.UserID(userID))
	if err != nil {
		h.logger.Error("failed to restore joined member", "user_id", userID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, record)
}
