package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/RichardoC/relaychat/internal/config"
	"github.com/RichardoC/relaychat/internal/models"
	"github.com/RichardoC/relaychat/web"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	SessionCookie   = "relaychat_session"
	sharedSessionID = "default"
)

// Relay is the conversation surface the handlers drive.
type Relay interface {
	ProcessMessage(ctx context.Context, sessionID, content string) (*models.Message, error)
	Reset(ctx context.Context, sessionID string) error
	History(ctx context.Context, sessionID string) ([]models.Message, error)
}

type Handler struct {
	relay       Relay
	sessionMode string
	logger      *zap.Logger
}

func NewHandler(relay Relay, sessionMode string, logger *zap.Logger) *Handler {
	return &Handler{
		relay:       relay,
		sessionMode: sessionMode,
		logger:      logger,
	}
}

type MessageRequest struct {
	Message *string `json:"message"`
}

type MessageResponse struct {
	Response string `json:"response"`
}

type HistoryResponse struct {
	Messages []models.Message `json:"messages"`
}

// Routes returns the mux for all endpoints wrapped in access logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.HandlePage)
	mux.HandleFunc("/chat", h.HandleChat)
	mux.HandleFunc("/clear", h.HandleClear)
	mux.HandleFunc("/history", h.GetHistory)
	return h.accessLog(mux)
}

// sessionID resolves the caller's session, issuing a cookie when needed.
func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) string {
	if h.sessionMode == config.SessionModeShared {
		return sharedSessionID
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			return id.String()
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (h *Handler) HandlePage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(web.Index)
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == nil {
		http.Error(w, "Missing message", http.StatusBadRequest)
		return
	}

	sessionID := h.sessionID(w, r)
	reply, err := h.relay.ProcessMessage(r.Context(), sessionID, *req.Message)
	if err != nil {
		h.logger.Error("Failed to process message",
			zap.Error(err),
			zap.String("session", sessionID))
		http.Error(w, fmt.Sprintf("Failed to process message: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(MessageResponse{Response: reply.Content}); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := h.sessionID(w, r)
	if err := h.relay.Reset(r.Context(), sessionID); err != nil {
		h.logger.Error("Failed to clear conversation",
			zap.Error(err),
			zap.String("session", sessionID))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := h.sessionID(w, r)
	messages, err := h.relay.History(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to get history",
			zap.Error(err),
			zap.String("session", sessionID))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	h.logger.Debug("Retrieved history",
		zap.Int("count", len(messages)),
		zap.String("session", sessionID))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(HistoryResponse{Messages: messages}); err != nil {
		h.logger.Error("Failed to encode history", zap.Error(err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Info("Handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}
