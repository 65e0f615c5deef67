package backend

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"go-chatsync/internal/auth"
	myMiddleware "go-chatsync/internal/middleware"
	"go-chatsync/internal/notification"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Dev backend; clients are not browsers.
	},
}

type Handler struct {
	hub      *Hub
	repo     *Repository
	secret   string
	tokenTTL time.Duration
	log      *logrus.Entry
}

func NewHandler(hub *Hub, repo *Repository, secret string, tokenTTL time.Duration, log *logrus.Entry) *Handler {
	return &Handler{hub: hub, repo: repo, secret: secret, tokenTTL: tokenTTL, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func (h *Handler) repoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotParticipant):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrSelfChat):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type tokenRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// IssueToken mints a session token for any user id. Development only.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	token, err := auth.Issue(h.secret, req.UserID, req.Username, h.tokenTTL)
	if err != nil {
		h.repoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "userId": req.UserID})
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID := myMiddleware.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:    h.hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		log:    h.log.WithField("user_id", userID),
	}
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	if hello, err := encodeFrame("connected", map[string]string{"userId": userID}, 0); err == nil {
		h.hub.sendDirect(client, hello)
	}

	go client.writePump()
	go client.readPump(h.hub.ctx)
}

func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.repo.History(chi.URLParam(r, "conversationId"), myMiddleware.UserID(r.Context()))
	if err != nil {
		h.repoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": msgs})
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs := h.repo.Conversations(myMiddleware.UserID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"data": convs})
}

// StartConversation finds or creates the conversation with the user in the path.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.repo.FindOrCreateConversation(myMiddleware.UserID(r.Context()), chi.URLParam(r, "userId"))
	if err != nil {
		h.repoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": conv})
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	n := h.repo.UnreadCount(myMiddleware.UserID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]int{"unreadCount": n})
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := NotificationFilter{Type: q.Get("type")}
	if s := q.Get("seen"); s != "" {
		seen, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "seen must be true or false")
			return
		}
		filter.Seen = &seen
	}
	items, total := h.repo.Notifications(myMiddleware.UserID(r.Context()), page, limit, filter)
	writeJSON(w, http.StatusOK, map[string]any{"data": items, "totalPages": total})
}

func (h *Handler) NotificationStats(w http.ResponseWriter, r *http.Request) {
	n := h.repo.UnseenNotifications(myMiddleware.UserID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]int{"totalUnseen": n})
}

func (h *Handler) MarkNotificationSeen(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.MarkNotificationSeen(myMiddleware.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.repoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) MarkAllNotificationsSeen(w http.ResponseWriter, r *http.Request) {
	n := h.repo.MarkAllNotificationsSeen(myMiddleware.UserID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

type createNotificationRequest struct {
	UserID   string         `json:"userId"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata"`
}

// CreateNotification stores a notification for a user and pushes it live.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "userId and title are required")
		return
	}
	n := h.repo.AddNotification(req.UserID, notification.Notification{
		Type:     req.Type,
		Title:    req.Title,
		Message:  req.Message,
		Metadata: req.Metadata,
	})
	h.hub.metrics.notifications.Inc()
	if err := h.hub.Notify(r.Context(), req.UserID, n); err != nil {
		h.log.WithError(err).Warn("push notification failed")
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": n})
}
