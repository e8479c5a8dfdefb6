package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/peopledesk/internal/counter"
	"github.com/peopledesk/internal/logger"
	"github.com/peopledesk/internal/middleware"
	"github.com/peopledesk/internal/model"
	"github.com/peopledesk/internal/repository"
	"github.com/peopledesk/internal/tracker"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// MessageHandler is the REST surface over the delivery tracker.
type MessageHandler struct {
	tracker  *tracker.Tracker
	messages *repository.MessageRepository
	counters *counter.Service
}

func NewMessageHandler(tr *tracker.Tracker, messages *repository.MessageRepository, counters *counter.Service) *MessageHandler {
	return &MessageHandler{tracker: tr, messages: messages, counters: counters}
}

// convFromRoute resolves the conversation from the channelId/roomId route
// param, whichever the route carries.
func convFromRoute(r *http.Request) (model.ConversationRef, bool) {
	if id := chi.URLParam(r, "channelId"); id != "" {
		return model.ConversationRef{Kind: model.ConversationChannel, ID: id}, true
	}
	if id := chi.URLParam(r, "roomId"); id != "" {
		return model.ConversationRef{Kind: model.ConversationRoom, ID: id}, true
	}
	return model.ConversationRef{}, false
}

type sendRequest struct {
	ChannelID      string `json:"channel_id,omitempty"`
	RoomID         string `json:"room_id,omitempty"`
	Content        string `json:"content"`
	ThreadParentID string `json:"thread_parent_id,omitempty"`
}

// Send creates a message with status=sent. POST /api/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.Send", time.Now())()
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}

	m := &model.Message{
		SenderType: actor.Type,
		SenderID:   actor.ID,
		Content:    req.Content,
	}
	if req.ChannelID != "" {
		m.ChannelID = &req.ChannelID
	}
	if req.RoomID != "" {
		m.RoomID = &req.RoomID
	}
	if req.ThreadParentID != "" {
		m.ThreadParentID = &req.ThreadParentID
	}

	sent, err := h.tracker.Send(r.Context(), m)
	if errors.Is(err, tracker.ErrConversationRequired) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logger.Errorf("send message actor=%s: %v", actor.Key(), err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	writeJSON(w, http.StatusCreated, sent)
}

// ListMessages returns a conversation's messages, newest first.
// GET /api/channels/{channelId}/messages and /api/rooms/{roomId}/messages
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.ListMessages", time.Now())()
	conv, ok := convFromRoute(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "conversation required")
		return
	}
	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	messages, err := h.messages.ListConversationMessages(r.Context(), conv, limit, offset)
	if err != nil {
		logger.Errorf("list messages %s: %v", conv.Key(), err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// MarkDelivered records a delivery acknowledgement.
// POST /api/messages/{messageId}/delivered
func (h *MessageHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	messageID := chi.URLParam(r, "messageId")
	if err := h.tracker.MarkDelivered(r.Context(), messageID, actor); err != nil {
		logger.Errorf("mark delivered msg=%s actor=%s: %v", messageID, actor.Key(), err)
		writeError(w, http.StatusInternalServerError, "failed to mark delivered")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead records a read acknowledgement.
// POST /api/messages/{messageId}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	messageID := chi.URLParam(r, "messageId")
	res, err := h.tracker.MarkAsRead(r.Context(), messageID, actor, middleware.ActorNameFromContext(r.Context()))
	if err != nil {
		logger.Errorf("mark read msg=%s actor=%s: %v", messageID, actor.Key(), err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type markBatchRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type markBatchResponse struct {
	Affected []string `json:"affected"`
}

// MarkReadBatch acknowledges a batch of messages for the caller.
// POST /api/messages/read
func (h *MessageHandler) MarkReadBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req markBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	affected, err := h.tracker.MarkMultipleAsRead(r.Context(), req.MessageIDs, actor, middleware.ActorNameFromContext(r.Context()))
	if err != nil {
		logger.Errorf("mark read batch actor=%s: %v", actor.Key(), err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	if affected == nil {
		affected = []string{}
	}
	writeJSON(w, http.StatusOK, markBatchResponse{Affected: affected})
}

// MarkConversationRead acknowledges everything unread in one conversation.
// POST /api/channels/{channelId}/read and /api/rooms/{roomId}/read
func (h *MessageHandler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conv, ok := convFromRoute(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "conversation required")
		return
	}
	affected, err := h.tracker.MarkConversationAsRead(r.Context(), conv, actor, middleware.ActorNameFromContext(r.Context()))
	if err != nil {
		logger.Errorf("mark conversation read %s actor=%s: %v", conv.Key(), actor.Key(), err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	if affected == nil {
		affected = []string{}
	}
	writeJSON(w, http.StatusOK, markBatchResponse{Affected: affected})
}

// GetStatus returns the aggregate delivery view of one message.
// GET /api/messages/{messageId}/status
func (h *MessageHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	status, err := h.tracker.GetMessageStatus(r.Context(), messageID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		logger.Errorf("get status msg=%s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetReceipts returns who has read the message, ordered by read time.
// GET /api/messages/{messageId}/receipts
func (h *MessageHandler) GetReceipts(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	status, err := h.tracker.GetMessageStatus(r.Context(), messageID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		logger.Errorf("get receipts msg=%s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "failed to load receipts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"readers":    status.Readers,
		"read_count": status.ReadCount,
	})
}

// CheckAllRead answers whether every active member except the sender has read
// the message. GET /api/messages/{messageId}/read-by-all?channel_id=|room_id=
func (h *MessageHandler) CheckAllRead(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	conv, ok := convFromQuery(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "exactly one of channel_id/room_id required")
		return
	}
	allRead, err := h.tracker.CheckAllRead(r.Context(), messageID, conv)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		logger.Errorf("check all read msg=%s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "failed to check read state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"all_read": allRead})
}

// GetUnreadCounts returns the caller's unread counters for a mixed set of
// conversations. GET /api/unread-counts?channel_id=42&room_id=x
func (h *MessageHandler) GetUnreadCounts(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	convs := convsFromQuery(r)
	if len(convs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one channel_id or room_id required")
		return
	}
	counts, err := h.tracker.GetUnreadCounts(r.Context(), actor, convs)
	if err != nil {
		logger.Errorf("unread counts actor=%s: %v", actor.Key(), err)
		writeError(w, http.StatusInternalServerError, "failed to load unread counts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

// RecomputeUnread replaces the caller's incremental counter with an exact
// recount. POST /api/unread-counts/recompute?channel_id=|room_id=
func (h *MessageHandler) RecomputeUnread(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conv, ok := convFromQuery(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "exactly one of channel_id/room_id required")
		return
	}
	count, err := h.counters.Recompute(r.Context(), conv, actor)
	if err != nil {
		logger.Errorf("recompute unread %s actor=%s: %v", conv.Key(), actor.Key(), err)
		writeError(w, http.StatusInternalServerError, "failed to recompute")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": count})
}

// Delete soft-deletes the caller's own message.
// DELETE /api/messages/{messageId}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	messageID := chi.URLParam(r, "messageId")
	err := h.tracker.SoftDelete(r.Context(), messageID, actor)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, tracker.ErrNotSender):
		writeError(w, http.StatusForbidden, "can only delete own messages")
	case err != nil:
		logger.Errorf("delete msg=%s actor=%s: %v", messageID, actor.Key(), err)
		writeError(w, http.StatusInternalServerError, "failed to delete message")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
