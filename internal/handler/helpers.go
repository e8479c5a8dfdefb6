package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/peopledesk/internal/logger"
	"github.com/peopledesk/internal/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// convFromQuery resolves a conversation from channel_id/room_id query params.
// Exactly one must be present.
func convFromQuery(r *http.Request) (model.ConversationRef, bool) {
	channelID := r.URL.Query().Get("channel_id")
	roomID := r.URL.Query().Get("room_id")
	if (channelID != "") == (roomID != "") {
		return model.ConversationRef{}, false
	}
	if channelID != "" {
		return model.ConversationRef{Kind: model.ConversationChannel, ID: channelID}, true
	}
	return model.ConversationRef{Kind: model.ConversationRoom, ID: roomID}, true
}

// convsFromQuery collects the repeated channel_id/room_id params for the
// unread-counts query. Channels and rooms may be mixed.
func convsFromQuery(r *http.Request) []model.ConversationRef {
	q := r.URL.Query()
	convs := make([]model.ConversationRef, 0, len(q["channel_id"])+len(q["room_id"]))
	for _, id := range q["channel_id"] {
		if id != "" {
			convs = append(convs, model.ConversationRef{Kind: model.ConversationChannel, ID: id})
		}
	}
	for _, id := range q["room_id"] {
		if id != "" {
			convs = append(convs, model.ConversationRef{Kind: model.ConversationRoom, ID: id})
		}
	}
	return convs
}
