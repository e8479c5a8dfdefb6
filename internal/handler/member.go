package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/peopledesk/internal/logger"
	"github.com/peopledesk/internal/model"
	"github.com/peopledesk/internal/repository"
)

// MemberHandler receives membership pushes from the platform's directory
// service. The projection it writes is what unread counters and the quorum
// check run against.
type MemberHandler struct {
	members *repository.MemberRepository
}

func NewMemberHandler(members *repository.MemberRepository) *MemberHandler {
	return &MemberHandler{members: members}
}

type memberSyncRow struct {
	ConversationKind model.ConversationKind `json:"conversation_kind"`
	ConversationID   string                 `json:"conversation_id"`
	MemberType       model.ActorType        `json:"member_type"`
	MemberID         string                 `json:"member_id"`
	Role             string                 `json:"role"`
	Active           bool                   `json:"active"`
	Muted            bool                   `json:"muted"`
}

func (row *memberSyncRow) valid() bool {
	switch row.ConversationKind {
	case model.ConversationChannel, model.ConversationRoom:
	default:
		return false
	}
	switch row.MemberType {
	case model.ActorEmployee, model.ActorBot:
	default:
		return false
	}
	return row.ConversationID != "" && row.MemberID != ""
}

// Sync upserts a batch of membership rows. Internal-only: the endpoint sits
// behind the InternalOnly middleware. POST /internal/members/sync
func (h *MemberHandler) Sync(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.MemberSync", time.Now())()
	var rows []memberSyncRow
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}

	now := time.Now().UTC()
	for _, row := range rows {
		if !row.valid() {
			writeError(w, http.StatusBadRequest, "invalid membership row")
			return
		}
		m := &model.ConversationMember{
			ConversationKind: row.ConversationKind,
			ConversationID:   row.ConversationID,
			MemberType:       row.MemberType,
			MemberID:         row.MemberID,
			Role:             row.Role,
			Active:           row.Active,
			Muted:            row.Muted,
			JoinedAt:         now,
		}
		if err := h.members.Upsert(r.Context(), m); err != nil {
			logger.Errorf("member sync %s/%s: %v", m.Conversation().Key(), m.Member().Key(), err)
			writeError(w, http.StatusInternalServerError, "failed to sync members")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
