package ws

// FrameType identifies an incoming client frame. Server-to-client traffic
// reuses the tracker event contract unchanged, so subscribers see the same
// payloads whether they arrive over the socket or through a poll.
type FrameType string

const (
	FrameNewMessage           FrameType = "new_message"
	FrameMarkDelivered        FrameType = "mark_delivered"
	FrameMarkRead             FrameType = "mark_read"
	FrameMarkReadBatch        FrameType = "mark_read_batch"
	FrameMarkConversationRead FrameType = "mark_conversation_read"
)

// IncomingFrame is what a connected client sends.
type IncomingFrame struct {
	Type FrameType `json:"type"`

	// For new_message and mark_conversation_read: exactly one of these.
	ChannelID string `json:"channel_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`

	// For new_message.
	Content        string `json:"content,omitempty"`
	ThreadParentID string `json:"thread_parent_id,omitempty"`

	// For mark_delivered and mark_read.
	MessageID string `json:"message_id,omitempty"`

	// For mark_read_batch.
	MessageIDs []string `json:"message_ids,omitempty"`
}

// ErrorFrame is sent to a single client when its frame was rejected.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func errorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: "error", Error: msg}
}
