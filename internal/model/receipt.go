package model

import "time"

// ReadReceipt records that a reader acknowledged a message. Identity is the
// composite (MessageID, ReaderType, ReaderID); at most one row exists per
// triple and rows are immutable once written. This uniqueness is what makes
// repeated and concurrent acknowledgements idempotent.
type ReadReceipt struct {
	MessageID  string    `json:"message_id"`
	ReaderType ActorType `json:"reader_type"`
	ReaderID   string    `json:"reader_id"`
	ReadAt     time.Time `json:"read_at"`
}

// Reader returns the acknowledging actor.
func (r ReadReceipt) Reader() ActorRef {
	return ActorRef{Type: r.ReaderType, ID: r.ReaderID}
}
