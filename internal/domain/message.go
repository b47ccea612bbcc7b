package domain

import "time"

// Message is a single chat message after media has been downloaded to disk.
// Instances are shared between the history ledger and the pending buffer;
// the media file is deleted only when no live structure references it.
type Message struct {
	Text      string
	MediaPath string // local path of the downloaded photo (or video frame), empty if none
	Timestamp time.Time
	SourceID  string // transport message id, used for quote-replies
}

// HasMedia reports whether the message carries a downloaded media file.
func (m Message) HasMedia() bool { return m.MediaPath != "" }

// SenderIdentity is resolved once per sender per process lifetime and cached.
type SenderIdentity struct {
	ID          string
	PhoneNumber string
	DisplayName string
}

// InboundEvent is what the chat transport delivers to the orchestrator.
type InboundEvent struct {
	Sender  SenderIdentity
	Message Message
}

// SendOptions controls how a reply is delivered.
type SendOptions struct {
	MentionID       string // sender id to @mention in the group
	QuotedMessageID string // message id to quote-reply, empty for a plain send
}
