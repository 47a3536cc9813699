package model

import "time"

// UnknownSender is the sender label used when entity resolution fails.
const UnknownSender = "unknown"

// Event is a normalized inbound message, produced once per transport event and
// consumed exactly once by the batcher.
type Event struct {
	SessionID  string    `json:"sessionId"`
	MessageID  int64     `json:"messageId"`
	Text       string    `json:"text"`
	Sender     string    `json:"sender"`
	SenderRef  string    `json:"senderRef"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Batch is an ordered group of events delivered together to subscribers.
type Batch struct {
	Events    []Event   `json:"events"`
	Count     int       `json:"count"`
	FlushedAt time.Time `json:"flushedAt"`
}
