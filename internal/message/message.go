package message

import (
	"fmt"
	"time"

	"github.com/edumarket/chatcore/pkg/apperrors"
)

// Kind is the closed set of message payload types.
type Kind string

const (
	KindText Kind = "TEXT"
	KindFile Kind = "FILE"
)

// ParseKind validates a wire value against the closed set.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindText, KindFile:
		return Kind(s), nil
	}
	return "", apperrors.New(apperrors.CodeParse, fmt.Sprintf("unknown message kind %q", s))
}

// DeliveryStatus tracks a locally originated message's lifecycle.
// Confirmed messages carry no status.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "PENDING"
	StatusSuccess DeliveryStatus = "SUCCESS"
	StatusError   DeliveryStatus = "ERROR"
)

// Message is the chat-bubble unit, shared across the REST and push APIs.
// ID is the server identity once confirmed; TempID is the client correlation
// id and survives the optimistic-to-confirmed transition.
type Message struct {
	ID             string    `json:"id,omitempty"`
	TempID         string    `json:"tempId,omitempty"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	Kind           Kind      `json:"kind"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	SenderRole     string    `json:"senderRole"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Key returns the identity used for ordering tiebreaks: the server id when
// confirmed, otherwise the temp id.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}
