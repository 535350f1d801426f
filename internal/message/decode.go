package message

import (
	"encoding/json"

	"github.com/edumarket/chatcore/pkg/apperrors"
)

// Decode parses a push payload into a Message. Malformed JSON, a missing
// server id, or a kind outside the closed set yields a PARSE_FAILED error;
// the caller drops the payload and keeps the connection alive.
func Decode(data []byte) (Message, error) {
	var raw struct {
		ID             string `json:"id"`
		TempID         string `json:"tempId"`
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
		Kind           string `json:"kind"`
		SenderID       string `json:"senderId"`
		SenderName     string `json:"senderName"`
		SenderRole     string `json:"senderRole"`
		CreatedAt      string `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, apperrors.Wrap(apperrors.CodeParse, "malformed message payload", err)
	}
	if raw.ID == "" {
		return Message{}, apperrors.New(apperrors.CodeParse, "message payload missing id")
	}
	kind, err := ParseKind(raw.Kind)
	if err != nil {
		return Message{}, err
	}
	m := Message{
		ID:             raw.ID,
		TempID:         raw.TempID,
		ConversationID: raw.ConversationID,
		Content:        raw.Content,
		Kind:           kind,
		SenderID:       raw.SenderID,
		SenderName:     raw.SenderName,
		SenderRole:     raw.SenderRole,
	}
	if raw.CreatedAt != "" {
		ts, err := parseTimestamp(raw.CreatedAt)
		if err != nil {
			return Message{}, apperrors.Wrap(apperrors.CodeParse, "bad createdAt timestamp", err)
		}
		m.CreatedAt = ts
	}
	return m, nil
}
