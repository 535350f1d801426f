package transport

import "encoding/json"

// Wire frames exchanged with the push gateway. Clients send actions,
// the gateway sends typed frames back.
const (
	actionSubscribe   = "SUBSCRIBE"
	actionUnsubscribe = "UNSUBSCRIBE"

	frameSubscribed = "SUBSCRIBED"
	frameMessage    = "MESSAGE"
	frameError      = "ERROR"
)

type frame struct {
	Action  string          `json:"action,omitempty"`
	Type    string          `json:"type,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// TopicFor returns the per-conversation message topic.
func TopicFor(conversationID string) string {
	return "/topic/courses/" + conversationID + "/messages"
}
