// Package outbox tracks locally-created messages from submission until
// server confirmation or failure.
package outbox

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edumarket/chatcore/internal/message"
)

// Entry wraps an optimistic message with its delivery lifecycle. PENDING
// entries await the server; SUCCESS entries carry the authoritative id and
// wait for the reconciler to see the confirmed copy; ERROR entries stay
// visible so the user can resubmit (resubmission creates a new entry,
// nothing is resent automatically).
type Entry struct {
	Message message.Message
	Status  message.DeliveryStatus
}

// Draft is what the UI hands over on submit.
type Draft struct {
	ConversationID string
	Content        string
	Kind           message.Kind
	SenderID       string
	SenderName     string
	SenderRole     string
}

type Outbox struct {
	mu      sync.Mutex
	entries []Entry
	index   map[string]int // tempID -> index
	now     func() time.Time
}

func New() *Outbox {
	return &Outbox{
		index: make(map[string]int),
		now:   time.Now,
	}
}

// Submit adds a PENDING entry synchronously, so the UI reflects the send
// instantly, and returns the fresh tempId for correlation. CreatedAt is the
// client's estimate until the server confirms.
func (o *Outbox) Submit(d Draft) string {
	tempID := uuid.NewString()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.index[tempID] = len(o.entries)
	o.entries = append(o.entries, Entry{
		Message: message.Message{
			TempID:         tempID,
			ConversationID: d.ConversationID,
			Content:        d.Content,
			Kind:           d.Kind,
			SenderID:       d.SenderID,
			SenderName:     d.SenderName,
			SenderRole:     d.SenderRole,
			CreatedAt:      o.now(),
		},
		Status: message.StatusPending,
	})
	return tempID
}

// MarkSent transitions an entry to SUCCESS with the authoritative message,
// keeping the tempId so the entry stays linked to its confirmed duplicate.
func (o *Outbox) MarkSent(tempID string, confirmed message.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx, ok := o.index[tempID]
	if !ok {
		return
	}
	confirmed.TempID = tempID
	o.entries[idx].Message = confirmed
	o.entries[idx].Status = message.StatusSuccess
}

// MarkFailed transitions an entry to ERROR. The entry remains visible for
// the inline failed marker.
func (o *Outbox) MarkFailed(tempID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx, ok := o.index[tempID]
	if !ok {
		return
	}
	o.entries[idx].Status = message.StatusError
}

// PatchContent rewrites the content of the SUCCESS entry carrying the given
// server id, so an edit stays visible while the entry still stands in for
// the not-yet-broadcast confirmed copy.
func (o *Outbox) PatchContent(id, content string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.entries {
		if o.entries[i].Message.ID == id && o.entries[i].Status == message.StatusSuccess {
			o.entries[i].Message.Content = content
		}
	}
}

// Discard removes an entry, once superseded by a confirmed duplicate or
// explicitly dropped by the user.
func (o *Outbox) Discard(tempID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx, ok := o.index[tempID]
	if !ok {
		return
	}
	o.entries = append(o.entries[:idx], o.entries[idx+1:]...)
	delete(o.index, tempID)
	for i := idx; i < len(o.entries); i++ {
		o.index[o.entries[i].Message.TempID] = i
	}
}

// Get returns the entry for a tempId.
func (o *Outbox) Get(tempID string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx, ok := o.index[tempID]
	if !ok {
		return Entry{}, false
	}
	return o.entries[idx], true
}

// Entries returns a snapshot in submission order.
func (o *Outbox) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Entry, len(o.entries))
	copy(out, o.entries)
	return out
}

// Clear drops everything, used on conversation switch.
func (o *Outbox) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = nil
	o.index = make(map[string]int)
}
