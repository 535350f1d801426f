// Package session wires one open conversation together: it exclusively owns
// the push session, history store, outbox and tombstone set, and coordinates
// send, edit and delete against them. Nothing here is process-global; the
// session's lifetime is the open conversation's.
package session

import (
	"context"
	"sync"

	"github.com/edumarket/chatcore/internal/history"
	"github.com/edumarket/chatcore/internal/logger"
	"github.com/edumarket/chatcore/internal/message"
	"github.com/edumarket/chatcore/internal/outbox"
	"github.com/edumarket/chatcore/internal/reconcile"
	"github.com/edumarket/chatcore/internal/rest"
	"github.com/edumarket/chatcore/internal/transport"
	"github.com/edumarket/chatcore/pkg/apperrors"
)

// defaultFoldThreshold bounds the live buffer: past it, arrivals are folded
// into the history window.
const defaultFoldThreshold = 200

// Remote is the slice of the REST client the session needs.
type Remote interface {
	Send(ctx context.Context, r rest.SendRequest) (message.Message, error)
	Edit(ctx context.Context, conversationID, messageID string, kind message.Kind, content string) (message.Message, error)
	Delete(ctx context.Context, conversationID, messageID string) error
}

// Pusher is the slice of the transport session the session needs.
type Pusher interface {
	Connect(ctx context.Context, conversationID string) error
	SwitchTopic(conversationID string) error
	Disconnect() error
	State() transport.State
}

// Participant identifies the local user for authoring checks.
type Participant struct {
	ID   string
	Name string
	Role string
}

// Config assembles a Session from its owned collaborators.
type Config struct {
	ConversationID string
	Self           Participant
	Remote         Remote
	Push           Pusher
	Store          *history.Store
	FoldThreshold  int
}

type Session struct {
	remote Remote
	push   Pusher
	store  *history.Store
	outbox *outbox.Outbox
	foldAt int
	self   Participant

	mu         sync.Mutex
	convID     string
	live       []message.Message
	tombstones map[string]struct{}
	closed     bool
}

func New(cfg Config) *Session {
	foldAt := cfg.FoldThreshold
	if foldAt <= 0 {
		foldAt = defaultFoldThreshold
	}
	return &Session{
		remote:     cfg.Remote,
		push:       cfg.Push,
		store:      cfg.Store,
		outbox:     outbox.New(),
		foldAt:     foldAt,
		self:       cfg.Self,
		convID:     cfg.ConversationID,
		tombstones: make(map[string]struct{}),
	}
}

// Open primes the window from the local cache and connects the push
// session.
func (s *Session) Open(ctx context.Context) error {
	s.store.Prime()
	return s.push.Connect(ctx, s.convID)
}

// Close tears the session down: transport disconnected, state cleared.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.live = nil
	s.mu.Unlock()
	s.outbox.Clear()
	return s.push.Disconnect()
}

// HandleLive receives pushed messages; wire it as the transport handler.
// Broadcasts for another conversation (a race with a recent switch) are
// dropped.
func (s *Session) HandleLive(m message.Message) {
	s.mu.Lock()
	if s.closed || (m.ConversationID != "" && m.ConversationID != s.convID) {
		s.mu.Unlock()
		return
	}
	s.live = append(s.live, m)
	fold := len(s.live) >= s.foldAt
	var toFold []message.Message
	if fold {
		toFold = s.live
		s.live = nil
	}
	s.mu.Unlock()

	for _, fm := range toFold {
		s.store.UpsertLive(fm)
	}
}

// Messages returns the reconciled view: each logical message exactly once,
// newest first.
func (s *Session) Messages() []reconcile.View {
	s.mu.Lock()
	live := make([]message.Message, len(s.live))
	copy(live, s.live)
	tombs := make(map[string]struct{}, len(s.tombstones))
	for id := range s.tombstones {
		tombs[id] = struct{}{}
	}
	s.mu.Unlock()

	return reconcile.Reconcile(s.store.Messages(), live, s.outbox.Entries(), tombs)
}

// LoadOlder pulls the next older history page.
func (s *Session) LoadOlder(ctx context.Context) (history.Page, error) {
	return s.store.LoadNextPage(ctx)
}

// Send submits an optimistic entry, posts it, and transitions the entry on
// the outcome. The returned tempId identifies the entry either way; a
// failed send stays visible as ERROR and is never resent automatically.
func (s *Session) Send(ctx context.Context, content string, kind message.Kind) (string, error) {
	s.mu.Lock()
	convID := s.convID
	s.mu.Unlock()

	tempID := s.outbox.Submit(outbox.Draft{
		ConversationID: convID,
		Content:        content,
		Kind:           kind,
		SenderID:       s.self.ID,
		SenderName:     s.self.Name,
		SenderRole:     s.self.Role,
	})

	confirmed, err := s.remote.Send(ctx, rest.SendRequest{
		ConversationID: convID,
		Content:        content,
		Kind:           kind,
		TempID:         tempID,
	})
	if err != nil {
		s.outbox.MarkFailed(tempID)
		return tempID, err
	}
	s.outbox.MarkSent(tempID, confirmed)
	return tempID, nil
}

// Edit patches optimistically, calls the remote update, and on failure
// rolls the patch back before surfacing the error. Only the author may
// edit, only TEXT messages are editable, and an unresolved optimistic
// message cannot be edited yet.
func (s *Session) Edit(ctx context.Context, messageID, content string) error {
	cur, err := s.editable(messageID)
	if err != nil {
		return err
	}
	if cur.Kind != message.KindText {
		return apperrors.New(apperrors.CodeNotEligible, "only text messages can be edited")
	}

	id := cur.ID // resolve a tempId to the server identity
	prior := cur.Content
	s.patchEverywhere(id, content)

	s.mu.Lock()
	convID := s.convID
	s.mu.Unlock()

	updated, err := s.remote.Edit(ctx, convID, id, cur.Kind, content)
	if err != nil {
		s.patchEverywhere(id, prior)
		return err
	}
	s.patchEverywhere(id, updated.Content)
	return nil
}

// Delete removes nothing locally until the remote call succeeds; then the
// message leaves the window and live buffer and its id is tombstoned so a
// late stale broadcast cannot resurrect it.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	cur, err := s.editable(messageID)
	if err != nil {
		return err
	}
	id := cur.ID

	s.mu.Lock()
	convID := s.convID
	s.mu.Unlock()

	if err := s.remote.Delete(ctx, convID, id); err != nil {
		return err
	}

	s.store.Remove(id)
	s.mu.Lock()
	kept := s.live[:0]
	for _, m := range s.live {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	s.live = kept
	s.tombstones[id] = struct{}{}
	s.mu.Unlock()
	if cur.TempID != "" {
		s.outbox.Discard(cur.TempID)
	}
	return nil
}

// SwitchConversation resets all owned state and moves the subscription.
// Any in-flight page load for the old conversation becomes stale and is
// discarded by the store.
func (s *Session) SwitchConversation(newConversationID string) error {
	s.mu.Lock()
	s.convID = newConversationID
	s.live = nil
	s.tombstones = make(map[string]struct{})
	s.mu.Unlock()

	s.store.Reset(newConversationID)
	s.outbox.Clear()
	logger.L.Info("switched conversation", "conversation", newConversationID)
	return s.push.SwitchTopic(newConversationID)
}

// ConnectionState reports the push session's state for the persistent
// connection indicator.
func (s *Session) ConnectionState() transport.State {
	return s.push.State()
}

// ConversationID returns the currently open conversation.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// editable locates the message and applies the shared edit/delete
// eligibility rules. The id may be a server id or, for an optimistic
// message, its tempId; an entry still PENDING or ERROR cannot be modified
// until it resolves.
func (s *Session) editable(messageID string) (message.Message, error) {
	cur, ok := s.store.Get(messageID)
	if !ok {
		s.mu.Lock()
		for _, m := range s.live {
			if m.ID == messageID {
				cur, ok = m, true
				break
			}
		}
		s.mu.Unlock()
	}
	if !ok {
		for _, e := range s.outbox.Entries() {
			if e.Message.TempID != messageID && e.Message.ID != messageID {
				continue
			}
			if e.Status != message.StatusSuccess {
				return message.Message{}, apperrors.New(apperrors.CodeNotEligible,
					"message is still sending; wait for it to resolve")
			}
			cur, ok = e.Message, true
			break
		}
	}
	if !ok {
		return message.Message{}, apperrors.New(apperrors.CodeNotFound, "message not found")
	}
	if cur.SenderID != s.self.ID {
		return message.Message{}, apperrors.New(apperrors.CodeNotEligible,
			"only the author can modify a message")
	}
	return cur, nil
}

func (s *Session) patchEverywhere(messageID, content string) {
	s.store.Patch(messageID, history.PatchFields{Content: &content})
	s.outbox.PatchContent(messageID, content)
	s.mu.Lock()
	for i := range s.live {
		if s.live[i].ID == messageID {
			s.live[i].Content = content
		}
	}
	s.mu.Unlock()
}
