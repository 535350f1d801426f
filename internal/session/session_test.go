package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edumarket/chatcore/internal/history"
	"github.com/edumarket/chatcore/internal/message"
	"github.com/edumarket/chatcore/internal/reconcile"
	"github.com/edumarket/chatcore/internal/rest"
	"github.com/edumarket/chatcore/internal/transport"
	"github.com/edumarket/chatcore/pkg/apperrors"
)

// This mirrors Remote in session.go.
type mockRemote struct {
	SendFunc   func(ctx context.Context, r rest.SendRequest) (message.Message, error)
	EditFunc   func(ctx context.Context, conversationID, messageID string, kind message.Kind, content string) (message.Message, error)
	DeleteFunc func(ctx context.Context, conversationID, messageID string) error
}

func (m *mockRemote) Send(ctx context.Context, r rest.SendRequest) (message.Message, error) {
	if m.SendFunc != nil {
		return m.SendFunc(ctx, r)
	}
	return message.Message{
		ID: "S1", TempID: r.TempID, ConversationID: r.ConversationID,
		Content: r.Content, Kind: r.Kind, SenderID: "U1", CreatedAt: time.Now().UTC(),
	}, nil
}

func (m *mockRemote) Edit(ctx context.Context, conversationID, messageID string, kind message.Kind, content string) (message.Message, error) {
	if m.EditFunc != nil {
		return m.EditFunc(ctx, conversationID, messageID, kind, content)
	}
	return message.Message{ID: messageID, Content: content, Kind: kind}, nil
}

func (m *mockRemote) Delete(ctx context.Context, conversationID, messageID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, conversationID, messageID)
	}
	return nil
}

type mockPush struct {
	connects    []string
	switches    []string
	disconnects int
	state       transport.State
}

func (p *mockPush) Connect(_ context.Context, conversationID string) error {
	p.connects = append(p.connects, conversationID)
	p.state = transport.StateConnected
	return nil
}
func (p *mockPush) SwitchTopic(conversationID string) error {
	p.switches = append(p.switches, conversationID)
	return nil
}
func (p *mockPush) Disconnect() error {
	p.disconnects++
	p.state = transport.StateDisconnected
	return nil
}
func (p *mockPush) State() transport.State { return p.state }

func newTestSession(remote *mockRemote) (*Session, *mockPush) {
	push := &mockPush{state: transport.StateDisconnected}
	s := New(Config{
		ConversationID: "c-1",
		Self:           Participant{ID: "U1", Name: "Me", Role: "STUDENT"},
		Remote:         remote,
		Push:           push,
		Store:          history.NewStore(nil, nil, "c-1", 20),
	})
	return s, push
}

func contents(views []reconcile.View) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.Message.Content
	}
	return out
}

func TestSend_HappyPath(t *testing.T) {
	s, _ := newTestSession(&mockRemote{})

	tempID, err := s.Send(context.Background(), "Hello", message.KindText)
	require.NoError(t, err)
	require.NotEmpty(t, tempID)

	// Entry resolved as SUCCESS with the server id; exactly one "Hello".
	views := s.Messages()
	require.Len(t, views, 1)
	require.Equal(t, "S1", views[0].Message.ID)
	require.Equal(t, message.StatusSuccess, views[0].Status)

	// Authoritative broadcast of the same message arrives.
	s.HandleLive(message.Message{
		ID: "S1", ConversationID: "c-1", Content: "Hello",
		Kind: message.KindText, SenderID: "U1", CreatedAt: time.Now().UTC(),
	})
	views = s.Messages()
	require.Len(t, views, 1, "broadcast duplicate must collapse")
	require.Equal(t, "S1", views[0].Message.ID)
	require.Equal(t, message.DeliveryStatus(""), views[0].Status)
}

func TestSend_FailureMarksErrorAndStaysVisible(t *testing.T) {
	remote := &mockRemote{
		SendFunc: func(ctx context.Context, r rest.SendRequest) (message.Message, error) {
			return message.Message{}, apperrors.New(apperrors.CodeSend, "boom")
		},
	}
	s, _ := newTestSession(remote)

	tempID, err := s.Send(context.Background(), "Hello", message.KindText)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeSend, apperrors.CodeOf(err))

	views := s.Messages()
	require.Len(t, views, 1)
	require.Equal(t, tempID, views[0].Message.TempID)
	require.Equal(t, message.StatusError, views[0].Status)
}

func TestEdit_OptimisticThenAuthoritative(t *testing.T) {
	remote := &mockRemote{
		EditFunc: func(ctx context.Context, convID, id string, kind message.Kind, content string) (message.Message, error) {
			return message.Message{ID: id, Content: content + " (edited)", Kind: kind}, nil
		},
	}
	s, _ := newTestSession(remote)
	s.HandleLive(message.Message{ID: "m-1", ConversationID: "c-1", Content: "tpyo", Kind: message.KindText, SenderID: "U1"})

	require.NoError(t, s.Edit(context.Background(), "m-1", "typo"))

	views := s.Messages()
	require.Equal(t, []string{"typo (edited)"}, contents(views))
}

func TestEdit_ConfirmedEntryBeforeBroadcast(t *testing.T) {
	remote := &mockRemote{
		EditFunc: func(ctx context.Context, convID, id string, kind message.Kind, content string) (message.Message, error) {
			return message.Message{ID: id, Content: content, Kind: kind}, nil
		},
	}
	s, _ := newTestSession(remote)

	// Sent and confirmed, but the authoritative broadcast has not arrived:
	// the message exists only as the outbox SUCCESS entry.
	_, err := s.Send(context.Background(), "Hello", message.KindText)
	require.NoError(t, err)

	require.NoError(t, s.Edit(context.Background(), "S1", "Hello v2"))
	require.Equal(t, []string{"Hello v2"}, contents(s.Messages()))
}

func TestEdit_RemoteFailureRollsBack(t *testing.T) {
	remote := &mockRemote{
		EditFunc: func(ctx context.Context, convID, id string, kind message.Kind, content string) (message.Message, error) {
			return message.Message{}, apperrors.New(apperrors.CodeEdit, "rejected")
		},
	}
	s, _ := newTestSession(remote)
	s.HandleLive(message.Message{ID: "m-1", ConversationID: "c-1", Content: "original", Kind: message.KindText, SenderID: "U1"})

	err := s.Edit(context.Background(), "m-1", "changed")
	require.Error(t, err)
	require.Equal(t, apperrors.CodeEdit, apperrors.CodeOf(err))
	require.Equal(t, []string{"original"}, contents(s.Messages()))
}

func TestEdit_Eligibility(t *testing.T) {
	s, _ := newTestSession(&mockRemote{})
	s.HandleLive(message.Message{ID: "their", ConversationID: "c-1", Content: "hi", Kind: message.KindText, SenderID: "U2"})
	s.HandleLive(message.Message{ID: "file", ConversationID: "c-1", Content: "notes.pdf", Kind: message.KindFile, SenderID: "U1"})

	err := s.Edit(context.Background(), "their", "hax")
	require.Equal(t, apperrors.CodeNotEligible, apperrors.CodeOf(err))

	err = s.Edit(context.Background(), "file", "renamed")
	require.Equal(t, apperrors.CodeNotEligible, apperrors.CodeOf(err))

	err = s.Edit(context.Background(), "ghost", "hi")
	require.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestEdit_PendingMessageNotEligible(t *testing.T) {
	block := make(chan struct{})
	remote := &mockRemote{
		SendFunc: func(ctx context.Context, r rest.SendRequest) (message.Message, error) {
			<-block
			return message.Message{ID: "S1", TempID: r.TempID, Content: r.Content, Kind: r.Kind, SenderID: "U1"}, nil
		},
	}
	s, _ := newTestSession(remote)

	done := make(chan string, 1)
	go func() {
		tempID, _ := s.Send(context.Background(), "Hello", message.KindText)
		done <- tempID
	}()

	var tempID string
	require.Eventually(t, func() bool {
		views := s.Messages()
		if len(views) == 1 && views[0].Status == message.StatusPending {
			tempID = views[0].Message.TempID
			return true
		}
		return false
	}, time.Second, time.Millisecond)

	err := s.Edit(context.Background(), tempID, "too soon")
	require.Equal(t, apperrors.CodeNotEligible, apperrors.CodeOf(err))

	close(block)
	<-done
}

func TestDelete_SuccessTombstonesAndSuppressesStaleBroadcast(t *testing.T) {
	s, _ := newTestSession(&mockRemote{})
	s.HandleLive(message.Message{ID: "M1", ConversationID: "c-1", Content: "remove me", Kind: message.KindText, SenderID: "U1"})

	require.NoError(t, s.Delete(context.Background(), "M1"))
	require.Empty(t, s.Messages())

	// Stale broadcast races in after the delete confirmation.
	s.HandleLive(message.Message{ID: "M1", ConversationID: "c-1", Content: "remove me", Kind: message.KindText, SenderID: "U1"})
	require.Empty(t, s.Messages(), "tombstone must suppress resurrection")
}

func TestDelete_RemoteFailureLeavesMessage(t *testing.T) {
	remote := &mockRemote{
		DeleteFunc: func(ctx context.Context, convID, id string) error {
			return apperrors.New(apperrors.CodeDelete, "server said no")
		},
	}
	s, _ := newTestSession(remote)
	s.HandleLive(message.Message{ID: "M1", ConversationID: "c-1", Content: "still here", Kind: message.KindText, SenderID: "U1"})

	err := s.Delete(context.Background(), "M1")
	require.Error(t, err)
	require.Equal(t, []string{"still here"}, contents(s.Messages()))
}

func TestHandleLive_DropsOtherConversations(t *testing.T) {
	s, _ := newTestSession(&mockRemote{})
	s.HandleLive(message.Message{ID: "x", ConversationID: "c-other", Content: "stray", Kind: message.KindText})
	require.Empty(t, s.Messages())
}

func TestHandleLive_FoldsIntoWindowPastThreshold(t *testing.T) {
	push := &mockPush{}
	store := history.NewStore(nil, nil, "c-1", 20)
	s := New(Config{
		ConversationID: "c-1",
		Self:           Participant{ID: "U1"},
		Remote:         &mockRemote{},
		Push:           push,
		Store:          store,
		FoldThreshold:  3,
	})

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		s.HandleLive(message.Message{ID: id, ConversationID: "c-1", Kind: message.KindText, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}

	require.Equal(t, 3, store.Len(), "live buffer must fold into the window")
	require.Len(t, s.Messages(), 3)
}

func TestSwitchConversation_ResetsEverything(t *testing.T) {
	s, push := newTestSession(&mockRemote{})
	s.HandleLive(message.Message{ID: "m-1", ConversationID: "c-1", Content: "old", Kind: message.KindText, SenderID: "U1"})
	_, err := s.Send(context.Background(), "bye", message.KindText)
	require.NoError(t, err)
	require.NoError(t, s.Delete(context.Background(), "m-1"))

	require.NoError(t, s.SwitchConversation("c-2"))
	require.Equal(t, "c-2", s.ConversationID())
	require.Empty(t, s.Messages())
	require.Equal(t, []string{"c-2"}, push.switches)

	// Old-conversation broadcasts no longer land.
	s.HandleLive(message.Message{ID: "m-9", ConversationID: "c-1", Content: "late", Kind: message.KindText})
	require.Empty(t, s.Messages())
}

func TestOpenAndClose(t *testing.T) {
	s, push := newTestSession(&mockRemote{})
	require.NoError(t, s.Open(context.Background()))
	require.Equal(t, []string{"c-1"}, push.connects)
	require.Equal(t, transport.StateConnected, s.ConnectionState())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, 1, push.disconnects)

	s.HandleLive(message.Message{ID: "m-1", ConversationID: "c-1", Kind: message.KindText})
	require.Empty(t, s.Messages())
}

func TestSend_ErrorIsNeverAutoRetried(t *testing.T) {
	calls := 0
	remote := &mockRemote{
		SendFunc: func(ctx context.Context, r rest.SendRequest) (message.Message, error) {
			calls++
			return message.Message{}, errors.New("network down")
		},
	}
	s, _ := newTestSession(remote)

	_, err := s.Send(context.Background(), "Hello", message.KindText)
	require.Error(t, err)
	require.Equal(t, 1, calls)

	// Resubmission is a new entry with a new tempId.
	_, err = s.Send(context.Background(), "Hello", message.KindText)
	require.Error(t, err)
	require.Equal(t, 2, calls)
	require.Len(t, s.Messages(), 2)
}
