package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/edumarket/chatcore/internal/message"
	"github.com/edumarket/chatcore/pkg/apperrors"
)

func testToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestNew_RejectsExpiredToken(t *testing.T) {
	_, err := New("http://localhost", testToken(t, -time.Minute))
	require.Error(t, err)
	require.Equal(t, apperrors.CodeAuthRejected, apperrors.CodeOf(err))
}

func TestNew_RejectsGarbageToken(t *testing.T) {
	_, err := New("http://localhost", "not-a-jwt")
	require.Error(t, err)
	require.Equal(t, apperrors.CodeAuthRejected, apperrors.CodeOf(err))
}

func TestFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations/c-1/messages", r.URL.Path)
		require.Equal(t, "1", r.URL.Query().Get("page"))
		require.Equal(t, "20", r.URL.Query().Get("size"))
		require.Contains(t, r.Header.Get("Authorization"), "Bearer ")
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []message.Message{
				{ID: "m-2", ConversationID: "c-1", Content: "older", Kind: message.KindText},
				{ID: "m-1", ConversationID: "c-1", Content: "oldest", Kind: message.KindText},
			},
			"hasMore": true,
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, testToken(t, time.Hour))
	require.NoError(t, err)

	msgs, hasMore, err := c.FetchPage(context.Background(), "c-1", 1, 20)
	require.NoError(t, err)
	require.True(t, hasMore)
	require.Len(t, msgs, 2)
	require.Equal(t, "m-2", msgs[0].ID)
}

func TestSend_EchoesTempID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(message.Message{
			ID:             "s-1",
			TempID:         req.TempID,
			ConversationID: req.ConversationID,
			Content:        req.Content,
			Kind:           req.Kind,
			SenderID:       "u-1",
			CreatedAt:      time.Now().UTC(),
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, testToken(t, time.Hour))
	require.NoError(t, err)

	m, err := c.Send(context.Background(), SendRequest{
		ConversationID: "c-1", Content: "Hello", Kind: message.KindText, TempID: "t-9",
	})
	require.NoError(t, err)
	require.Equal(t, "s-1", m.ID)
	require.Equal(t, "t-9", m.TempID)
}

func TestSend_ServerErrorIsSendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL, testToken(t, time.Hour))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), SendRequest{ConversationID: "c-1", Kind: message.KindText})
	require.Error(t, err)
	require.Equal(t, apperrors.CodeSend, apperrors.CodeOf(err))
}

func TestAuthRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := New(srv.URL, testToken(t, time.Hour))
	require.NoError(t, err)

	_, _, err = c.FetchPage(context.Background(), "c-1", 0, 20)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeAuthRejected, apperrors.CodeOf(err))
}

func TestDelete(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL, testToken(t, time.Hour))
	require.NoError(t, err)

	require.NoError(t, c.Delete(context.Background(), "c-1", "m-5"))
	require.Equal(t, "/api/conversations/c-1/messages/m-5", gotPath)
}
