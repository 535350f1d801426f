// Package rest is the client for the marketplace chat API: paginated
// history, send, edit and delete. Every call carries the bearer credential
// supplied at construction.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edumarket/chatcore/internal/message"
	"github.com/edumarket/chatcore/pkg/apperrors"
)

const defaultTimeout = 15 * time.Second

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client for the given API base URL. The bearer token is
// inspected (unverified; the server owns verification) so an already
// expired credential fails fast instead of on the first call.
func New(baseURL, token string) (*Client, error) {
	if err := checkTokenExpiry(token); err != nil {
		return nil, err
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}, nil
}

func checkTokenExpiry(token string) error {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeAuthRejected, "credential is not a valid JWT", err)
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeAuthRejected, "credential has no readable expiry", err)
	}
	if exp != nil && exp.Before(time.Now()) {
		return apperrors.New(apperrors.CodeAuthRejected, "credential is expired")
	}
	return nil
}

// FetchPage returns one page of a conversation's history, oldest page last.
// Pages are indexed from zero; hasMore reports whether older pages remain.
func (c *Client) FetchPage(ctx context.Context, conversationID string, page, size int) ([]message.Message, bool, error) {
	endpoint := fmt.Sprintf("%s/api/conversations/%s/messages?page=%d&size=%d",
		c.baseURL, url.PathEscape(conversationID), page, size)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	var out struct {
		Messages []message.Message `json:"messages"`
		HasMore  bool              `json:"hasMore"`
	}
	if err := c.do(req, &out, apperrors.CodeConnect, "history fetch failed"); err != nil {
		return nil, false, err
	}
	return out.Messages, out.HasMore, nil
}

// SendRequest is the POST body for creating a message. The server echoes
// TempID on the returned Message so the outbox can correlate the reply.
type SendRequest struct {
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	Kind           message.Kind `json:"kind"`
	TempID         string       `json:"tempId"`
}

func (c *Client) Send(ctx context.Context, r SendRequest) (message.Message, error) {
	endpoint := fmt.Sprintf("%s/api/conversations/%s/messages", c.baseURL, url.PathEscape(r.ConversationID))
	req, err := c.jsonRequest(ctx, http.MethodPost, endpoint, r)
	if err != nil {
		return message.Message{}, err
	}
	var out message.Message
	if err := c.do(req, &out, apperrors.CodeSend, "message send failed"); err != nil {
		return message.Message{}, err
	}
	return out, nil
}

// Edit updates a message's content; only TEXT messages are editable, which
// the session layer enforces before calling here.
func (c *Client) Edit(ctx context.Context, conversationID, messageID string, kind message.Kind, content string) (message.Message, error) {
	endpoint := fmt.Sprintf("%s/api/conversations/%s/messages/%s",
		c.baseURL, url.PathEscape(conversationID), url.PathEscape(messageID))
	body := struct {
		Kind    message.Kind `json:"kind"`
		Content string       `json:"content"`
	}{kind, content}
	req, err := c.jsonRequest(ctx, http.MethodPut, endpoint, body)
	if err != nil {
		return message.Message{}, err
	}
	var out message.Message
	if err := c.do(req, &out, apperrors.CodeEdit, "message edit failed"); err != nil {
		return message.Message{}, err
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, conversationID, messageID string) error {
	endpoint := fmt.Sprintf("%s/api/conversations/%s/messages/%s",
		c.baseURL, url.PathEscape(conversationID), url.PathEscape(messageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil, apperrors.CodeDelete, "message delete failed")
}

func (c *Client) jsonRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any, code apperrors.Code, msg string) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(code, msg, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.CodeAuthRejected, msg+": credential rejected")
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.CodeNotFound, msg+": not found")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.New(code, fmt.Sprintf("%s: status %d: %s", msg, resp.StatusCode, body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.CodeParse, msg+": bad response body", err)
	}
	return nil
}
