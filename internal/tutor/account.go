package tutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/mathvox/internal/auth"
	"github.com/MrWong99/mathvox/internal/history"
)

// Compile-time interface assertion.
var _ history.Sink = (*Client)(nil)

// Token is the credential returned by [Client.Login].
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login exchanges a username and password for an access token. Wrong
// credentials are reported as [auth.ErrUnauthorized].
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+loginEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("tutor: create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req, "login", loginEndpoint)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	var tok Token
	if err := decodeJSON(resp.Body, &tok); err != nil {
		return Token{}, fmt.Errorf("tutor: decode login response: %w", err)
	}
	if tok.AccessToken == "" {
		return Token{}, errors.New("tutor: login response carries no access token")
	}
	return tok, nil
}

type saveHistoryRequest struct {
	UserID      string   `json:"userId"`
	SessionID   string   `json:"sessionId"`
	UserMessage string   `json:"userMessage"`
	BotMessage  string   `json:"botMessage"`
	AudioIDs    []string `json:"audioSegmentIds,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

// SaveConversation stores one exchange with the API service.
func (c *Client) SaveConversation(ctx context.Context, rec history.Record) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	userID := rec.UserID
	if userID == "" {
		userID = c.userID
	}
	in := saveHistoryRequest{
		UserID:      userID,
		SessionID:   rec.SessionID,
		UserMessage: rec.UserMessage,
		BotMessage:  rec.BotMessage,
		AudioIDs:    rec.MessageIDs,
		Timestamp:   ts.UTC().Format(time.RFC3339Nano),
	}
	return c.doJSON(ctx, c.apiURL+saveHistoryEndpoint, "history", saveHistoryEndpoint, in, nil)
}

// Save implements [history.Sink].
func (c *Client) Save(ctx context.Context, rec history.Record) error {
	return c.SaveConversation(ctx, rec)
}

func decodeJSON(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}

func isUnauthorized(err error) bool {
	return errors.Is(err, auth.ErrUnauthorized)
}
