package tutor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/google/uuid"
)

// NewSession asks the chat service for a session id. When the service is
// unreachable or answers without an id, a local "session_<uuid>" id is
// returned so the conversation can still start. Only [auth.ErrUnauthorized]
// is reported as an error.
func (c *Client) NewSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	err := c.doJSON(ctx, c.chatURL+newSessionEndpoint, "session", newSessionEndpoint, struct{}{}, &out)
	switch {
	case isUnauthorized(err):
		return "", err
	case err != nil:
		id := localSessionID()
		slog.Warn("tutor: new session failed, using local id", "session_id", id, "err", err)
		return id, nil
	case out.SessionID == "":
		id := localSessionID()
		slog.Warn("tutor: chat service returned no session id, using local id", "session_id", id)
		return id, nil
	}
	return out.SessionID, nil
}

func localSessionID() string {
	return "session_" + uuid.NewString()
}

// Image is an optional picture attached to a chat message, e.g. a photo of
// an exercise sheet.
type Image struct {
	Filename string
	Data     []byte
}

// ChatRequest is one user message.
type ChatRequest struct {
	SessionID string
	Message   string
	Image     *Image
}

// Chat sends req to the chat service and returns the streamed answer. The
// caller must close the returned body. The request timeout does not apply to
// reading the stream; cancel ctx to abort it.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"session_id", req.SessionID},
		{"message", req.Message},
		{"user_id", c.userID},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("tutor: write %s field: %w", f[0], err)
		}
	}
	if req.Image != nil {
		name := filepath.Base(req.Image.Filename)
		if name == "." || name == "/" {
			name = "image.png"
		}
		part, err := mw.CreateFormFile("image", name)
		if err != nil {
			return nil, fmt.Errorf("tutor: create image part: %w", err)
		}
		if _, err := part.Write(req.Image.Data); err != nil {
			return nil, fmt.Errorf("tutor: write image part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("tutor: close multipart body: %w", err)
	}

	httpReq, err := c.request(ctx, http.MethodPost, c.chatURL+chatEndpoint, &body, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	resp, err := c.do(httpReq, "chat", chatEndpoint)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
