package tutor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/MrWong99/mathvox/pkg/audio/playback"
)

// Compile-time interface assertion.
var _ playback.Fetcher = (*Client)(nil)

type presignedRequest struct {
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	Region    string `json:"region"`
	Type      string `json:"type"`
}

type presignedResponse struct {
	AudioURLs []string `json:"audioUrls"`
}

// AudioURLs returns presigned download URLs for the stored audio of
// messageID. An answer without stored audio yields an empty slice.
func (c *Client) AudioURLs(ctx context.Context, messageID string) ([]string, error) {
	var out presignedResponse
	in := presignedRequest{
		UserID:    c.userID,
		MessageID: messageID,
		Region:    c.region,
		Type:      "audio",
	}
	if err := c.doJSON(ctx, c.apiURL+presignedEndpoint, "audio_urls", presignedEndpoint, in, &out); err != nil {
		return nil, err
	}
	return out.AudioURLs, nil
}

// FetchAudio downloads every stored audio payload of messageID in order. A
// payload whose download fails is left nil so the others keep their
// position; only cancellation of ctx fails the whole call.
func (c *Client) FetchAudio(ctx context.Context, messageID string) ([][]byte, error) {
	urls, err := c.AudioURLs(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		slog.Debug("tutor: no stored audio", "message_id", messageID)
	}
	payloads := make([][]byte, 0, len(urls))
	for i, u := range urls {
		data, err := c.download(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			slog.Warn("tutor: audio download failed", "message_id", messageID, "index", i, "err", err)
			data = nil
		}
		payloads = append(payloads, data)
	}
	return payloads, nil
}

// Fetch implements [playback.Fetcher].
func (c *Client) Fetch(ctx context.Context, messageID string) ([][]byte, error) {
	return c.FetchAudio(ctx, messageID)
}

// download GETs a presigned URL. Presigned URLs carry their own credentials,
// so no bearer token is sent.
func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("tutor: create download request: %w", err)
	}
	resp, err := c.do(req, "audio_download", "presigned URL")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioDownloadSize))
	if err != nil {
		return nil, fmt.Errorf("tutor: read audio: %w", err)
	}
	return data, nil
}

// TranscribeFile uploads a recorded audio clip to the manual transcription
// endpoint and returns the text. It is the fallback input path when live
// transcription is unavailable.
func (c *Client) TranscribeFile(ctx context.Context, filename string, audio []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return "", fmt.Errorf("tutor: create audio part: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("tutor: write audio part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("tutor: close multipart body: %w", err)
	}

	req, err := c.request(ctx, http.MethodPost, c.apiURL+manualAudioEndpoint, &body, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	resp, err := c.do(req, "transcribe", manualAudioEndpoint)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Transcription string `json:"transcription"`
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		return "", fmt.Errorf("tutor: decode transcription: %w", err)
	}
	return out.Transcription, nil
}
