// Package transcribe submits recordings to the speech-to-text service.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app/recording"
	"github.com/dkeye/peercall/internal/core"
)

const (
	fieldName  = "file"
	uploadName = "recording.ogg"
	// maxResponse bounds how much of the reply is read.
	maxResponse = 1 << 20
)

var ErrNoText = errors.New("response has no text")

type Client struct {
	url  string
	http *http.Client
}

func New(url string, timeout time.Duration) *Client {
	return &Client{url: url, http: &http.Client{Timeout: timeout}}
}

type response struct {
	Text *string `json:"text"`
}

// Transcribe posts the artifact as multipart field "file" and returns the
// "text" of the JSON reply.
func (c *Client) Transcribe(ctx context.Context, a recording.Artifact) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(fieldName, uploadName)
	if err != nil {
		return "", core.TranscriptionServiceError("transcribe", err)
	}
	if _, err := part.Write(a.Data); err != nil {
		return "", core.TranscriptionServiceError("transcribe", err)
	}
	if err := mw.Close(); err != nil {
		return "", core.TranscriptionServiceError("transcribe", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return "", core.TranscriptionServiceError("transcribe", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", core.TranscriptionServiceError("transcribe", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return "", core.TranscriptionServiceError("transcribe", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", core.TranscriptionServiceError("transcribe", fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw)))
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", core.TranscriptionServiceError("transcribe", fmt.Errorf("decode response: %w", err))
	}
	if out.Text == nil {
		return "", core.TranscriptionServiceError("transcribe", ErrNoText)
	}
	log.Info().
		Str("module", "transcribe").
		Int("bytes", len(a.Data)).
		Dur("took", time.Since(start)).
		Msg("transcription received")
	return *out.Text, nil
}
