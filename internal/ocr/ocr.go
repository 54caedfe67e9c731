// Package ocr turns an uploaded evidence file into raw text. Photographs go
// through an external recognition service; PDF slips are read directly. The
// engine is deliberately a black box to the rest of the pipeline: it either
// produces text or reports itself unavailable.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/fieldops/shiftproof/internal/pdfutil"
)

// ErrUnavailable is returned when no text could be produced, whether because
// the service is unreachable, rejected the request, or recognized nothing.
var ErrUnavailable = errors.New("ocr unavailable")

// Recognizer produces raw text from an uploaded file.
type Recognizer interface {
	Recognize(ctx context.Context, data []byte, contentType string) (string, error)
}

// Engine is the default Recognizer: PDF content is extracted locally, image
// content is posted to the configured HTTP recognition endpoint.
type Engine struct {
	endpoint string
	language string
	client   *http.Client
}

// NewEngine builds an Engine for the given recognition endpoint.
func NewEngine(endpoint, language string, timeout time.Duration) *Engine {
	return &Engine{
		endpoint: endpoint,
		language: language,
		client:   &http.Client{Timeout: timeout},
	}
}

// Recognize implements Recognizer.
func (e *Engine) Recognize(ctx context.Context, data []byte, contentType string) (string, error) {
	if strings.Contains(contentType, "pdf") {
		text, err := pdfutil.ExtractText(data)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if strings.TrimSpace(text) == "" {
			return "", fmt.Errorf("%w: empty document", ErrUnavailable)
		}
		return text, nil
	}
	return e.recognizeImage(ctx, data, contentType)
}

func (e *Engine) recognizeImage(ctx context.Context, data []byte, contentType string) (string, error) {
	if e.endpoint == "" {
		return "", fmt.Errorf("%w: no recognition endpoint configured", ErrUnavailable)
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("language", e.language); err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	fw, err := mw.CreateFormFile("image", "evidence.jpg")
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: recognition service returned %d", ErrUnavailable, resp.StatusCode)
	}
	text, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(string(text)) == "" {
		return "", fmt.Errorf("%w: no text recognized", ErrUnavailable)
	}
	return string(text), nil
}
