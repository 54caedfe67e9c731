package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fieldops/shiftproof/internal/model"
)

// GistBackend talks to a Gist-style blob endpoint: GET /gists/{id} returns a
// filename-to-content mapping, PATCH /gists/{id} updates named files in
// place. Authentication is a bearer-style token header.
type GistBackend struct {
	apiBase string
	creds   model.SyncCredentials
	client  *http.Client
}

// GistFactory returns a BackendFactory bound to the given API base URL.
func GistFactory(apiBase string) BackendFactory {
	client := &http.Client{Timeout: 60 * time.Second}
	return func(creds model.SyncCredentials) (Backend, error) {
		if !creds.Configured() {
			return nil, ErrMissingCredentials
		}
		return &GistBackend{apiBase: apiBase, creds: creds, client: client}, nil
	}
}

// Name implements Backend.
func (g *GistBackend) Name() string { return "gist" }

type gistFile struct {
	Content string `json:"content"`
}

type gistDocument struct {
	Description string              `json:"description,omitempty"`
	Files       map[string]gistFile `json:"files"`
}

// Upload overwrites the well-known file inside the gist with content.
func (g *GistBackend) Upload(ctx context.Context, content []byte) error {
	payload := gistDocument{
		Description: SnapshotDescription,
		Files: map[string]gistFile{
			SnapshotFilename: {Content: string(content)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode gist payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, g.gistURL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	g.setHeaders(req)
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: push returned %d", ErrRemoteUnavailable, resp.StatusCode)
	}
	return nil
}

// Download fetches the gist and returns the well-known file's content.
func (g *GistBackend) Download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.gistURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	g.setHeaders(req)
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: pull returned %d", ErrRemoteUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	var doc gistDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRemote, err)
	}
	file, ok := doc.Files[SnapshotFilename]
	if !ok {
		return nil, fmt.Errorf("%w: %s not present in blob", ErrMalformedRemote, SnapshotFilename)
	}
	return []byte(file.Content), nil
}

func (g *GistBackend) gistURL() string {
	return fmt.Sprintf("%s/gists/%s", g.apiBase, g.creds.EndpointID)
}

func (g *GistBackend) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "token "+g.creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
}
