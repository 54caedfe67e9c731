package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fieldops/shiftproof/internal/assetcache"
	"github.com/fieldops/shiftproof/internal/attendance"
	"github.com/fieldops/shiftproof/internal/config"
	"github.com/fieldops/shiftproof/internal/model"
	"github.com/fieldops/shiftproof/internal/photo"
	"github.com/fieldops/shiftproof/internal/retention"
	"github.com/fieldops/shiftproof/internal/store"
	"github.com/fieldops/shiftproof/internal/sync"
	"github.com/fieldops/shiftproof/internal/validate"
)

type fakeRecognizer struct {
	text string
	err  error
}

func (f *fakeRecognizer) Recognize(ctx context.Context, data []byte, contentType string) (string, error) {
	return f.text, f.err
}

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for x := 0; x < 40; x++ {
		for y := 0; y < 30; y++ {
			img.Set(x, y, color.RGBA{R: 180, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func slipText(date string) string {
	return date + " 4:30 p.m. Región 3 48213 XJ9Q"
}

// testServer wires a real store and engine behind the HTTP handler, with a
// canned recognizer and a fixed clock so dates in requests stay stable.
func testServer(t *testing.T, rec *fakeRecognizer) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Address:        ":0",
		MaxUploadBytes: 10 << 20,
		SyncBackend:    "gist",
		RetentionDays:  30,
	}
	v := &validate.Validator{Now: func() time.Time {
		return time.Date(2025, time.November, 21, 10, 0, 0, 0, time.UTC)
	}}
	engine := attendance.New(st, photo.New(600, 70), rec, v)
	syncer := sync.New(st, sync.GistFactory("http://127.0.0.1:1"))
	sweeper := retention.New(st, syncer)

	srv := New(cfg, st, engine, syncer, sweeper, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createWorker(t *testing.T, baseURL string) model.Worker {
	t.Helper()
	resp := postJSON(t, baseURL+"/workers", map[string]interface{}{
		"name": "Ana Torres", "branch": "Centro", "active": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create worker status = %d", resp.StatusCode)
	}
	var w model.Worker
	decode(t, resp, &w)
	return w
}

func uploadEvidence(t *testing.T, url string, payload []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "slip.png")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()
	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	ts, _ := testServer(t, &fakeRecognizer{})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	ts, _ := testServer(t, &fakeRecognizer{})
	w := createWorker(t, ts.URL)
	if w.ID == "" {
		t.Fatal("created worker has no id")
	}

	resp, err := http.Get(ts.URL + "/workers")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list []struct {
		model.Worker
		Today model.DayStatus `json:"today"`
	}
	decode(t, resp, &list)
	if len(list) != 1 || list[0].ID != w.ID {
		t.Fatalf("list = %+v, want the created worker", list)
	}
	if list[0].Today != model.DayStatusNone {
		t.Fatalf("today = %q, want %q", list[0].Today, model.DayStatusNone)
	}

	resp = doJSON(t, http.MethodPut, ts.URL+"/workers/"+w.ID, map[string]interface{}{
		"name": "Ana T.", "branch": "Norte", "active": false,
	})
	var updated model.Worker
	decode(t, resp, &updated)
	if updated.Name != "Ana T." || updated.Branch != "Norte" || updated.Active {
		t.Fatalf("updated = %+v", updated)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/workers/"+w.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, err = http.Get(ts.URL + "/workers/" + w.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", resp.StatusCode)
	}
}

func TestWorkerUpdateRequiresName(t *testing.T) {
	ts, _ := testServer(t, &fakeRecognizer{})
	w := createWorker(t, ts.URL)

	resp := doJSON(t, http.MethodPut, ts.URL+"/workers/"+w.ID, map[string]interface{}{
		"name": "   ", "branch": "Norte", "active": true,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/workers/" + w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var kept model.Worker
	decode(t, getResp, &kept)
	if kept.Name != "Ana Torres" {
		t.Fatalf("name was erased: %+v", kept)
	}
}

func TestCaptureThenCommit(t *testing.T) {
	ts, _ := testServer(t, &fakeRecognizer{text: slipText("21/11/25")})
	w := createWorker(t, ts.URL)

	base := fmt.Sprintf("%s/workers/%s/evidence/2025-11-21", ts.URL, w.ID)
	resp := uploadEvidence(t, base+"/checkIn", testImage(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture status = %d", resp.StatusCode)
	}
	var result model.ValidationResult
	decode(t, resp, &result)
	if !result.Valid || result.CombinedCode != "48213-XJ9Q" {
		t.Fatalf("result = %+v", result)
	}

	// Nothing persisted yet.
	resp, err := http.Get(base)
	if err != nil {
		t.Fatalf("get evidence: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pre-commit status = %d, want 404", resp.StatusCode)
	}

	resp = postJSON(t, base+"/commit", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("commit status = %d", resp.StatusCode)
	}
	var rec model.EvidenceRecord
	decode(t, resp, &rec)
	if rec.CheckInImage == "" || !strings.HasPrefix(rec.CheckInImage, "data:image/jpeg;base64,") {
		t.Fatalf("committed record missing check-in image: %+v", rec)
	}

	resp, err = http.Get(base)
	if err != nil {
		t.Fatalf("get evidence: %v", err)
	}
	decode(t, resp, &rec)
	if rec.WorkerID != w.ID || rec.Date != "2025-11-21" {
		t.Fatalf("stored record = %+v", rec)
	}
}

func TestCaptureRejectsMismatchedDate(t *testing.T) {
	ts, _ := testServer(t, &fakeRecognizer{text: slipText("19/11/25")})
	w := createWorker(t, ts.URL)

	url := fmt.Sprintf("%s/workers/%s/evidence/2025-11-21/checkIn", ts.URL, w.ID)
	resp := uploadEvidence(t, url, testImage(t))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var result model.ValidationResult
	decode(t, resp, &result)
	if result.Valid || result.Message == "" {
		t.Fatalf("result = %+v, want invalid with message", result)
	}
}

func TestCommitWithoutCaptureConflicts(t *testing.T) {
	ts, _ := testServer(t, &fakeRecognizer{})
	w := createWorker(t, ts.URL)

	resp := postJSON(t, fmt.Sprintf("%s/workers/%s/evidence/2025-11-21/commit", ts.URL, w.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	ts, _ := testServer(t, &fakeRecognizer{text: slipText("21/11/25")})
	w := createWorker(t, ts.URL)

	url := fmt.Sprintf("%s/workers/%s/evidence/2025-11-21/checkIn", ts.URL, w.ID)
	resp := uploadEvidence(t, url, []byte("plain text pretending to be a photo"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCredentialsAreRedacted(t *testing.T) {
	ts, _ := testServer(t, &fakeRecognizer{})

	resp := doJSON(t, http.MethodPut, ts.URL+"/settings/credentials", model.SyncCredentials{
		EndpointID: "abc123", AccessToken: "ghp_secret",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/settings/credentials")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var creds model.SyncCredentials
	decode(t, getResp, &creds)
	if creds.EndpointID != "abc123" {
		t.Fatalf("endpoint = %q", creds.EndpointID)
	}
	if creds.AccessToken != "********" {
		t.Fatalf("token leaked: %q", creds.AccessToken)
	}
}

func TestSyncPushWithoutCredentials(t *testing.T) {
	ts, _ := testServer(t, &fakeRecognizer{})
	resp := postJSON(t, ts.URL+"/sync/push", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPurgeRequiresConfirmation(t *testing.T) {
	ts, _ := testServer(t, &fakeRecognizer{})

	resp := postJSON(t, ts.URL+"/maintenance/purge", map[string]interface{}{"days": 30})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unconfirmed status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/maintenance/purge", map[string]interface{}{"days": 30, "confirm": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirmed status = %d", resp.StatusCode)
	}
	var out map[string]int
	decode(t, resp, &out)
	if out["deletedCount"] != 0 {
		t.Fatalf("deletedCount = %d, want 0 on empty store", out["deletedCount"])
	}
}

func TestAssetProxyServesCDNOnly(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		w.Write([]byte("window.lib = {}"))
	}))
	defer cdn.Close()

	st, err := store.Open(filepath.Join(t.TempDir(), "assets.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	blobBase := "https://api.github.com"
	cfg := &config.Config{Address: ":0", MaxUploadBytes: 10 << 20, SyncBackend: "gist", RetentionDays: 30}
	engine := attendance.New(st, photo.New(600, 70), &fakeRecognizer{}, validate.New())
	syncer := sync.New(st, sync.GistFactory(blobBase))
	assets := assetcache.New("v1", nil, []string{cdn.URL}, []string{blobBase})

	srv := New(cfg, st, engine, syncer, retention.New(st, syncer), nil, assets)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/assets?url=" + url.QueryEscape(cdn.URL+"/lib.js"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "window.lib = {}" {
		t.Fatalf("cdn asset: status %d body %q", resp.StatusCode, body)
	}

	// The blob endpoint origin always bypasses the cache layer and is never
	// served through the proxy.
	resp, err = http.Get(ts.URL + "/assets?url=" + url.QueryEscape(blobBase+"/gists/abc"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("blob origin status = %d, want 403", resp.StatusCode)
	}
}

func TestStatsForWeek(t *testing.T) {
	ts, st := testServer(t, &fakeRecognizer{})
	w := createWorker(t, ts.URL)

	for _, date := range []string{"2025-11-17", "2025-11-18"} {
		rec := &model.EvidenceRecord{
			WorkerID:      w.ID,
			Date:          date,
			CheckInImage:  "data:image/jpeg;base64,a",
			CheckOutImage: "data:image/jpeg;base64,b",
		}
		if err := st.PutEvidence(rec); err != nil {
			t.Fatalf("seed evidence: %v", err)
		}
	}

	resp, err := http.Get(fmt.Sprintf("%s/workers/%s/stats?date=2025-11-21", ts.URL, w.ID))
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	var stats attendance.WeeklyStats
	decode(t, resp, &stats)
	if stats.CompletedDays != 2 {
		t.Fatalf("completedDays = %d, want 2", stats.CompletedDays)
	}
	if stats.Percent != 33 {
		t.Fatalf("percent = %d, want 33", stats.Percent)
	}
}
