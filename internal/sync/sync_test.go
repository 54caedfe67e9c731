package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/fieldops/shiftproof/internal/model"
	"github.com/fieldops/shiftproof/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedStore(t *testing.T, s *store.Store) {
	t.Helper()
	if err := s.PutWorker(&model.Worker{ID: "w1", Name: "Ana", Branch: "Centro", Active: true}); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	if err := s.PutEvidence(&model.EvidenceRecord{WorkerID: "w1", Date: "2025-11-21", CheckInImage: "in"}); err != nil {
		t.Fatalf("seed evidence: %v", err)
	}
	if err := s.PutCredentials(model.SyncCredentials{EndpointID: "abc123", AccessToken: "tok"}); err != nil {
		t.Fatalf("seed creds: %v", err)
	}
}

func TestPushSendsSnapshot(t *testing.T) {
	st := openTestStore(t)
	seedStore(t, st)

	var gotMethod, gotAuth, gotPath string
	var gotBody gistDocument
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	syncer := New(st, GistFactory(srv.URL))
	if err := syncer.Push(context.Background()); err != nil {
		t.Fatalf("push: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/gists/abc123" {
		t.Fatalf("request: %s %s", gotMethod, gotPath)
	}
	if gotAuth != "token tok" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	file, ok := gotBody.Files[SnapshotFilename]
	if !ok {
		t.Fatalf("well-known filename missing from payload: %+v", gotBody.Files)
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(file.Content), &snap); err != nil {
		t.Fatalf("snapshot content: %v", err)
	}
	if len(snap.Workers) != 1 || len(snap.Evidences) != 1 || snap.Timestamp == 0 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestPushMissingCredentials(t *testing.T) {
	st := openTestStore(t)
	syncer := New(st, GistFactory("http://unused.invalid"))
	if err := syncer.Push(context.Background()); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestPushRemoteUnavailable(t *testing.T) {
	st := openTestStore(t)
	seedStore(t, st)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	syncer := New(st, GistFactory(srv.URL))
	if err := syncer.Push(context.Background()); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
}

func remoteSnapshot(t *testing.T) string {
	t.Helper()
	content, err := json.Marshal(model.Snapshot{
		Workers:   []model.Worker{{ID: "r1", Name: "Remote Rita"}},
		Evidences: []model.EvidenceRecord{{WorkerID: "r1", Date: "2025-11-20", CheckOutImage: "out"}},
		Timestamp: 1763680000000,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(content)
}

func TestPullReplacesLocalState(t *testing.T) {
	st := openTestStore(t)
	seedStore(t, st)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		json.NewEncoder(w).Encode(gistDocument{Files: map[string]gistFile{
			SnapshotFilename: {Content: remoteSnapshot(t)},
		}})
	}))
	defer srv.Close()

	syncer := New(st, GistFactory(srv.URL))
	if err := syncer.Pull(context.Background()); err != nil {
		t.Fatalf("pull: %v", err)
	}

	workers, _ := st.Workers()
	evidences, _ := st.Evidences()
	if len(workers) != 1 || workers[0].ID != "r1" {
		t.Fatalf("workers after pull: %+v", workers)
	}
	if len(evidences) != 1 || evidences[0].ID != "r1_2025-11-20" {
		t.Fatalf("evidences after pull: %+v", evidences)
	}
}

func TestPullMalformedRemoteLeavesStoreUntouched(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"filename absent": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(gistDocument{Files: map[string]gistFile{
				"otros_datos.json": {Content: "{}"},
			}})
		},
		"invalid json content": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(gistDocument{Files: map[string]gistFile{
				SnapshotFilename: {Content: "{{{not json"},
			}})
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			st := openTestStore(t)
			seedStore(t, st)
			srv := httptest.NewServer(handler)
			defer srv.Close()

			syncer := New(st, GistFactory(srv.URL))
			if err := syncer.Pull(context.Background()); !errors.Is(err, ErrMalformedRemote) {
				t.Fatalf("expected ErrMalformedRemote, got %v", err)
			}
			workers, _ := st.Workers()
			if len(workers) != 1 || workers[0].ID != "w1" {
				t.Fatalf("local state modified on failed pull: %+v", workers)
			}
		})
	}
}

func TestPullRemoteErrorLeavesStoreUntouched(t *testing.T) {
	st := openTestStore(t)
	seedStore(t, st)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	syncer := New(st, GistFactory(srv.URL))
	if err := syncer.Pull(context.Background()); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	workers, _ := st.Workers()
	if len(workers) != 1 {
		t.Fatalf("local state modified on failed pull: %+v", workers)
	}
}

func TestPushPullMutualExclusion(t *testing.T) {
	st := openTestStore(t)
	seedStore(t, st)
	syncer := New(st, GistFactory("http://unused.invalid"))

	// Simulate an outstanding operation.
	syncer.busy.Store(true)
	if err := syncer.Push(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from push, got %v", err)
	}
	if err := syncer.Pull(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from pull, got %v", err)
	}
	syncer.busy.Store(false)
}
