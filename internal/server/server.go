// Package server exposes the HTTP surface the UI collaborator talks to.
// Handlers do no business logic of their own: they adapt requests onto the
// attendance engine, the syncer and the sweeper, and map errors to statuses.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fieldops/shiftproof/internal/assetcache"
	"github.com/fieldops/shiftproof/internal/attendance"
	"github.com/fieldops/shiftproof/internal/config"
	"github.com/fieldops/shiftproof/internal/model"
	"github.com/fieldops/shiftproof/internal/ocr"
	"github.com/fieldops/shiftproof/internal/queue"
	"github.com/fieldops/shiftproof/internal/retention"
	"github.com/fieldops/shiftproof/internal/store"
	"github.com/fieldops/shiftproof/internal/sync"
	"github.com/fieldops/shiftproof/internal/validate"
)

// Server wires the HTTP routes to the application services.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	engine  *attendance.Engine
	syncer  *sync.Syncer
	sweeper *retention.Sweeper
	queue   *asynq.Client // nil when background pushes are disabled
	assets  *assetcache.Cache

	handler http.Handler
}

// New constructs a Server. queueClient and assets may be nil.
func New(cfg *config.Config, st *store.Store, engine *attendance.Engine, syncer *sync.Syncer, sweeper *retention.Sweeper, queueClient *asynq.Client, assets *assetcache.Cache) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		engine:  engine,
		syncer:  syncer,
		sweeper: sweeper,
		queue:   queueClient,
		assets:  assets,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/workers", s.handleWorkers)
	mux.HandleFunc("/workers/", s.handleWorkerRoute)
	mux.HandleFunc("/settings/credentials", s.handleCredentials)
	mux.HandleFunc("/sync/push", s.handleSyncPush)
	mux.HandleFunc("/sync/pull", s.handleSyncPull)
	mux.HandleFunc("/maintenance/purge", s.handlePurge)
	mux.HandleFunc("/assets", s.handleAsset)
	s.handler = corsMiddleware(loggingMiddleware(mux))
	return s
}

// Handler returns the composed HTTP handler; exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Address, Handler: s.handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("shiftproof listening on %s", s.cfg.Address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

/* --- workers --- */

type workerPayload struct {
	Name   string `json:"name"`
	Branch string `json:"branch"`
	Active bool   `json:"active"`
}

type workerView struct {
	model.Worker
	Today model.DayStatus `json:"today"`
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListWorkers(w, r)
	case http.MethodPost:
		s.handleCreateWorker(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.Workers()
	if err != nil {
		s.respondError(w, err)
		return
	}
	today := time.Now().UTC().Format(model.DateLayout)
	views := make([]workerView, 0, len(workers))
	for _, worker := range workers {
		view := workerView{Worker: worker, Today: model.DayStatusNone}
		if key, err := model.NewEvidenceKey(worker.ID, today); err == nil {
			if rec, err := s.store.GetEvidence(key); err == nil {
				view.Today = rec.Status()
			}
		}
		views = append(views, view)
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	var payload workerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.Name) == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	worker, err := s.engine.NewWorker(strings.TrimSpace(payload.Name), strings.TrimSpace(payload.Branch), payload.Active)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, worker)
}

func (s *Server) handleWorkerRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/workers/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	switch {
	case len(parts) == 1:
		s.handleWorker(w, r, id)
	case parts[1] == "history" && len(parts) == 2:
		s.handleHistory(w, r, id)
	case parts[1] == "stats" && len(parts) == 2:
		s.handleStats(w, r, id)
	case parts[1] == "evidence" && len(parts) >= 3:
		s.handleEvidenceRoute(w, r, id, parts[2:])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		worker, err := s.store.GetWorker(id)
		if err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, worker)
	case http.MethodPut:
		var payload workerPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(payload.Name) == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		worker, err := s.store.GetWorker(id)
		if err != nil {
			s.respondError(w, err)
			return
		}
		worker.Name = strings.TrimSpace(payload.Name)
		worker.Branch = strings.TrimSpace(payload.Branch)
		worker.Active = payload.Active
		if err := s.store.PutWorker(worker); err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, worker)
	case http.MethodDelete:
		if err := s.store.DeleteWorker(id); err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	records, err := s.engine.History(id, 10)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reference := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse(model.DateLayout, raw)
		if err != nil {
			http.Error(w, "invalid date", http.StatusBadRequest)
			return
		}
		reference = parsed
	}
	stats, err := s.engine.Stats(id, reference)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

/* --- evidence --- */

func (s *Server) handleEvidenceRoute(w http.ResponseWriter, r *http.Request, id string, parts []string) {
	date := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetEvidence(w, r, id, date)
	case len(parts) == 2 && parts[1] == "commit" && r.Method == http.MethodPost:
		s.handleCommit(w, r, id, date)
	case len(parts) == 2 && parts[1] == "pending" && r.Method == http.MethodDelete:
		s.engine.DiscardPending(id, date)
		respondJSON(w, http.StatusOK, map[string]string{"discarded": id + "_" + date})
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.handleCapture(w, r, id, date, model.Side(parts[1]))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request, id, date string) {
	key, err := model.NewEvidenceKey(id, date)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.store.GetEvidence(key)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request, id, date string, side model.Side) {
	if !model.ValidSide(side) {
		http.Error(w, fmt.Sprintf("unknown side %q", side), http.StatusBadRequest)
		return
	}
	data, contentType, err := s.readUpload(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.engine.CaptureEvidence(r.Context(), id, date, side, data, contentType)
	if err != nil {
		if isValidationError(err) {
			// The result carries the user-visible rejection message.
			respondJSON(w, http.StatusUnprocessableEntity, result)
			return
		}
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request, id, date string) {
	rec, err := s.engine.CommitEvidence(r.Context(), id, date)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
	s.maybeEnqueueBackup(r)
}

// maybeEnqueueBackup schedules a background snapshot push after a commit.
// Failures are logged, never surfaced: the commit already succeeded.
func (s *Server) maybeEnqueueBackup(r *http.Request) {
	if s.queue == nil || !s.cfg.AutoBackup {
		return
	}
	creds, err := s.store.Credentials()
	if err != nil || (s.cfg.SyncBackend == "gist" && !creds.Configured()) {
		return
	}
	snapshot, err := s.syncer.Snapshot()
	if err != nil {
		log.Printf("auto-backup snapshot failed: %v", err)
		return
	}
	payload := queue.SnapshotPushPayload{
		Snapshot:    snapshot,
		Backend:     s.cfg.SyncBackend,
		EndpointID:  creds.EndpointID,
		AccessToken: creds.AccessToken,
	}
	if err := queue.EnqueueSnapshotPush(r.Context(), s.queue, payload); err != nil {
		log.Printf("auto-backup enqueue failed: %v", err)
	}
}

/* --- settings and sync --- */

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		creds, err := s.store.Credentials()
		if err != nil {
			s.respondError(w, err)
			return
		}
		// The token never leaves the store in clear.
		redacted := creds
		if redacted.AccessToken != "" {
			redacted.AccessToken = "********"
		}
		respondJSON(w, http.StatusOK, redacted)
	case http.MethodPut:
		var creds model.SyncCredentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := s.store.PutCredentials(creds); err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"saved": "credentials"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.syncer.Push(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"pushed": sync.SnapshotFilename})
}

func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.syncer.Pull(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"pulled": sync.SnapshotFilename})
}

type purgePayload struct {
	Days    int  `json:"days"`
	Confirm bool `json:"confirm"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload purgePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !payload.Confirm {
		http.Error(w, "purge requires explicit confirmation", http.StatusBadRequest)
		return
	}
	if payload.Days <= 0 {
		payload.Days = s.cfg.RetentionDays
	}
	deleted, err := s.sweeper.PurgeOlderThan(r.Context(), payload.Days)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"deletedCount": deleted})
}

/* --- asset proxy --- */

// handleAsset serves enumerated CDN assets through the generation cache so
// the shell keeps working offline. Only cache-first origins are allowed
// through; everything else is refused.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		http.Error(w, "asset cache disabled", http.StatusNotFound)
		return
	}
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		http.Error(w, "url parameter required", http.StatusBadRequest)
		return
	}
	if s.assets.PolicyFor(rawURL) != assetcache.PolicyCacheFirst {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	body, contentType, err := s.assets.Fetch(r.Context(), rawURL)
	if err != nil {
		http.Error(w, "asset unavailable", http.StatusBadGateway)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

/* --- helpers --- */

// readUpload reads the "file" part of a multipart upload into memory and
// sniffs its content type. Photos are small after the client takes them, and
// the normalizer needs the whole buffer anyway.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", fmt.Errorf("expecting multipart form")
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, "", fmt.Errorf("file part missing")
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(io.LimitReader(part, s.cfg.MaxUploadBytes+1))
		part.Close()
		if err != nil {
			return nil, "", fmt.Errorf("read upload: %w", err)
		}
		if int64(len(data)) > s.cfg.MaxUploadBytes {
			return nil, "", fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxUploadBytes)
		}
		if len(data) == 0 {
			return nil, "", fmt.Errorf("empty file")
		}
		sniff := data
		if len(sniff) > 512 {
			sniff = sniff[:512]
		}
		contentType := http.DetectContentType(sniff)
		if !allowedUpload(contentType) {
			return nil, "", fmt.Errorf("unsupported content type %s", contentType)
		}
		return data, contentType, nil
	}
}

func allowedUpload(contentType string) bool {
	switch {
	case strings.HasPrefix(contentType, "image/jpeg"),
		strings.HasPrefix(contentType, "image/png"),
		strings.HasPrefix(contentType, "image/webp"),
		strings.HasPrefix(contentType, "application/pdf"):
		return true
	}
	return false
}

func isValidationError(err error) bool {
	return errors.Is(err, validate.ErrPatternNotFound) ||
		errors.Is(err, validate.ErrDateMismatch) ||
		errors.Is(err, validate.ErrForbiddenCode)
}

// respondError maps service errors onto HTTP statuses. Store read/write
// failures are reported and the process keeps serving.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, attendance.ErrIncompleteValidation),
		errors.Is(err, attendance.ErrNothingToCommit),
		errors.Is(err, sync.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, sync.ErrMissingCredentials):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ocr.ErrUnavailable),
		errors.Is(err, sync.ErrRemoteUnavailable),
		errors.Is(err, sync.ErrMalformedRemote):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		log.Printf("internal error: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
