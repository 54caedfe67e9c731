// Package sync pushes and pulls the entire local store as one JSON snapshot
// against a remote single-file blob. There is no merge: push overwrites the
// remote wholesale and pull overwrites the local collections wholesale. That
// is a documented limitation of the backup scheme, not an accident.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fieldops/shiftproof/internal/model"
	"github.com/fieldops/shiftproof/internal/store"
)

var (
	// ErrMissingCredentials means the remote blob location or token is not
	// configured.
	ErrMissingCredentials = errors.New("sync credentials missing")
	// ErrRemoteUnavailable means the remote endpoint answered with a
	// non-success status or did not answer at all.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrMalformedRemote means the remote blob exists but does not contain
	// a parseable snapshot under the well-known filename.
	ErrMalformedRemote = errors.New("malformed remote file")
	// ErrBusy means a push or pull is already in flight in this process.
	ErrBusy = errors.New("sync already in progress")
)

// SnapshotFilename is the well-known filename inside the remote blob. It is
// fixed for the lifetime of the system: changing it orphans prior backups.
const SnapshotFilename = "gestion_asistencias_full.json"

// SnapshotDescription labels the remote blob on push.
const SnapshotDescription = "Backup Asistencias - Gestion Promotores"

// Backend stores and fetches the raw snapshot document.
type Backend interface {
	Name() string
	Upload(ctx context.Context, content []byte) error
	Download(ctx context.Context) ([]byte, error)
}

// BackendFactory builds a Backend from the stored credentials. It is a
// factory because gist credentials live in the local store and can change
// between calls.
type BackendFactory func(creds model.SyncCredentials) (Backend, error)

// Syncer serializes the store to the remote blob and back. Push and pull are
// mutually exclusive within the process; a second call while one is in
// flight fails with ErrBusy instead of interleaving.
type Syncer struct {
	store   *store.Store
	backend BackendFactory
	busy    atomic.Bool
}

// New builds a Syncer over the given store and backend factory.
func New(st *store.Store, factory BackendFactory) *Syncer {
	return &Syncer{store: st, backend: factory}
}

// Snapshot serializes the current store content into the snapshot document.
func (s *Syncer) Snapshot() ([]byte, error) {
	workers, err := s.store.Workers()
	if err != nil {
		return nil, err
	}
	evidences, err := s.store.Evidences()
	if err != nil {
		return nil, err
	}
	snap := model.Snapshot{
		Workers:   workers,
		Evidences: evidences,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Push serializes the whole store and overwrites the remote blob with it.
func (s *Syncer) Push(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	backend, err := s.resolveBackend()
	if err != nil {
		return err
	}
	data, err := s.Snapshot()
	if err != nil {
		return err
	}
	return backend.Upload(ctx, data)
}

// PushPayload overwrites the remote blob with an already-serialized snapshot.
// Used by the background worker, whose payload was serialized at enqueue time.
func (s *Syncer) PushPayload(ctx context.Context, data []byte) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	backend, err := s.resolveBackend()
	if err != nil {
		return err
	}
	return backend.Upload(ctx, data)
}

// Pull fetches the remote snapshot and destructively replaces the local
// worker and evidence collections with it. The store is only touched after
// the document has parsed completely: a transport abort or malformed body
// leaves local data exactly as it was.
func (s *Syncer) Pull(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	backend, err := s.resolveBackend()
	if err != nil {
		return err
	}
	data, err := backend.Download(ctx)
	if err != nil {
		return err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRemote, err)
	}
	return s.store.ReplaceSnapshot(snap.Workers, snap.Evidences)
}

func (s *Syncer) resolveBackend() (Backend, error) {
	creds, err := s.store.Credentials()
	if err != nil {
		return nil, err
	}
	return s.backend(creds)
}
