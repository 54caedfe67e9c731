// Package store is the local persistence layer: one bbolt file with three
// named buckets holding workers, evidence records and configuration. The rest
// of the application treats it as the single owner of all persisted state.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fieldops/shiftproof/internal/model"
)

var (
	// ErrNotFound is returned when a key has no record in its bucket.
	ErrNotFound = errors.New("record not found")
	// ErrOpenFailed marks a failure to open the database file. It is fatal
	// to the application: callers must not continue past initialization.
	ErrOpenFailed = errors.New("store open failed")
)

const (
	bucketWorkers   = "workers"
	bucketEvidences = "evidences"
	bucketConfig    = "config"

	credentialsKey = "gist_credentials"
)

// Store wraps the bbolt database. All values are JSON-encoded; evidence
// records are keyed by the canonical form of their EvidenceKey.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database at path and provisions the
// buckets. Provisioning is additive: existing buckets are never dropped, so
// reopening an older file only adds what is missing.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketWorkers, bucketEvidences, bucketConfig} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %v", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutWorker inserts or replaces a worker wholesale and stamps UpdatedAt.
func (s *Store) PutWorker(w *model.Worker) error {
	w.UpdatedAt = time.Now().UTC()
	return s.put(bucketWorkers, w.ID, w)
}

// GetWorker returns the worker with the given id.
func (s *Store) GetWorker(id string) (*model.Worker, error) {
	var w model.Worker
	if err := s.get(bucketWorkers, id, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Workers returns all workers in unspecified order.
func (s *Store) Workers() ([]model.Worker, error) {
	var out []model.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketWorkers)).ForEach(func(_, v []byte) error {
			var w model.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return fmt.Errorf("decode worker: %w", err)
			}
			out = append(out, w)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list workers: %w", err)
	}
	return out, nil
}

// DeleteWorker removes the worker and cascades to every evidence record that
// belongs to them, in a single transaction.
func (s *Store) DeleteWorker(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketWorkers)).Delete([]byte(id)); err != nil {
			return err
		}
		eb := tx.Bucket([]byte(bucketEvidences))
		c := eb.Cursor()
		prefix := []byte(id + "_")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			// The prefix scan over-matches when another worker's id extends
			// this one past the separator (w1 vs w1_x); the parsed key is
			// authoritative.
			key, err := model.ParseEvidenceKey(string(k))
			if err != nil || key.WorkerID != id {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: delete worker %s: %w", id, err)
	}
	return nil
}

// PutEvidence upserts an evidence record, forcing the ID to the canonical
// composite key so a record can never drift away from it.
func (s *Store) PutEvidence(rec *model.EvidenceRecord) error {
	key, err := model.NewEvidenceKey(rec.WorkerID, rec.Date)
	if err != nil {
		return fmt.Errorf("store: put evidence: %w", err)
	}
	rec.ID = key.String()
	return s.put(bucketEvidences, rec.ID, rec)
}

// GetEvidence returns the record for one worker/date pair.
func (s *Store) GetEvidence(key model.EvidenceKey) (*model.EvidenceRecord, error) {
	var rec model.EvidenceRecord
	if err := s.get(bucketEvidences, key.String(), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Evidences returns every evidence record in unspecified order.
func (s *Store) Evidences() ([]model.EvidenceRecord, error) {
	var out []model.EvidenceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEvidences)).ForEach(func(_, v []byte) error {
			var rec model.EvidenceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode evidence: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list evidences: %w", err)
	}
	return out, nil
}

// WorkerEvidences returns one worker's records via a prefix scan over the
// composite keys.
func (s *Store) WorkerEvidences(workerID string) ([]model.EvidenceRecord, error) {
	var out []model.EvidenceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketEvidences)).Cursor()
		prefix := []byte(workerID + "_")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec model.EvidenceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode evidence: %w", err)
			}
			// The prefix also matches ids that merely extend workerID past
			// the separator; keep only exact owners.
			if rec.WorkerID != workerID {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: worker evidences: %w", err)
	}
	return out, nil
}

// DeleteEvidence removes a single record. Deleting an absent key is a no-op.
func (s *Store) DeleteEvidence(key model.EvidenceKey) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEvidences)).Delete([]byte(key.String()))
	})
	if err != nil {
		return fmt.Errorf("store: delete evidence %s: %w", key, err)
	}
	return nil
}

// ReplaceSnapshot atomically clears the worker and evidence buckets and bulk
// inserts the given sets. Only the sync pull path uses this; nothing is
// written unless every insert succeeds.
func (s *Store) ReplaceSnapshot(workers []model.Worker, evidences []model.EvidenceRecord) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := resetBucket(tx, bucketWorkers); err != nil {
			return err
		}
		if err := resetBucket(tx, bucketEvidences); err != nil {
			return err
		}
		wb := tx.Bucket([]byte(bucketWorkers))
		for i := range workers {
			data, err := json.Marshal(&workers[i])
			if err != nil {
				return fmt.Errorf("encode worker: %w", err)
			}
			if err := wb.Put([]byte(workers[i].ID), data); err != nil {
				return err
			}
		}
		eb := tx.Bucket([]byte(bucketEvidences))
		for i := range evidences {
			key, err := model.NewEvidenceKey(evidences[i].WorkerID, evidences[i].Date)
			if err != nil {
				return fmt.Errorf("snapshot evidence: %w", err)
			}
			evidences[i].ID = key.String()
			data, err := json.Marshal(&evidences[i])
			if err != nil {
				return fmt.Errorf("encode evidence: %w", err)
			}
			if err := eb.Put([]byte(evidences[i].ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: replace snapshot: %w", err)
	}
	return nil
}

// Credentials returns the stored sync credentials, or the zero value when the
// settings form has never been saved.
func (s *Store) Credentials() (model.SyncCredentials, error) {
	var creds model.SyncCredentials
	err := s.get(bucketConfig, credentialsKey, &creds)
	if errors.Is(err, ErrNotFound) {
		return model.SyncCredentials{}, nil
	}
	if err != nil {
		return model.SyncCredentials{}, err
	}
	return creds, nil
}

// PutCredentials stores the sync credentials.
func (s *Store) PutCredentials(creds model.SyncCredentials) error {
	return s.put(bucketConfig, credentialsKey, creds)
}

func (s *Store) put(bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", bucket, key, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *Store) get(bucket, key string, v interface{}) error {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if raw != nil {
			data = append(data, raw...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: get %s/%s: %w", bucket, key, err)
	}
	if data == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode %s/%s: %w", bucket, key, err)
	}
	return nil
}

func resetBucket(tx *bolt.Tx, name string) error {
	if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return err
	}
	_, err := tx.CreateBucket([]byte(name))
	return err
}
