// Package worker consumes queued snapshot pushes. It is plugged into the
// asynq worker loop by cmd/worker.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/fieldops/shiftproof/internal/config"
	"github.com/fieldops/shiftproof/internal/model"
	"github.com/fieldops/shiftproof/internal/queue"
	"github.com/fieldops/shiftproof/internal/sync"
)

// Processor handles snapshot push tasks. Backends are built per task from
// the payload (gist) or the environment (s3); the processor deliberately has
// no access to the local store.
type Processor struct {
	cfg *config.Config
}

// NewProcessor constructs a worker processor.
func NewProcessor(cfg *config.Config) *Processor {
	return &Processor{cfg: cfg}
}

// Handler registers the snapshot push handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.SnapshotPushTask, p.handleSnapshotPush)
	return mux
}

func (p *Processor) handleSnapshotPush(ctx context.Context, task *asynq.Task) error {
	var payload queue.SnapshotPushPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	backend, err := p.backend(payload)
	if err != nil {
		return err
	}
	if err := backend.Upload(ctx, payload.Snapshot); err != nil {
		log.Printf("snapshot push via %s failed: %v", backend.Name(), err)
		return err
	}
	log.Printf("snapshot pushed via %s (%d bytes)", backend.Name(), len(payload.Snapshot))
	return nil
}

func (p *Processor) backend(payload queue.SnapshotPushPayload) (sync.Backend, error) {
	switch payload.Backend {
	case "s3":
		return sync.NewS3Backend(p.cfg)
	default:
		factory := sync.GistFactory(p.cfg.BlobAPIBase)
		return factory(model.SyncCredentials{
			EndpointID:  payload.EndpointID,
			AccessToken: payload.AccessToken,
		})
	}
}
