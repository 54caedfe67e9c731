package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// SnapshotPushTask is scheduled when a commit should be followed by a
	// background backup of the whole store.
	SnapshotPushTask = "snapshot:push"
)

// SnapshotPushPayload carries everything the worker needs to refresh the
// remote blob. The snapshot is serialized at enqueue time and the backend
// settings travel with it: the worker process never opens the local database
// file, which has a single-writer lock held by the server.
type SnapshotPushPayload struct {
	Snapshot    json.RawMessage `json:"snapshot"`
	Backend     string          `json:"backend"`
	EndpointID  string          `json:"endpoint_id,omitempty"`
	AccessToken string          `json:"access_token,omitempty"`
}

// EnqueueSnapshotPush enqueues a background snapshot push.
func EnqueueSnapshotPush(ctx context.Context, client *asynq.Client, payload SnapshotPushPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(SnapshotPushTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue snapshot push: %w", err)
	}
	return nil
}
