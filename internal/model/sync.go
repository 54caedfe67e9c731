package model

// SyncCredentials locates the remote blob and carries the secret needed to
// write it. Stored as a single configuration record and mutated only through
// the settings surface.
type SyncCredentials struct {
	EndpointID  string `json:"endpointId"`
	AccessToken string `json:"accessToken"`
}

// Configured reports whether both halves are present.
func (c SyncCredentials) Configured() bool {
	return c.EndpointID != "" && c.AccessToken != ""
}

// Snapshot is the full-store document pushed to and pulled from the remote
// blob. The field names predate this service and must not change: existing
// backups use them.
type Snapshot struct {
	Workers   []Worker         `json:"users"`
	Evidences []EvidenceRecord `json:"evidences"`
	Timestamp int64            `json:"timestamp"`
}
