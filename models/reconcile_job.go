package models

import "time"

// ReconcileJob is what the watch endpoint pushes to the pending queue.
// EnqueuedAt is reset on every requeue and drives stale-job recovery.
type ReconcileJob struct {
	FileID      string    `json:"fileId"`
	OwnerID     string    `json:"ownerId"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"maxAttempts"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}
