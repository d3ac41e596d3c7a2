package storage

import (
	"encoding/json"
	"time"
)

// Job statuses. A job is queued on ingest, pushed once the notification
// channel accepted it, failed once the push budget is exhausted.
const (
	JobStatusQueued = "queued"
	JobStatusPushed = "pushed"
	JobStatusFailed = "failed"
)

// Event stages recorded against a job, append-only.
const (
	StageIngest = "ingest"
	StageRoute  = "route"
	StagePush   = "push"
	StageError  = "error"
	StageDedup  = "dedup"
)

// Job is one accepted bridge envelope. IdempotencyKey is unique; a
// replay maps back to the original row.
type Job struct {
	ID             int64
	IdempotencyKey string
	Source         string
	Type           string
	Priority       string
	Timestamp      time.Time
	Payload        json.RawMessage
	Ack            *string
	JobURL         *string
	Dedup          bool
	Status         string
	Retries        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Event is one ledger entry in a job's processing history.
type Event struct {
	ID     int64
	JobID  int64
	Stage  string
	Detail string
	Meta   json.RawMessage
	TS     time.Time
}
