package cron

import "github.com/google/uuid"

// Schedule describes when a job fires. Kind selects which of the other
// fields is meaningful: "cron" uses Expr (a robfig/cron seconds-enabled
// expression), "every" uses EveryMs as a fixed-interval tick, "at" uses
// AtMs as a one-shot unix-millisecond deadline.
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Payload is what a job hands to Service.OnJob and, optionally, where the
// result should be delivered afterward.
type Payload struct {
	Message string `json:"message"`
	Deliver bool   `json:"deliver,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// JobState tracks the last execution outcome for a job, persisted alongside
// the job definition so a restart doesn't lose "every"/"at" scheduling
// progress.
type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// CronJob is one scheduled unit of work.
type CronJob struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Enabled         bool     `json:"enabled"`
	Schedule        Schedule `json:"schedule"`
	Payload         Payload  `json:"payload"`
	State           JobState `json:"state"`
	DeleteAfterRun  bool     `json:"deleteAfterRun,omitempty"`
}

// NewCronJob builds a job enabled by default with a fresh ID.
func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:       uuid.NewString(),
		Name:     name,
		Enabled:  true,
		Schedule: schedule,
		Payload:  payload,
	}
}
