package jobs

import (
	"fmt"
	"sync"
	"time"
)

type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
	StatusUnknown   Status = "UNKNOWN"
)

// Terminal states never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// InFlight covers jobs the scheduler still owns.
func (s Status) InFlight() bool {
	return s == StatusSubmitted || s == StatusPending || s == StatusRunning
}

// Bad covers terminal states other than success.
func (s Status) Bad() bool {
	return s == StatusFailed || s == StatusCancelled || s == StatusTimeout
}

// Record tracks one experiment's batch job.
type Record struct {
	Experiment string
	JobID      string
	Status     Status
	// Host is the scheduler host every status query for this job goes to.
	Host string
	// Path is the experiment directory on Host; the output fallback looks there.
	Path string
	// RunID is the pipeline run that submitted the job; empty for ad-hoc submissions.
	RunID       string
	SubmittedAt time.Time
	UpdatedAt   time.Time
	// Note carries the reason behind an UNKNOWN status.
	Note string
}

// Tracker owns the job records of every run. Records leave only through
// ClearCompleted.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*Record)}
}

// Put starts tracking rec, replacing any earlier job for the same experiment.
func (t *Tracker) Put(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[rec.Experiment]; !ok {
		t.order = append(t.order, rec.Experiment)
	}
	r := rec
	t.records[rec.Experiment] = &r
}

// Update moves experiment's job to status. It is a no-op when the record
// is gone, belongs to another job id, or is already terminal.
func (t *Tracker) Update(experiment, jobID string, status Status, note string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[experiment]
	if !ok || r.JobID != jobID {
		return fmt.Errorf("no tracked job %s for %s", jobID, experiment)
	}
	if r.Status.Terminal() {
		if r.Status == status {
			return nil
		}
		return fmt.Errorf("job %s for %s is already %s", jobID, experiment, r.Status)
	}
	r.Status = status
	r.Note = note
	r.UpdatedAt = at
	return nil
}

func (t *Tracker) Get(experiment string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[experiment]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Snapshot returns every record in submission order.
func (t *Tracker) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, *t.records[name])
	}
	return out
}

// Statuses maps each tracked experiment to its last known status.
func (t *Tracker) Statuses() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.records))
	for name, r := range t.records {
		out[name] = r.Status
	}
	return out
}

// List returns experiments whose status satisfies pred, in submission order.
func (t *Tracker) List(pred func(Status) bool) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for _, name := range t.order {
		if pred(t.records[name].Status) {
			out = append(out, name)
		}
	}
	return out
}

// ClearCompleted drops COMPLETED records and returns their experiment names.
func (t *Tracker) ClearCompleted() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	kept := t.order[:0]
	for _, name := range t.order {
		if t.records[name].Status == StatusCompleted {
			removed = append(removed, name)
			delete(t.records, name)
			continue
		}
		kept = append(kept, name)
	}
	t.order = kept
	return removed
}
