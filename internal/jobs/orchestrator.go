// Package jobs submits one SLURM batch job per experiment and reconciles
// job state by polling the scheduler.
//
// A job moves SUBMITTED -> PENDING/RUNNING while squeue lists it. Once it
// leaves the queue, sacct decides the terminal state; when accounting has
// nothing to say, the expected output files decide.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tastythames/lab-pipeline/internal/experiment"
	"github.com/tastythames/lab-pipeline/internal/remote"
	"github.com/tastythames/lab-pipeline/internal/sshclient"
)

// Runner executes shell commands on a host.
type Runner interface {
	Execute(ctx context.Context, host, command string, timeout time.Duration) remote.CommandResult
}

// SubmissionError is one experiment that could not be submitted.
type SubmissionError struct {
	Experiment string
	Stage      string
	Output     string
	Err        error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("%s: %s failed", e.Experiment, e.Stage)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// StatusUnknownError means neither the queue, accounting nor the output
// check could settle a job's state.
type StatusUnknownError struct {
	Experiment string
	JobID      string
	Reason     string
}

func (e *StatusUnknownError) Error() string {
	return fmt.Sprintf("status of job %s (%s) unknown: %s", e.JobID, e.Experiment, e.Reason)
}

type Options struct {
	Script         ScriptOptions
	CommandTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

type Orchestrator struct {
	run     Runner
	tracker *Tracker
	opts    Options
	log     *slog.Logger
}

// New returns an orchestrator recording into tracker. A nil tracker gets a fresh one.
func New(r Runner, tracker *Tracker, opts Options) *Orchestrator {
	if tracker == nil {
		tracker = NewTracker()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = remote.DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{run: r, tracker: tracker, opts: opts, log: opts.Logger}
}

func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// SubmitWorkflow submits one job per experiment under projectPath and
// returns whether all succeeded plus a summary for humans.
func (o *Orchestrator) SubmitWorkflow(ctx context.Context, names []string, host, projectPath, workflowPath, condaEnv string) (bool, string) {
	return o.SubmitRun(ctx, "", names, host, projectPath, workflowPath, condaEnv)
}

// SubmitRun is SubmitWorkflow with every new record tagged with runID.
func (o *Orchestrator) SubmitRun(ctx context.Context, runID string, names []string, host, projectPath, workflowPath, condaEnv string) (bool, string) {
	var submitted []string
	var failed []string
	for _, name := range names {
		rec, err := o.submitOne(ctx, name, host, projectPath, workflowPath, condaEnv)
		if err != nil {
			failed = append(failed, err.Error())
			o.log.Error("jobs: submit failed", "host", host, "item", name, "ok", false, "err", err)
			continue
		}
		rec.RunID = runID
		o.tracker.Put(rec)
		submitted = append(submitted, name)
		o.log.Info("jobs: submitted", "run_id", runID, "host", host, "item", name, "ok", true, "job_id", rec.JobID)
	}

	if len(failed) > 0 {
		return false, fmt.Sprintf("Workflow submission: %d succeeded / %d failed\nErrors: %s",
			len(submitted), len(failed), strings.Join(failed, "; "))
	}
	return true, fmt.Sprintf("Successfully submitted %d workflow jobs", len(submitted))
}

func (o *Orchestrator) submitOne(ctx context.Context, name, host, projectPath, workflowPath, condaEnv string) (Record, error) {
	if err := sshclient.ValidateName(name); err != nil {
		return Record{}, &SubmissionError{Experiment: name, Stage: "validate", Err: err}
	}
	expPath := sshclient.JoinPath(projectPath, name)

	script, err := RenderScript(name, expPath, workflowPath, condaEnv, o.opts.Script)
	if err != nil {
		return Record{}, &SubmissionError{Experiment: name, Stage: "render script", Err: err}
	}
	scriptPath := expPath + "/" + ScriptName
	write, err := sshclient.CmdWriteScript(scriptPath, script)
	if err != nil {
		return Record{}, &SubmissionError{Experiment: name, Stage: "create script", Err: err}
	}
	if r := o.run.Execute(ctx, host, write.String(), o.opts.CommandTimeout); !r.Succeeded {
		return Record{}, &SubmissionError{Experiment: name, Stage: "create script", Output: strings.TrimSpace(r.Stderr)}
	}

	r := o.run.Execute(ctx, host, sshclient.CmdSubmit(expPath, scriptPath).String(), o.opts.CommandTimeout)
	if !r.Succeeded {
		return Record{}, &SubmissionError{Experiment: name, Stage: "sbatch", Output: strings.TrimSpace(r.Stderr)}
	}
	jobID, err := sshclient.ParseSubmittedJobID(r.Stdout)
	if err != nil {
		return Record{}, &SubmissionError{Experiment: name, Stage: "parse job id", Err: err}
	}

	now := o.opts.Now()
	return Record{
		Experiment:  name,
		JobID:       jobID,
		Status:      StatusSubmitted,
		Host:        host,
		Path:        expPath,
		SubmittedAt: now,
		UpdatedAt:   now,
	}, nil
}

// PollStatus refreshes every non-terminal job tracked on host and returns
// the status of every tracked experiment. When the queue query itself
// fails, all statuses are returned unchanged.
func (o *Orchestrator) PollStatus(ctx context.Context, host string) (map[string]Status, error) {
	var active []Record
	for _, rec := range o.tracker.Snapshot() {
		if rec.Host == host && !rec.Status.Terminal() {
			active = append(active, rec)
		}
	}
	if len(active) == 0 {
		return o.tracker.Statuses(), nil
	}

	ids := make([]string, 0, len(active))
	for _, rec := range active {
		ids = append(ids, rec.JobID)
	}
	cmd, err := sshclient.CmdQueue(ids)
	if err != nil {
		return o.tracker.Statuses(), fmt.Errorf("build queue query: %w", err)
	}
	r := o.run.Execute(ctx, host, cmd.String(), o.opts.CommandTimeout)
	var queue map[string]string
	switch {
	case r.Succeeded:
		queue = sshclient.ParseQueue(r.Stdout)
	case r.Err == nil && sshclient.QueuePurged(r.Stderr):
		// every id was purged from the controller; all of them left the queue
		queue = map[string]string{}
	default:
		err := fmt.Errorf("queue query failed: %w", r.Error())
		o.log.Warn("jobs: poll failed, keeping last known status", "host", host, "err", err)
		return o.tracker.Statuses(), err
	}

	for _, rec := range active {
		var status Status
		var note string
		if st, ok := queue[rec.JobID]; ok {
			status = queueStatus(st)
		} else {
			status, note = o.resolveFinished(ctx, host, rec)
		}
		if status == rec.Status && note == rec.Note {
			continue
		}
		if err := o.tracker.Update(rec.Experiment, rec.JobID, status, note, o.opts.Now()); err != nil {
			o.log.Debug("jobs: status update skipped", "item", rec.Experiment, "err", err)
			continue
		}
		o.log.Info("jobs: status changed", "host", host, "item", rec.Experiment, "job_id", rec.JobID, "from", rec.Status, "to", status)
	}
	return o.tracker.Statuses(), nil
}

// queueStatus maps an squeue state. squeue keeps listing finished jobs
// until MinJobAge expires, so end states map to their terminal status.
// Anything else still queued that is not waiting to start counts as running.
func queueStatus(state string) Status {
	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_HOLD", "REQUEUE_FED", "RESV_DEL_HOLD", "SUSPENDED", "STOPPED":
		return StatusPending
	case "COMPLETED", "FAILED", "CANCELLED", "TIMEOUT":
		return Status(state)
	case "DEADLINE":
		return StatusTimeout
	case "OUT_OF_MEMORY", "NODE_FAIL", "BOOT_FAIL", "PREEMPTED", "SPECIAL_EXIT", "REVOKED":
		return StatusFailed
	}
	return StatusRunning
}

// resolveFinished settles a job that left the queue.
func (o *Orchestrator) resolveFinished(ctx context.Context, host string, rec Record) (Status, string) {
	cmd, err := sshclient.CmdAccounting(rec.JobID)
	if err == nil {
		r := o.run.Execute(ctx, host, cmd.String(), o.opts.CommandTimeout)
		if r.Succeeded {
			if status, ok := accountingStatus(sshclient.ParseAccounting(r.Stdout)); ok {
				return status, ""
			}
		} else {
			o.log.Warn("jobs: accounting unavailable", "host", host, "item", rec.Experiment, "job_id", rec.JobID, "err", r.Error())
		}
	}
	return o.checkOutputs(ctx, host, rec)
}

// accountingStatus picks the first terminal state in report order. Records
// without one still mean the job ran to the end.
func accountingStatus(states []string) (Status, bool) {
	for _, s := range states {
		if st := Status(s); st.Terminal() {
			return st, true
		}
	}
	if len(states) > 0 {
		return StatusCompleted, true
	}
	return "", false
}

// checkOutputs looks for the workflow's result files in the job's own
// experiment directory.
func (o *Orchestrator) checkOutputs(ctx context.Context, host string, rec Record) (Status, string) {
	if rec.Path == "" {
		err := &StatusUnknownError{Experiment: rec.Experiment, JobID: rec.JobID, Reason: "no experiment path recorded"}
		o.log.Warn("jobs: output check impossible", "err", err)
		return StatusUnknown, err.Reason
	}
	for _, f := range experiment.ResultFiles(rec.Experiment) {
		r := o.run.Execute(ctx, host, sshclient.CmdFileExists(rec.Path+"/"+f).String(), o.opts.CommandTimeout)
		if r.Succeeded {
			continue
		}
		if r.Err != nil {
			err := &StatusUnknownError{Experiment: rec.Experiment, JobID: rec.JobID, Reason: "output check failed: " + r.Err.Error()}
			o.log.Warn("jobs: output check failed", "err", err)
			return StatusUnknown, err.Reason
		}
		return StatusFailed, "missing output " + f
	}
	return StatusCompleted, ""
}

// ListByStatus returns experiments whose status satisfies pred.
func (o *Orchestrator) ListByStatus(pred func(Status) bool) []string {
	return o.tracker.List(pred)
}

func (o *Orchestrator) Completed() []string {
	return o.ListByStatus(func(s Status) bool { return s == StatusCompleted })
}

func (o *Orchestrator) Failed() []string { return o.ListByStatus(Status.Bad) }

func (o *Orchestrator) Running() []string { return o.ListByStatus(Status.InFlight) }

// ClearCompleted stops tracking COMPLETED jobs. Nothing else removes records.
func (o *Orchestrator) ClearCompleted() []string {
	removed := o.tracker.ClearCompleted()
	if len(removed) > 0 {
		o.log.Info("jobs: cleared completed", "items", removed)
	}
	return removed
}
