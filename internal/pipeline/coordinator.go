// Package pipeline sequences transfers and batch jobs into the stages of
// an experiment run: workstation to NAS, NAS to HPC, job submission,
// publishing outputs to the cloud and removing raw inputs.
//
// Stages report (ok, message) and write progress lines to a LogSink. Only
// a missing session to a required host stops a run; item failures are
// reported and the run carries on.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tastythames/lab-pipeline/internal/cache"
	"github.com/tastythames/lab-pipeline/internal/config"
	"github.com/tastythames/lab-pipeline/internal/jobs"
	"github.com/tastythames/lab-pipeline/internal/ledger"
	"github.com/tastythames/lab-pipeline/internal/sshclient"
	"github.com/tastythames/lab-pipeline/internal/transfer"
)

type Stage string

const (
	StageToNAS   Stage = "stage-to-nas"
	StageToHPC   Stage = "stage-to-hpc"
	StageSubmit  Stage = "submit-jobs"
	StageCollect Stage = "collect-outputs"
	StageCleanup Stage = "cleanup-inputs"
)

// Stages in run order.
var Stages = []Stage{StageToNAS, StageToHPC, StageSubmit, StageCollect, StageCleanup}

func ParseStage(s string) (Stage, bool) {
	for _, st := range Stages {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

type StageResult struct {
	Stage   Stage  `json:"stage"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	// Blocked means the stage did nothing because a prerequisite was missing.
	Blocked bool `json:"blocked,omitempty"`
}

// Request selects the experiments of a stage or run. Empty fields fall
// back to the configuration.
type Request struct {
	Experiments []string `json:"experiments"`
	LocalBase   string   `json:"local_base,omitempty"`
	Project     string   `json:"project,omitempty"`
	CloudPath   string   `json:"cloud_path,omitempty"`
}

// Authenticator reports whether a host has a live session.
type Authenticator interface {
	IsAuthenticated(host string) bool
}

// Recorder keeps run history. Write failures are logged and never fail a stage.
type Recorder interface {
	StartRun(ctx context.Context, runID string, experiments []string, at time.Time) error
	RecordStage(ctx context.Context, runID string, st ledger.Stage) error
	RecordJob(ctx context.Context, runID string, j ledger.Job) error
}

type Deps struct {
	Config    *config.Config
	Sessions  Authenticator
	Transfers *transfer.Orchestrator
	Jobs      *jobs.Orchestrator
	// Optional.
	Cache    cache.Cache
	Recorder Recorder
	Sink     LogSink
	Logger   *slog.Logger
	Now      func() time.Time
}

type Coordinator struct {
	cfg       *config.Config
	sessions  Authenticator
	transfers *transfer.Orchestrator
	jobs      *jobs.Orchestrator
	cache     cache.Cache
	rec       Recorder
	sink      LogSink
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	monitor *Monitor
	runID   string

	// cloud destination chosen when each tracked experiment was submitted
	destMu    sync.Mutex
	cloudDest map[string]string
}

func New(d Deps) *Coordinator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Cache == nil {
		d.Cache = cache.NewMemCache()
	}
	if d.Sink == nil {
		d.Sink = discardSink{}
	}
	return &Coordinator{
		cfg:       d.Config,
		sessions:  d.Sessions,
		transfers: d.Transfers,
		jobs:      d.Jobs,
		cache:     d.Cache,
		rec:       d.Recorder,
		sink:      d.Sink,
		log:       d.Logger,
		now:       d.Now,
		cloudDest: make(map[string]string),
	}
}

type discardSink struct{}

func (discardSink) Push(string) {}

func (c *Coordinator) nasHost() string { return c.cfg.NAS.Host }
func (c *Coordinator) hpcHost() string { return c.cfg.HPC.Host.Host }

// projectPath is the HPC directory holding the run's experiment folders.
func (c *Coordinator) projectPath(req Request) (string, error) {
	project := req.Project
	if project == "" && len(c.cfg.HPC.Projects) > 0 {
		project = c.cfg.HPC.Projects[0]
	}
	if project == "" {
		return c.cfg.HPC.BasePath, nil
	}
	if err := sshclient.ValidateName(project); err != nil {
		return "", fmt.Errorf("project: %w", err)
	}
	return sshclient.JoinPath(c.cfg.HPC.BasePath, project), nil
}

func (c *Coordinator) cloudPath(req Request) string {
	base := strings.TrimRight(c.cfg.Cloud.BasePath, "/")
	switch {
	case req.CloudPath == "":
		return base
	case base == "":
		return req.CloudPath
	}
	return base + "/" + strings.TrimLeft(req.CloudPath, "/")
}

// ErrNotAuthenticated is returned by queries whose host has no live session.
var ErrNotAuthenticated = errors.New("not authenticated")

func notAuthenticated(host string) string {
	return fmt.Sprintf("Not authenticated to %s. Please authenticate first.", host)
}

// requireHosts blocks a stage unless every host has a live session.
func (c *Coordinator) requireHosts(stage Stage, hosts ...string) (StageResult, bool) {
	for _, h := range hosts {
		if !c.sessions.IsAuthenticated(h) {
			return StageResult{Stage: stage, Message: notAuthenticated(h), Blocked: true}, false
		}
	}
	return StageResult{}, true
}

// RunStage runs one stage outside of a full run.
func (c *Coordinator) RunStage(ctx context.Context, stage Stage, req Request) StageResult {
	return c.runStage(ctx, "", stage, req)
}

func (c *Coordinator) runStage(ctx context.Context, runID string, stage Stage, req Request) StageResult {
	var res StageResult
	if len(req.Experiments) == 0 {
		res = StageResult{Stage: stage, Message: "No experiments selected", Blocked: true}
	} else {
		c.sink.Push(fmt.Sprintf("Starting %s for %d experiments", stage, len(req.Experiments)))
		switch stage {
		case StageToNAS:
			res = c.stageToNAS(ctx, req)
		case StageToHPC:
			res = c.stageToHPC(ctx, req)
		case StageSubmit:
			res = c.submitJobs(ctx, runID, req)
		case StageCollect:
			res = c.collectOutputs(ctx, req)
		case StageCleanup:
			res = c.cleanupInputs(ctx, req)
		default:
			res = StageResult{Stage: stage, Message: fmt.Sprintf("unknown stage %q", stage), Blocked: true}
		}
	}

	return c.finishStage(ctx, runID, res)
}

// finishStage logs res and records it against runID.
func (c *Coordinator) finishStage(ctx context.Context, runID string, res StageResult) StageResult {
	c.sink.Push(res.Message)
	c.log.Info("pipeline: stage done", "run_id", runID, "stage", res.Stage, "ok", res.OK, "blocked", res.Blocked)
	if runID != "" && c.rec != nil {
		st := ledger.Stage{Stage: string(res.Stage), OK: res.OK, Message: res.Message, At: c.now()}
		if err := c.rec.RecordStage(ctx, runID, st); err != nil {
			c.log.Warn("pipeline: ledger write failed", "run_id", runID, "stage", res.Stage, "err", err)
		}
	}
	return res
}

func (c *Coordinator) StageToNAS(ctx context.Context, req Request) StageResult {
	return c.RunStage(ctx, StageToNAS, req)
}

func (c *Coordinator) StageToHPC(ctx context.Context, req Request) StageResult {
	return c.RunStage(ctx, StageToHPC, req)
}

func (c *Coordinator) SubmitJobs(ctx context.Context, req Request) StageResult {
	return c.RunStage(ctx, StageSubmit, req)
}

func (c *Coordinator) CollectOutputs(ctx context.Context, req Request) StageResult {
	return c.RunStage(ctx, StageCollect, req)
}

func (c *Coordinator) CleanupInputs(ctx context.Context, req Request) StageResult {
	return c.RunStage(ctx, StageCleanup, req)
}

func fromBatch(stage Stage, what string, b transfer.BatchResult) StageResult {
	return StageResult{Stage: stage, OK: b.OK(), Message: b.Summary(what)}
}

func (c *Coordinator) stageToNAS(ctx context.Context, req Request) StageResult {
	if res, ok := c.requireHosts(StageToNAS, c.nasHost()); !ok {
		return res
	}
	base := req.LocalBase
	if base == "" {
		base = c.cfg.LocalBase
	}
	paths := make([]string, 0, len(req.Experiments))
	for _, e := range req.Experiments {
		paths = append(paths, filepath.Join(base, e))
	}
	b := c.transfers.UploadFolders(ctx, paths, c.nasHost(), c.cfg.NAS.BasePath)
	return fromBatch(StageToNAS, "Transfer to NAS", b)
}

func (c *Coordinator) stageToHPC(ctx context.Context, req Request) StageResult {
	if res, ok := c.requireHosts(StageToHPC, c.nasHost(), c.hpcHost()); !ok {
		return res
	}
	dest, err := c.projectPath(req)
	if err != nil {
		return StageResult{Stage: StageToHPC, Message: err.Error(), Blocked: true}
	}
	b := c.transfers.MirrorRemoteToRemote(ctx, req.Experiments, c.nasHost(), c.cfg.NAS.BasePath, c.hpcHost(), dest)
	return fromBatch(StageToHPC, "Transfer to HPC", b)
}

// submitJobs submits each experiment with the workflow its name selects,
// one submission call per workflow in first-seen order.
func (c *Coordinator) submitJobs(ctx context.Context, runID string, req Request) StageResult {
	if res, ok := c.requireHosts(StageSubmit, c.hpcHost()); !ok {
		return res
	}
	project, err := c.projectPath(req)
	if err != nil {
		return StageResult{Stage: StageSubmit, Message: err.Error(), Blocked: true}
	}

	var order []config.Workflow
	groups := map[config.Workflow][]string{}
	for _, e := range req.Experiments {
		w := c.cfg.HPC.ResolveWorkflow(e)
		if _, ok := groups[w]; !ok {
			order = append(order, w)
		}
		groups[w] = append(groups[w], e)
	}

	before := make(map[string]string, len(req.Experiments))
	for _, e := range req.Experiments {
		if rec, ok := c.jobs.Tracker().Get(e); ok {
			before[e] = rec.JobID
		}
	}

	allOK := true
	var msgs []string
	for _, w := range order {
		names := groups[w]
		if w.WorkflowPath == "" {
			allOK = false
			msgs = append(msgs, fmt.Sprintf("No workflow configured for %s", strings.Join(names, ", ")))
			continue
		}
		ok, msg := c.jobs.SubmitRun(ctx, runID, names, c.hpcHost(), project, w.WorkflowPath, w.CondaEnv)
		allOK = allOK && ok
		msgs = append(msgs, msg)
	}

	cloud := c.cloudPath(req)
	for _, name := range req.Experiments {
		rec, ok := c.jobs.Tracker().Get(name)
		if !ok || rec.JobID == before[name] {
			continue
		}
		c.setCloudDest(name, cloud)
		c.recordJob(ctx, rec)
	}
	return StageResult{Stage: StageSubmit, OK: allOK, Message: strings.Join(msgs, "\n")}
}

func (c *Coordinator) collectOutputs(ctx context.Context, req Request) StageResult {
	if res, ok := c.requireHosts(StageCollect, c.hpcHost()); !ok {
		return res
	}
	project, err := c.projectPath(req)
	if err != nil {
		return StageResult{Stage: StageCollect, Message: err.Error(), Blocked: true}
	}
	return c.publish(ctx, req.Experiments, c.hpcHost(), project, c.cloudPath(req))
}

func (c *Coordinator) publish(ctx context.Context, names []string, host, dir, cloud string) StageResult {
	b := c.transfers.PublishToCloud(ctx, names, host, dir, cloud)
	return fromBatch(StageCollect, "Cloud upload", b)
}

func (c *Coordinator) cleanupInputs(ctx context.Context, req Request) StageResult {
	if res, ok := c.requireHosts(StageCleanup, c.hpcHost()); !ok {
		return res
	}
	project, err := c.projectPath(req)
	if err != nil {
		return StageResult{Stage: StageCleanup, Message: err.Error(), Blocked: true}
	}
	return c.cleanup(ctx, req.Experiments, c.hpcHost(), project)
}

func (c *Coordinator) cleanup(ctx context.Context, names []string, host, dir string) StageResult {
	b := c.transfers.DeleteInputArtifacts(ctx, names, host, dir)
	return fromBatch(StageCleanup, "Input cleanup", b)
}

// RunResult is the outcome of the staging part of a run.
type RunResult struct {
	RunID   string        `json:"run_id"`
	OK      bool          `json:"ok"`
	Message string        `json:"message"`
	Stages  []StageResult `json:"stages"`
}

// RunAll stages the experiments, submits their jobs and starts the
// monitor that publishes and cleans up each experiment once its job
// completes. A blocked stage ends the run before the monitor starts.
func (c *Coordinator) RunAll(ctx context.Context, req Request) RunResult {
	return c.run(ctx, uuid.NewString(), req)
}

// Start runs RunAll in the background and returns the run id at once.
func (c *Coordinator) Start(req Request) string {
	runID := uuid.NewString()
	go c.run(context.Background(), runID, req)
	return runID
}

func (c *Coordinator) run(ctx context.Context, runID string, req Request) RunResult {
	res := RunResult{RunID: runID, OK: true}
	c.sink.Push(fmt.Sprintf("Starting pipeline run %s for %d experiments", runID, len(req.Experiments)))

	if c.rec != nil {
		if err := c.rec.StartRun(ctx, runID, req.Experiments, c.now()); err != nil {
			c.log.Warn("pipeline: ledger write failed", "run_id", runID, "err", err)
		}
	}

	for _, stage := range []Stage{StageToNAS, StageToHPC, StageSubmit} {
		sr := c.runStage(ctx, runID, stage, req)
		res.Stages = append(res.Stages, sr)
		res.OK = res.OK && sr.OK
		if sr.Blocked {
			res.Message = fmt.Sprintf("Pipeline stopped at %s: %s", stage, sr.Message)
			c.sink.Push(res.Message)
			return res
		}
	}

	c.startMonitor(runID)
	res.Message = fmt.Sprintf("Pipeline started, monitoring jobs every %s", c.pollInterval())
	c.sink.Push(res.Message)
	return res
}

func (c *Coordinator) pollInterval() time.Duration {
	if c.cfg.Pipeline.PollInterval > 0 {
		return c.cfg.Pipeline.PollInterval
	}
	return DefaultPollInterval
}

// startMonitor replaces any running monitor with one started by runID.
// The monitor looks after every tracked job, not only runID's.
func (c *Coordinator) startMonitor(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monitor != nil {
		c.monitor.Stop()
	}
	c.runID = runID
	c.monitor = NewMonitor(c.pollInterval(), func(ctx context.Context) error {
		return c.monitorTick(ctx)
	})
	c.monitor.Start()
}

// StopMonitor cancels future ticks. It reports whether a monitor was running.
func (c *Coordinator) StopMonitor() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monitor == nil {
		return false
	}
	c.monitor.Stop()
	c.monitor = nil
	c.sink.Push("Job monitoring stopped")
	return true
}

// Monitoring reports the run being monitored, if any.
func (c *Coordinator) Monitoring() (runID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID, c.monitor != nil
}

// monitorTick polls once, then publishes and cleans up every experiment
// whose job completed before dropping it from tracking.
func (c *Coordinator) monitorTick(ctx context.Context) error {
	statuses, err := c.RefreshStatus(ctx)
	if err != nil {
		c.sink.Push("Status poll failed, will retry: " + err.Error())
		return err
	}
	c.sink.Push(StatusSummary(statuses))

	c.collectCompleted(ctx)
	for _, name := range c.jobs.ClearCompleted() {
		c.cache.Delete(name)
		c.setCloudDest(name, "")
	}
	return nil
}

type collectKey struct {
	runID, host, dir, cloud string
}

// collectCompleted publishes and cleans up completed jobs in the
// directory each was submitted to, one batch per run, host, directory
// and cloud destination.
func (c *Coordinator) collectCompleted(ctx context.Context) {
	var order []collectKey
	groups := map[collectKey][]string{}
	for _, rec := range c.jobs.Tracker().Snapshot() {
		if rec.Status != jobs.StatusCompleted {
			continue
		}
		k := collectKey{runID: rec.RunID, host: rec.Host, dir: path.Dir(rec.Path), cloud: c.cloudDestOf(rec.Experiment)}
		if rec.Path == "" {
			if k.dir, _ = c.projectPath(Request{}); k.dir == "" {
				continue
			}
		}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], rec.Experiment)
	}

	for _, k := range order {
		names := groups[k]
		for _, stage := range []Stage{StageCollect, StageCleanup} {
			c.sink.Push(fmt.Sprintf("Starting %s for %d experiments", stage, len(names)))
			res, ok := c.requireHosts(stage, k.host)
			if ok {
				if stage == StageCollect {
					res = c.publish(ctx, names, k.host, k.dir, k.cloud)
				} else {
					res = c.cleanup(ctx, names, k.host, k.dir)
				}
			}
			c.finishStage(ctx, k.runID, res)
		}
	}
}

// RefreshStatus polls every scheduler host with tracked jobs and updates
// the status cache. On a failed poll the cache keeps the last known
// statuses and records the error.
func (c *Coordinator) RefreshStatus(ctx context.Context) (map[string]jobs.Status, error) {
	hosts := []string{c.hpcHost()}
	for _, rec := range c.jobs.Tracker().Snapshot() {
		if rec.Host != "" && !contains(hosts, rec.Host) {
			hosts = append(hosts, rec.Host)
		}
	}
	var errs []error
	for _, h := range hosts {
		if _, err := c.jobs.PollStatus(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h, err))
		}
	}
	err := errors.Join(errs...)

	now := c.now()
	for _, rec := range c.jobs.Tracker().Snapshot() {
		c.cache.Set(rec.Experiment, cache.Entry{
			At:     now,
			Host:   rec.Host,
			JobID:  rec.JobID,
			Status: string(rec.Status),
			Err:    err,
		})
		if err == nil {
			c.recordJob(ctx, rec)
		}
	}
	if err != nil {
		c.log.Warn("pipeline: poll failed", "err", err)
	}
	return c.jobs.Tracker().Statuses(), err
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (c *Coordinator) setCloudDest(experiment, dir string) {
	c.destMu.Lock()
	defer c.destMu.Unlock()
	if dir == "" {
		delete(c.cloudDest, experiment)
		return
	}
	c.cloudDest[experiment] = dir
}

func (c *Coordinator) cloudDestOf(experiment string) string {
	c.destMu.Lock()
	defer c.destMu.Unlock()
	if dir, ok := c.cloudDest[experiment]; ok {
		return dir
	}
	return c.cloudPath(Request{})
}

// recordJob writes rec under the run that submitted it.
func (c *Coordinator) recordJob(ctx context.Context, rec jobs.Record) {
	if c.rec == nil || rec.RunID == "" {
		return
	}
	runID := rec.RunID
	j := ledger.Job{Experiment: rec.Experiment, JobID: rec.JobID, Status: string(rec.Status), UpdatedAt: rec.UpdatedAt}
	if rec.Status.Terminal() {
		j.CompletedAt = rec.UpdatedAt
	}
	if err := c.rec.RecordJob(ctx, runID, j); err != nil {
		c.log.Warn("pipeline: ledger write failed", "run_id", runID, "item", rec.Experiment, "err", err)
	}
}

// StatusSummary renders "Status - Running: R, Completed: C, Failed: F"
// followed by one line per experiment in name order.
func StatusSummary(statuses map[string]jobs.Status) string {
	var running, completed, failed int
	names := make([]string, 0, len(statuses))
	for name, st := range statuses {
		names = append(names, name)
		switch {
		case st.InFlight():
			running++
		case st == jobs.StatusCompleted:
			completed++
		case st.Bad():
			failed++
		}
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Status - Running: %d, Completed: %d, Failed: %d", running, completed, failed)
	for _, name := range names {
		fmt.Fprintf(&b, "\n  %s: %s", name, statuses[name])
	}
	return b.String()
}

// CreateCloudFolder makes path under the configured cloud base.
func (c *Coordinator) CreateCloudFolder(ctx context.Context, path string) (bool, string) {
	if !c.sessions.IsAuthenticated(c.hpcHost()) {
		return false, notAuthenticated(c.hpcHost())
	}
	dir := c.cloudPath(Request{CloudPath: path})
	if err := c.transfers.CreateCloudFolder(ctx, c.hpcHost(), dir); err != nil {
		msg := fmt.Sprintf("Failed to create cloud folder %s: %v", dir, err)
		c.sink.Push(msg)
		return false, msg
	}
	msg := "Created cloud folder " + dir
	c.sink.Push(msg)
	return true, msg
}

// DefaultListLimit caps ListExperiments when the caller gives no limit.
const DefaultListLimit = 50

// ListExperiments returns experiment folders on the NAS, newest first.
func (c *Coordinator) ListExperiments(limit int) ([]string, error) {
	if !c.sessions.IsAuthenticated(c.nasHost()) {
		return nil, fmt.Errorf("%w to %s", ErrNotAuthenticated, c.nasHost())
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return c.transfers.ListRemoteFolders(c.nasHost(), c.cfg.NAS.BasePath, limit)
}

// ListCloudFolders returns the folders under sub in the configured cloud base.
func (c *Coordinator) ListCloudFolders(ctx context.Context, sub string) ([]string, error) {
	if !c.sessions.IsAuthenticated(c.hpcHost()) {
		return nil, fmt.Errorf("%w to %s", ErrNotAuthenticated, c.hpcHost())
	}
	return c.transfers.ListCloudFolders(ctx, c.hpcHost(), c.cloudPath(Request{CloudPath: sub}))
}

// CheckCloud verifies the cloud remote is configured on the HPC host.
func (c *Coordinator) CheckCloud(ctx context.Context) (bool, string) {
	if !c.sessions.IsAuthenticated(c.hpcHost()) {
		return false, notAuthenticated(c.hpcHost())
	}
	return c.transfers.CheckCloudRemote(ctx, c.hpcHost())
}

// Statuses returns the cached statuses for display.
func (c *Coordinator) Statuses() map[string]cache.Entry {
	return c.cache.Snapshot()
}

// Close stops monitoring.
func (c *Coordinator) Close() {
	c.StopMonitor()
}
