package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tastythames/lab-pipeline/internal/cache"
	"github.com/tastythames/lab-pipeline/internal/config"
	"github.com/tastythames/lab-pipeline/internal/jobs"
	"github.com/tastythames/lab-pipeline/internal/ledger"
	"github.com/tastythames/lab-pipeline/internal/remote"
	"github.com/tastythames/lab-pipeline/internal/session"
	"github.com/tastythames/lab-pipeline/internal/transfer"
)

// fakeHosts stands in for the executor on every host. sbatch calls get
// increasing job ids; other commands answer by prefix or succeed.
type fakeHosts struct {
	mu      sync.Mutex
	authed  map[string]bool
	replies map[string]remote.CommandResult
	calls   []string
	nextJob int
}

func newFakeHosts(authed ...string) *fakeHosts {
	f := &fakeHosts{authed: map[string]bool{}, replies: map[string]remote.CommandResult{}, nextJob: 4820}
	for _, h := range authed {
		f.authed[h] = true
	}
	return f
}

func (f *fakeHosts) Execute(_ context.Context, host, cmd string, _ time.Duration) remote.CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.authed[host] {
		return remote.CommandResult{ExitCode: -1, Stderr: remote.NoSessionMessage, Err: session.ErrNoSession}
	}
	f.calls = append(f.calls, host+": "+cmd)
	if strings.HasPrefix(cmd, "cd ") && strings.Contains(cmd, "&& sbatch ") {
		f.nextJob++
		return remote.CommandResult{Succeeded: true, Stdout: fmt.Sprintf("Submitted batch job %d\n", f.nextJob)}
	}
	for prefix, r := range f.replies {
		if strings.HasPrefix(cmd, prefix) {
			return r
		}
	}
	return remote.CommandResult{Succeeded: true}
}

func (f *fakeHosts) OpenFileChannel(string) (session.FileChannel, bool) { return nil, false }

func (f *fakeHosts) IsAuthenticated(host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed[host]
}

func (f *fakeHosts) Credential(host string) (session.Credential, bool) {
	if !f.IsAuthenticated(host) {
		return session.Credential{}, false
	}
	return session.Credential{Username: "lab", Host: host, Port: 22}, true
}

func (f *fakeHosts) reply(prefix string, r remote.CommandResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[prefix] = r
}

func (f *fakeHosts) matching(sub string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.Contains(c, sub) {
			out = append(out, c)
		}
	}
	return out
}

type memRecorder struct {
	mu        sync.Mutex
	runs      []string
	stages    []ledger.Stage
	stageRuns []string
	jobs      map[string]ledger.Job
	jobRuns   map[string]string
}

func (m *memRecorder) StartRun(_ context.Context, runID string, _ []string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, runID)
	return nil
}

func (m *memRecorder) RecordStage(_ context.Context, runID string, st ledger.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, st)
	m.stageRuns = append(m.stageRuns, runID)
	return nil
}

func (m *memRecorder) RecordJob(_ context.Context, runID string, j ledger.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs == nil {
		m.jobs = map[string]ledger.Job{}
		m.jobRuns = map[string]string{}
	}
	m.jobs[j.Experiment] = j
	m.jobRuns[j.Experiment] = runID
	return nil
}

type lines struct {
	mu  sync.Mutex
	all []string
}

func (l *lines) Push(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, s)
}

func (l *lines) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.all, "\n")
}

const testConfig = `
local_base: /home/lab/experiments
nas:
  host: nas1
  base_path: /volume1/experiments
hpc:
  host: hpc1
  base_path: /scratch/lab
  projects: [invision]
  snakemake:
    workflow_path: /opt/wf/default
  workflows:
    - match: fish
      workflow_path: /opt/wf/fish
      conda_env: fishtrack
cloud:
  base_path: Lab/Results
pipeline:
  poll_interval: 1h
`

type harness struct {
	hosts *fakeHosts
	jobs  *jobs.Orchestrator
	cache *cache.MemCache
	rec   *memRecorder
	sink  *lines
	c     *Coordinator
}

func newHarness(t *testing.T, authed ...string) *harness {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{hosts: newFakeHosts(authed...), cache: cache.NewMemCache(), rec: &memRecorder{}, sink: &lines{}}
	h.jobs = jobs.New(h.hosts, nil, jobs.Options{Logger: log})
	h.c = New(Deps{
		Config:    cfg,
		Sessions:  h.hosts,
		Transfers: transfer.New(h.hosts, transfer.Options{Logger: log}),
		Jobs:      h.jobs,
		Cache:     h.cache,
		Recorder:  h.rec,
		Sink:      h.sink,
		Logger:    log,
	})
	t.Cleanup(h.c.Close)
	return h
}

func TestRunAllStopsWithoutNASSession(t *testing.T) {
	h := newHarness(t, "hpc1")
	res := h.c.RunAll(context.Background(), Request{Experiments: []string{"exp1"}})

	if res.OK || len(res.Stages) != 1 || !res.Stages[0].Blocked {
		t.Fatalf("RunAll = %+v", res)
	}
	if !strings.Contains(res.Message, "stage-to-nas") || !strings.Contains(res.Message, "nas1") {
		t.Fatalf("message = %q", res.Message)
	}
	if len(h.hosts.matching("")) != 0 {
		t.Fatalf("commands ran: %v", h.hosts.calls)
	}
	if _, ok := h.c.Monitoring(); ok {
		t.Fatal("monitor started after a blocked stage")
	}
}

func TestRunAllProceedsPastItemFailures(t *testing.T) {
	h := newHarness(t, "nas1", "hpc1")
	res := h.c.RunAll(context.Background(), Request{Experiments: []string{"exp1", "fish_02"}})

	if len(res.Stages) != 3 {
		t.Fatalf("stages = %+v", res.Stages)
	}
	// no SFTP channel in the fake, so every upload fails
	if res.Stages[0].OK || !strings.Contains(res.Stages[0].Message, "0 succeeded / 2 failed") {
		t.Fatalf("upload stage = %+v", res.Stages[0])
	}
	if !res.Stages[1].OK || !res.Stages[2].OK {
		t.Fatalf("later stages = %+v", res.Stages[1:])
	}
	if res.RunID == "" || len(h.rec.runs) != 1 || h.rec.runs[0] != res.RunID {
		t.Fatalf("run id %q, recorded %v", res.RunID, h.rec.runs)
	}
	if len(h.rec.stages) != 3 {
		t.Fatalf("recorded stages = %+v", h.rec.stages)
	}

	rsync := h.hosts.matching("rsync -az")
	if len(rsync) != 2 || !strings.Contains(rsync[0], "'lab@nas1:/volume1/experiments/exp1/' '/scratch/lab/invision/exp1/'") {
		t.Fatalf("rsync calls = %v", rsync)
	}
	if got := h.hosts.matching("--snakefile '/opt/wf/fish/Snakefile'"); len(got) != 1 {
		t.Fatalf("fish workflow scripts = %d", len(got))
	}
	if got := h.hosts.matching("--snakefile '/opt/wf/default/Snakefile'"); len(got) != 1 {
		t.Fatalf("default workflow scripts = %d", len(got))
	}
	if rec, ok := h.jobs.Tracker().Get("fish_02"); !ok || rec.Status != jobs.StatusSubmitted {
		t.Fatalf("fish_02 record = %+v", rec)
	}
	if h.rec.jobs["exp1"].Status != "SUBMITTED" {
		t.Fatalf("ledger jobs = %+v", h.rec.jobs)
	}

	if runID, ok := h.c.Monitoring(); !ok || runID != res.RunID {
		t.Fatalf("Monitoring() = %q, %v", runID, ok)
	}
	if !h.c.StopMonitor() {
		t.Fatal("StopMonitor() = false")
	}
	if h.c.StopMonitor() {
		t.Fatal("second StopMonitor() = true")
	}
}

func TestMonitorTickCollectsCompletedJobs(t *testing.T) {
	h := newHarness(t, "nas1", "hpc1")
	ctx := context.Background()
	if res := h.c.runStage(ctx, "run-1", StageSubmit, Request{Experiments: []string{"exp1.cam01", "exp2"}}); !res.OK {
		t.Fatalf("submit: %s", res.Message)
	}

	h.hosts.reply("squeue", remote.CommandResult{Succeeded: true, Stdout: "4822 RUNNING\n"})
	h.hosts.reply("sacct", remote.CommandResult{Succeeded: true, Stdout: "COMPLETED\n"})
	if err := h.c.monitorTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	copies := h.hosts.matching("rclone copy")
	if len(copies) != 3 || !strings.Contains(copies[0], "'/scratch/lab/invision/exp1.cam01/exp1.pdf' 'onedrive:Lab/Results/exp1.cam01/'") {
		t.Fatalf("cloud copies = %v", copies)
	}
	if del := h.hosts.matching("-delete"); len(del) != 1 || !strings.Contains(del[0], "'/scratch/lab/invision/exp1.cam01'") {
		t.Fatalf("deletes = %v", del)
	}
	if _, ok := h.jobs.Tracker().Get("exp1.cam01"); ok {
		t.Fatal("completed job still tracked")
	}
	snap := h.cache.Snapshot()
	if _, ok := snap["exp1.cam01"]; ok {
		t.Fatal("completed job still cached")
	}
	if snap["exp2"].Status != "RUNNING" {
		t.Fatalf("cache = %+v", snap)
	}
	if h.rec.jobs["exp1.cam01"].CompletedAt.IsZero() {
		t.Fatalf("ledger job = %+v", h.rec.jobs["exp1.cam01"])
	}
	if !strings.Contains(h.sink.joined(), "Status - Running: 1, Completed: 1, Failed: 0") {
		t.Fatalf("log:\n%s", h.sink.joined())
	}
}

func TestMonitorTickCollectsFromSubmittedDirectory(t *testing.T) {
	h := newHarness(t, "nas1", "hpc1")
	ctx := context.Background()
	if res := h.c.runStage(ctx, "run-1", StageSubmit, Request{Experiments: []string{"exp1"}, CloudPath: "2026-03"}); !res.OK {
		t.Fatalf("submit run-1: %s", res.Message)
	}
	if res := h.c.runStage(ctx, "run-2", StageSubmit, Request{Experiments: []string{"exp9"}, Project: "other"}); !res.OK {
		t.Fatalf("submit run-2: %s", res.Message)
	}

	h.hosts.reply("squeue", remote.CommandResult{Succeeded: true})
	h.hosts.reply("sacct", remote.CommandResult{Succeeded: true, Stdout: "COMPLETED\n"})
	if err := h.c.monitorTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	for _, want := range []string{
		"rclone copy '/scratch/lab/invision/exp1/exp1.pdf' 'onedrive:Lab/Results/2026-03/exp1/'",
		"rclone copy '/scratch/lab/other/exp9/exp9.pdf' 'onedrive:Lab/Results/exp9/'",
		"cd '/scratch/lab/invision/exp1' && find",
		"cd '/scratch/lab/other/exp9' && find",
	} {
		if len(h.hosts.matching(want)) != 1 {
			t.Errorf("missing %q in calls:\n%s", want, strings.Join(h.hosts.matching(""), "\n"))
		}
	}
	if got := h.hosts.matching("/scratch/lab/other/exp1"); len(got) != 0 {
		t.Fatalf("run-1 job handled in run-2's project: %v", got)
	}
	if h.rec.jobRuns["exp1"] != "run-1" || h.rec.jobRuns["exp9"] != "run-2" {
		t.Fatalf("ledger job runs = %v", h.rec.jobRuns)
	}
	// two submits, then collect and cleanup for each run
	want := []string{"run-1", "run-2", "run-1", "run-1", "run-2", "run-2"}
	if strings.Join(h.rec.stageRuns, ",") != strings.Join(want, ",") {
		t.Fatalf("stage runs = %v", h.rec.stageRuns)
	}
}

func TestMonitorTickSkipsFailedPoll(t *testing.T) {
	h := newHarness(t, "nas1", "hpc1")
	ctx := context.Background()
	h.c.SubmitJobs(ctx, Request{Experiments: []string{"exp1"}})
	h.hosts.reply("squeue", remote.CommandResult{Succeeded: true, Stdout: "4821 RUNNING\n"})
	if err := h.c.monitorTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	h.hosts.reply("squeue", remote.CommandResult{ExitCode: 1, Stderr: "slurm_load_jobs error: Socket timed out"})
	err := h.c.monitorTick(ctx)
	if err == nil {
		t.Fatal("expected poll error")
	}
	e := h.cache.Snapshot()["exp1"]
	if e.Status != "RUNNING" || e.Err == nil {
		t.Fatalf("cache entry = %+v", e)
	}
	if len(h.hosts.matching("rclone")) != 0 {
		t.Fatal("failed tick must not collect outputs")
	}
}

func TestStagesRequireSessions(t *testing.T) {
	h := newHarness(t, "nas1")
	for _, st := range []Stage{StageToHPC, StageSubmit, StageCollect, StageCleanup} {
		res := h.c.RunStage(context.Background(), st, Request{Experiments: []string{"exp1"}})
		if res.OK || !res.Blocked || !strings.Contains(res.Message, "hpc1") {
			t.Errorf("%s = %+v", st, res)
		}
	}
	if res := h.c.RunStage(context.Background(), StageToNAS, Request{}); !res.Blocked {
		t.Errorf("empty selection = %+v", res)
	}
}

func TestCreateCloudFolder(t *testing.T) {
	h := newHarness(t, "hpc1")
	h.hosts.reply("rclone mkdir", remote.CommandResult{ExitCode: 1, Stderr: "directory already exists"})
	ok, msg := h.c.CreateCloudFolder(context.Background(), "2026-03")
	if !ok || !strings.Contains(msg, "Lab/Results/2026-03") {
		t.Fatalf("CreateCloudFolder() = %v, %q", ok, msg)
	}

	h.hosts.reply("rclone mkdir", remote.CommandResult{ExitCode: 1, Stderr: "permission denied"})
	if ok, _ := h.c.CreateCloudFolder(context.Background(), "2026-04"); ok {
		t.Fatal("permission error reported as success")
	}
}

func TestStatusSummary(t *testing.T) {
	got := StatusSummary(map[string]jobs.Status{
		"b": jobs.StatusPending,
		"a": jobs.StatusCompleted,
		"c": jobs.StatusTimeout,
		"d": jobs.StatusUnknown,
	})
	want := "Status - Running: 1, Completed: 1, Failed: 1\n  a: COMPLETED\n  b: PENDING\n  c: TIMEOUT\n  d: UNKNOWN"
	if got != want {
		t.Fatalf("StatusSummary() =\n%s\nwant\n%s", got, want)
	}
}

func TestMonitorStopsTicking(t *testing.T) {
	ticked := make(chan struct{}, 16)
	m := NewMonitor(5*time.Millisecond, func(context.Context) error {
		select {
		case ticked <- struct{}{}:
		default:
		}
		return errors.New("poll failed")
	})
	m.Start()
	for i := 0; i < 2; i++ {
		select {
		case <-ticked:
		case <-time.After(2 * time.Second):
			t.Fatal("monitor did not tick")
		}
	}
	m.Stop()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	ticks, failed := m.Stats()
	if ticks < 2 || failed != ticks {
		t.Fatalf("Stats() = %d, %d", ticks, failed)
	}
}

func TestMonitorNoTickAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 50; i++ {
		m := NewMonitor(time.Nanosecond, func(context.Context) error { return nil })
		m.Run(ctx)
		if ticks, _ := m.Stats(); ticks != 0 {
			t.Fatalf("run %d: %d ticks after cancellation", i, ticks)
		}
	}
}

func TestListingsNeedSessions(t *testing.T) {
	h := newHarness(t, "hpc1")
	ctx := context.Background()
	if _, err := h.c.ListExperiments(0); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("ListExperiments err = %v", err)
	}

	h.hosts.reply("rclone lsd", remote.CommandResult{Succeeded: true, Stdout: "          -1 2026-03-01 12:00:00        -1 2026-03\n"})
	got, err := h.c.ListCloudFolders(ctx, "2026")
	if err != nil || len(got) != 1 || got[0] != "2026-03" {
		t.Fatalf("ListCloudFolders() = %v, %v", got, err)
	}
	if len(h.hosts.matching("rclone lsd 'onedrive:Lab/Results/2026'")) != 1 {
		t.Fatalf("calls = %v", h.hosts.matching("rclone"))
	}

	h.hosts.reply("rclone config show", remote.CommandResult{Succeeded: true, Stdout: "[onedrive]\ntype = onedrive\n"})
	if ok, msg := h.c.CheckCloud(ctx); !ok {
		t.Fatalf("CheckCloud() = false, %q", msg)
	}
}
