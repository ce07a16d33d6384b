package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tastythames/lab-pipeline/internal/remote"
	"github.com/tastythames/lab-pipeline/internal/session"
)

type call struct {
	host    string
	cmd     string
	timeout time.Duration
}

type fakeRemote struct {
	authed map[string]session.Credential
	calls  []call
	reply  func(host, cmd string) remote.CommandResult
	fc     *memChannel
}

func (f *fakeRemote) Execute(_ context.Context, host, cmd string, timeout time.Duration) remote.CommandResult {
	f.calls = append(f.calls, call{host: host, cmd: cmd, timeout: timeout})
	if _, ok := f.authed[host]; !ok {
		return remote.CommandResult{ExitCode: -1, Stderr: remote.NoSessionMessage, Err: session.ErrNoSession}
	}
	if f.reply != nil {
		return f.reply(host, cmd)
	}
	return remote.CommandResult{Succeeded: true}
}

func (f *fakeRemote) OpenFileChannel(host string) (session.FileChannel, bool) {
	if _, ok := f.authed[host]; !ok || f.fc == nil {
		return nil, false
	}
	return f.fc, true
}

func (f *fakeRemote) IsAuthenticated(host string) bool {
	_, ok := f.authed[host]
	return ok
}

func (f *fakeRemote) Credential(host string) (session.Credential, bool) {
	c, ok := f.authed[host]
	return c, ok
}

type memFile struct {
	bytes.Buffer
	name  string
	files map[string][]byte
}

func (m *memFile) Close() error {
	m.files[m.name] = m.Bytes()
	return nil
}

type dirInfo struct{ name string }

func (d dirInfo) Name() string       { return d.name }
func (d dirInfo) Size() int64        { return 0 }
func (d dirInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o755 }
func (d dirInfo) ModTime() time.Time { return time.Time{} }
func (d dirInfo) IsDir() bool        { return true }
func (d dirInfo) Sys() any           { return nil }

type fileInfo struct {
	dirInfo
	size int64
}

func (f fileInfo) Size() int64       { return f.size }
func (f fileInfo) Mode() fs.FileMode { return 0o644 }
func (f fileInfo) IsDir() bool       { return false }

// memChannel is an in-memory SFTP stand-in.
type memChannel struct {
	dirs     map[string]bool
	files    map[string][]byte
	mkdirErr func(path string) error
	closed   bool
}

func newMemChannel() *memChannel {
	return &memChannel{dirs: map[string]bool{}, files: map[string][]byte{}}
}

func (m *memChannel) Mkdir(path string) error {
	if m.mkdirErr != nil {
		if err := m.mkdirErr(path); err != nil {
			return err
		}
	}
	if m.dirs[path] {
		return errors.New("sftp: failure")
	}
	m.dirs[path] = true
	return nil
}

func (m *memChannel) Stat(path string) (fs.FileInfo, error) {
	if m.dirs[path] {
		return dirInfo{name: filepath.Base(path)}, nil
	}
	return nil, fs.ErrNotExist
}

func (m *memChannel) ReadDir(dir string) ([]fs.FileInfo, error) {
	if !m.dirs[dir] {
		return nil, fs.ErrNotExist
	}
	var out []fs.FileInfo
	for p := range m.dirs {
		if p != dir && filepath.Dir(p) == dir {
			out = append(out, dirInfo{name: filepath.Base(p)})
		}
	}
	for p, b := range m.files {
		if filepath.Dir(p) == dir {
			out = append(out, fileInfo{dirInfo: dirInfo{name: filepath.Base(p)}, size: int64(len(b))})
		}
	}
	return out, nil
}

func (m *memChannel) Create(path string) (io.WriteCloser, error) {
	return &memFile{name: path, files: m.files}, nil
}

func (m *memChannel) Close() error { m.closed = true; return nil }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newOrchestrator(r Remote) *Orchestrator {
	return New(r, Options{Logger: discard()})
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestUploadFoldersKeepsOrderAndStructure(t *testing.T) {
	local := t.TempDir()
	writeTree(t, filepath.Join(local, "A"), map[string]string{"video.mp4": "a", "sub/meta.yaml": "m"})
	writeTree(t, filepath.Join(local, "C"), map[string]string{"video.mp4": "c"})

	fc := newMemChannel()
	r := &fakeRemote{authed: map[string]session.Credential{"nas1": {}}, fc: fc}
	res := newOrchestrator(r).UploadFolders(context.Background(),
		[]string{filepath.Join(local, "A"), filepath.Join(local, "B"), filepath.Join(local, "C")},
		"nas1", "/volume1/raw")

	if !reflect.DeepEqual(res.Succeeded, []string{"A", "C"}) {
		t.Fatalf("Succeeded = %v, want [A C]", res.Succeeded)
	}
	if got := res.FailedNames(); !reflect.DeepEqual(got, []string{"B"}) {
		t.Fatalf("Failed = %v, want [B]", got)
	}
	if !strings.Contains(res.Failed[0].Err.Error(), "does not exist") {
		t.Fatalf("B reason = %v", res.Failed[0].Err)
	}
	if res.Total() != 3 {
		t.Fatalf("Total() = %d, want 3", res.Total())
	}
	if string(fc.files["/volume1/raw/A/sub/meta.yaml"]) != "m" {
		t.Fatalf("nested file not uploaded: %v", fc.files)
	}
	if !fc.dirs["/volume1/raw/A/sub"] {
		t.Fatal("subdirectory not created")
	}
	if !fc.closed {
		t.Fatal("file channel left open")
	}
}

func TestUploadFoldersToleratesExistingDirectories(t *testing.T) {
	local := t.TempDir()
	writeTree(t, filepath.Join(local, "exp1"), map[string]string{"a.mp4": "x", "nested/b.txt": "y"})

	fc := newMemChannel()
	fc.mkdirErr = func(string) error { return fs.ErrExist }
	r := &fakeRemote{authed: map[string]session.Credential{"nas1": {}}, fc: fc}

	res := newOrchestrator(r).UploadFolders(context.Background(), []string{filepath.Join(local, "exp1")}, "nas1", "/raw")
	if !reflect.DeepEqual(res.Succeeded, []string{"exp1"}) || !res.OK() {
		t.Fatalf("UploadFolders() = %+v, want exp1 succeeded", res)
	}
}

func TestUploadFoldersOtherMkdirFailureFailsItemOnly(t *testing.T) {
	local := t.TempDir()
	writeTree(t, filepath.Join(local, "bad"), map[string]string{"a.mp4": "x"})
	writeTree(t, filepath.Join(local, "good"), map[string]string{"a.mp4": "x"})

	fc := newMemChannel()
	fc.mkdirErr = func(p string) error {
		if strings.HasSuffix(p, "/bad") {
			return fs.ErrPermission
		}
		return nil
	}
	r := &fakeRemote{authed: map[string]session.Credential{"nas1": {}}, fc: fc}

	res := newOrchestrator(r).UploadFolders(context.Background(),
		[]string{filepath.Join(local, "bad"), filepath.Join(local, "good")}, "nas1", "/raw")
	if !reflect.DeepEqual(res.Succeeded, []string{"good"}) || !reflect.DeepEqual(res.FailedNames(), []string{"bad"}) {
		t.Fatalf("UploadFolders() = %+v", res)
	}
}

func TestUploadFoldersWithoutSession(t *testing.T) {
	r := &fakeRemote{authed: map[string]session.Credential{}, fc: newMemChannel()}
	res := newOrchestrator(r).UploadFolders(context.Background(), []string{"/x/a", "/x/b"}, "nas1", "/raw")
	if len(res.Succeeded) != 0 || len(res.Failed) != 2 {
		t.Fatalf("UploadFolders() = %+v, want every item failed", res)
	}
	if !errors.Is(res.Failed[0].Err, ErrMissingCredentials) {
		t.Fatalf("reason = %v", res.Failed[0].Err)
	}
}

func TestMirrorRemoteToRemote(t *testing.T) {
	r := &fakeRemote{authed: map[string]session.Credential{
		"hpc":  {Username: "alice", Port: 22},
		"nas1": {Username: "alice", Port: 22},
	}}
	res := newOrchestrator(r).MirrorRemoteToRemote(context.Background(), []string{"exp1"}, "nas1", "/volume1/raw", "hpc", "/data/p")
	if !res.OK() {
		t.Fatalf("Mirror failed: %s", res.Summary("mirror"))
	}
	if len(r.calls) != 2 {
		t.Fatalf("calls = %d, want mkdir + rsync", len(r.calls))
	}
	if r.calls[0].cmd != "mkdir -p '/data/p/exp1'" {
		t.Fatalf("first call = %s", r.calls[0].cmd)
	}
	rsync := r.calls[1]
	if rsync.host != "hpc" || rsync.timeout != 30*time.Minute || !strings.Contains(rsync.cmd, "'alice@nas1:/volume1/raw/exp1/'") {
		t.Fatalf("rsync call = %+v", rsync)
	}
}

func TestMirrorMissingCredentials(t *testing.T) {
	tests := []struct {
		name   string
		authed map[string]session.Credential
		want   string
	}{
		{name: "no destination session", authed: map[string]session.Credential{"nas1": {Username: "a"}}, want: "hpc"},
		{name: "no source credential", authed: map[string]session.Credential{"hpc": {Username: "a"}}, want: "nas1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRemote{authed: tt.authed}
			res := newOrchestrator(r).MirrorRemoteToRemote(context.Background(), []string{"exp1", "exp2"}, "nas1", "/raw", "hpc", "/data")
			if len(res.Failed) != 2 {
				t.Fatalf("Failed = %v, want both items", res.Failed)
			}
			err := res.Failed[0].Err
			if !errors.Is(err, ErrMissingCredentials) || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("reason = %v", err)
			}
			if len(r.calls) != 0 {
				t.Fatal("no command should run without credentials")
			}
		})
	}
}

func TestPublishToCloudToleratesMissingOutputs(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		wantOK bool
	}{
		{name: "metadata not found", stderr: "ERROR : metadata.yaml: error reading source root directory: directory not found", wantOK: true},
		{name: "object not found", stderr: "ERROR : metadata.yaml: Failed to copy: object not found", wantOK: true},
		{name: "permission denied", stderr: "ERROR : metadata.yaml: permission denied", wantOK: false},
		{name: "rclone missing", stderr: "bash: rclone: command not found", wantOK: false},
		{name: "unknown remote", stderr: `Failed to create file system for "onedrive:lab/out": didn't find section in config file`, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRemote{
				authed: map[string]session.Credential{"hpc": {}},
				reply: func(_, cmd string) remote.CommandResult {
					if strings.Contains(cmd, "metadata.yaml") {
						return remote.CommandResult{ExitCode: 3, Stderr: tt.stderr}
					}
					return remote.CommandResult{Succeeded: true}
				},
			}
			res := newOrchestrator(r).PublishToCloud(context.Background(), []string{"exp1.cam01"}, "hpc", "/data/p", "lab/out")
			if res.OK() != tt.wantOK {
				t.Fatalf("OK() = %v, want %v: %s", res.OK(), tt.wantOK, res.Summary("publish"))
			}

			var cmds []string
			for _, c := range r.calls {
				cmds = append(cmds, c.cmd)
			}
			want := []string{
				"rclone mkdir 'onedrive:lab/out/exp1.cam01'",
				"rclone copy '/data/p/exp1.cam01/exp1.pdf' 'onedrive:lab/out/exp1.cam01/'",
				"rclone copy '/data/p/exp1.cam01/exp1_tracks.pkl.gz' 'onedrive:lab/out/exp1.cam01/'",
				"rclone copy '/data/p/exp1.cam01/metadata.yaml' 'onedrive:lab/out/exp1.cam01/'",
			}
			if !reflect.DeepEqual(cmds, want) {
				t.Fatalf("commands =\n%s\nwant\n%s", strings.Join(cmds, "\n"), strings.Join(want, "\n"))
			}
		})
	}
}

func TestPublishToCloudWithoutSession(t *testing.T) {
	r := &fakeRemote{authed: map[string]session.Credential{}}
	res := newOrchestrator(r).PublishToCloud(context.Background(), []string{"a", "b"}, "hpc", "/data", "out")
	if len(res.Failed) != 2 || len(r.calls) != 0 {
		t.Fatalf("PublishToCloud() = %+v, calls = %d", res, len(r.calls))
	}
}

func TestDeleteInputArtifacts(t *testing.T) {
	r := &fakeRemote{
		authed: map[string]session.Credential{"hpc": {}},
		reply: func(_, cmd string) remote.CommandResult {
			if strings.Contains(cmd, "/exp2'") {
				return remote.CommandResult{ExitCode: 1, Stderr: "cd: no such directory"}
			}
			return remote.CommandResult{Succeeded: true}
		},
	}
	res := newOrchestrator(r).DeleteInputArtifacts(context.Background(), []string{"exp1", "exp2", "../etc"}, "hpc", "/data/p")

	if !reflect.DeepEqual(res.Succeeded, []string{"exp1"}) {
		t.Fatalf("Succeeded = %v", res.Succeeded)
	}
	if !reflect.DeepEqual(res.FailedNames(), []string{"exp2", "../etc"}) {
		t.Fatalf("Failed = %v", res.FailedNames())
	}
	want := `cd '/data/p/exp1' && find . -type f \( -name '*.mp4' -o -name '*.avi' -o -name '*.mov' \) -delete`
	if r.calls[0].cmd != want {
		t.Fatalf("delete command = %s", r.calls[0].cmd)
	}
	if len(r.calls) != 2 {
		t.Fatalf("calls = %d, invalid names must not reach the host", len(r.calls))
	}
}

func TestSummary(t *testing.T) {
	res := BatchResult{
		Succeeded: []string{"a"},
		Failed:    []ItemError{{Item: "b", Err: errors.New("boom")}, {Item: "c", Err: errors.New("bang")}},
	}
	want := "Transfer to NAS: 1 succeeded / 2 failed\nErrors: b: boom; c: bang"
	if got := res.Summary("Transfer to NAS"); got != want {
		t.Fatalf("Summary() = %q, want %q", got, want)
	}
	if got := (BatchResult{Succeeded: []string{"a"}}).Summary("Cleanup"); got != "Cleanup: 1 succeeded" {
		t.Fatalf("Summary() = %q", got)
	}
}

func TestListRemoteFolders(t *testing.T) {
	fc := newMemChannel()
	for _, d := range []string{"/raw", "/raw/20260301_exp1", "/raw/20260302_exp2", "/raw/20260215_exp0", "/raw/.snapshot"} {
		fc.dirs[d] = true
	}
	fc.files["/raw/notes.txt"] = []byte("x")
	r := &fakeRemote{authed: map[string]session.Credential{"nas1": {}}, fc: fc}
	o := newOrchestrator(r)

	got, err := o.ListRemoteFolders("nas1", "/raw", 2)
	if err != nil {
		t.Fatalf("ListRemoteFolders: %v", err)
	}
	if want := []string{"20260302_exp2", "20260301_exp1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ListRemoteFolders() = %v, want %v", got, want)
	}
	if !fc.closed {
		t.Fatal("file channel left open")
	}
	if got, _ := o.ListRemoteFolders("nas1", "/raw", 0); len(got) != 3 {
		t.Fatalf("unlimited listing = %v", got)
	}
	if _, err := o.ListRemoteFolders("nas1", "/missing", 0); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("missing dir err = %v", err)
	}

	r.authed = map[string]session.Credential{}
	if _, err := o.ListRemoteFolders("nas1", "/raw", 0); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("no session err = %v", err)
	}
}

func TestListCloudFolders(t *testing.T) {
	r := &fakeRemote{
		authed: map[string]session.Credential{"hpc": {}},
		reply: func(_, cmd string) remote.CommandResult {
			return remote.CommandResult{Succeeded: true, Stdout: "          -1 2026-03-01 12:00:00        -1 2026-03\n" +
				"          -1 2026-03-02 09:30:00        -1 Lab Results\n"}
		},
	}
	got, err := newOrchestrator(r).ListCloudFolders(context.Background(), "hpc", "Lab")
	if err != nil {
		t.Fatalf("ListCloudFolders: %v", err)
	}
	if want := []string{"2026-03", "Lab Results"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ListCloudFolders() = %v, want %v", got, want)
	}
	if r.calls[0].cmd != "rclone lsd 'onedrive:Lab'" {
		t.Fatalf("command = %s", r.calls[0].cmd)
	}

	r.reply = func(_, _ string) remote.CommandResult {
		return remote.CommandResult{ExitCode: 3, Stderr: "directory not found"}
	}
	if _, err := newOrchestrator(r).ListCloudFolders(context.Background(), "hpc", "nope"); err == nil {
		t.Fatal("expected error for a failed listing")
	}
}

func TestCheckCloudRemote(t *testing.T) {
	tests := []struct {
		name   string
		result remote.CommandResult
		ok     bool
		want   string
	}{
		{
			name:   "configured",
			result: remote.CommandResult{Succeeded: true, Stdout: "[onedrive]\ntype = onedrive\ndrive_type = business\n"},
			ok:     true,
			want:   "type onedrive",
		},
		{name: "no type", result: remote.CommandResult{Succeeded: true, Stdout: "; empty config\n"}, want: "is not configured"},
		{name: "missing remote", result: remote.CommandResult{ExitCode: 1, Stderr: "Couldn't find remote"}, want: "not found in rclone config"},
		{name: "transport", result: remote.CommandResult{ExitCode: -1, Err: errors.New("channel closed")}, want: "Error checking"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRemote{
				authed: map[string]session.Credential{"hpc": {}},
				reply:  func(_, _ string) remote.CommandResult { return tt.result },
			}
			ok, msg := newOrchestrator(r).CheckCloudRemote(context.Background(), "hpc")
			if ok != tt.ok || !strings.Contains(msg, tt.want) {
				t.Fatalf("CheckCloudRemote() = %v, %q; want %v, %q", ok, msg, tt.ok, tt.want)
			}
			if r.calls[0].cmd != "rclone config show 'onedrive'" {
				t.Fatalf("command = %s", r.calls[0].cmd)
			}
		})
	}
}
