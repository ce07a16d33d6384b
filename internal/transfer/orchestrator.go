// Package transfer moves experiment folders between machines: workstation
// to NAS over SFTP, NAS to HPC with rsync run on the HPC, and HPC to cloud
// storage with rclone run on the HPC.
//
// Every operation is a batch: items run one after another in input order,
// and one item's failure is recorded without stopping the rest.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tastythames/lab-pipeline/internal/experiment"
	"github.com/tastythames/lab-pipeline/internal/remote"
	"github.com/tastythames/lab-pipeline/internal/session"
	"github.com/tastythames/lab-pipeline/internal/sshclient"
)

// ErrMissingCredentials fails an item whose hosts have no live session.
var ErrMissingCredentials = errors.New("missing credentials")

// Remote is what the orchestrator needs from the command executor.
type Remote interface {
	Execute(ctx context.Context, host, command string, timeout time.Duration) remote.CommandResult
	OpenFileChannel(host string) (session.FileChannel, bool)
	IsAuthenticated(host string) bool
	Credential(host string) (session.Credential, bool)
}

type Options struct {
	CommandTimeout time.Duration
	MirrorTimeout  time.Duration
	PublishTimeout time.Duration
	CloudRemote    string
	// InputExtensions are deleted by DeleteInputArtifacts.
	InputExtensions []string
	Logger          *slog.Logger
}

type Orchestrator struct {
	remote Remote
	opts   Options
	log    *slog.Logger
}

func New(r Remote, opts Options) *Orchestrator {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = remote.DefaultTimeout
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = 30 * time.Minute
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Minute
	}
	if opts.CloudRemote == "" {
		opts.CloudRemote = "onedrive"
	}
	if opts.InputExtensions == nil {
		opts.InputExtensions = experiment.InputExtensions
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{remote: r, opts: opts, log: opts.Logger}
}

func missing(host string) error {
	return fmt.Errorf("%w for %s", ErrMissingCredentials, host)
}

func (o *Orchestrator) record(res *BatchResult, op, host, item string, err error) {
	if err != nil {
		res.fail(item, err)
		o.log.Error("transfer: item failed", "op", op, "host", host, "item", item, "ok", false, "err", err)
		return
	}
	res.succeed(item)
	o.log.Info("transfer: item done", "op", op, "host", host, "item", item, "ok", true)
}

// UploadFolders copies each local folder, recursively, to remoteBase/<folder name> on host.
func (o *Orchestrator) UploadFolders(ctx context.Context, localPaths []string, host, remoteBase string) BatchResult {
	var res BatchResult

	ch, ok := o.remote.OpenFileChannel(host)
	if !ok {
		for _, p := range localPaths {
			o.record(&res, "upload", host, filepath.Base(p), fmt.Errorf("no SFTP connection: %w", missing(host)))
		}
		return res
	}
	defer ch.Close()

	for _, p := range localPaths {
		name := filepath.Base(filepath.Clean(p))
		o.record(&res, "upload", host, name, o.uploadFolder(ch, p, name, remoteBase))
	}
	return res
}

func (o *Orchestrator) uploadFolder(ch session.FileChannel, localPath, name, remoteBase string) error {
	if err := sshclient.ValidateName(name); err != nil {
		return err
	}
	fi, err := os.Stat(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("local path does not exist")
		}
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("local path is not a folder")
	}

	root := sshclient.JoinPath(remoteBase, name)
	if err := ensureDir(ch, root); err != nil {
		return fmt.Errorf("create %s: %w", root, err)
	}

	var files int
	var size uint64
	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := root + "/" + filepath.ToSlash(rel)

		if d.IsDir() {
			if err := ensureDir(ch, target); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		n, err := uploadFile(ch, p, target)
		if err != nil {
			return fmt.Errorf("upload %s: %w", rel, err)
		}
		files++
		size += uint64(n)
		return nil
	})
	if err != nil {
		return err
	}
	o.log.Info("transfer: uploaded", "item", name, "files", files, "size", humanize.Bytes(size))
	return nil
}

// ensureDir creates dir; a directory that already exists is not an error.
func ensureDir(ch session.FileChannel, dir string) error {
	err := ch.Mkdir(dir)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return nil
	}
	// SFTP servers report an existing directory as a generic failure.
	if fi, serr := ch.Stat(dir); serr == nil && fi.IsDir() {
		return nil
	}
	return err
}

func uploadFile(ch session.FileChannel, localPath, remotePath string) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := ch.Create(remotePath)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// MirrorRemoteToRemote pulls sourceBase/<name> from sourceHost into
// destBase/<name> on destHost. The copy runs on destHost and may take
// up to the mirror timeout.
func (o *Orchestrator) MirrorRemoteToRemote(ctx context.Context, names []string, sourceHost, sourceBase, destHost, destBase string) BatchResult {
	var res BatchResult
	for _, name := range names {
		o.record(&res, "mirror", destHost, name, o.mirror(ctx, name, sourceHost, sourceBase, destHost, destBase))
	}
	return res
}

func (o *Orchestrator) mirror(ctx context.Context, name, sourceHost, sourceBase, destHost, destBase string) error {
	if err := sshclient.ValidateName(name); err != nil {
		return err
	}
	if !o.remote.IsAuthenticated(destHost) {
		return missing(destHost)
	}
	cred, ok := o.remote.Credential(sourceHost)
	if !ok {
		return missing(sourceHost)
	}

	dest := sshclient.JoinPath(destBase, name)
	if r := o.remote.Execute(ctx, destHost, sshclient.CmdMkdir(dest).String(), o.opts.CommandTimeout); !r.Succeeded {
		return fmt.Errorf("create %s: %s", dest, strings.TrimSpace(r.Stderr))
	}

	cmd := sshclient.CmdMirror(cred.Username, sourceHost, cred.Port, sshclient.JoinPath(sourceBase, name), dest)
	if r := o.remote.Execute(ctx, destHost, cmd.String(), o.opts.MirrorTimeout); !r.Succeeded {
		return fmt.Errorf("rsync: %s", strings.TrimSpace(r.Stderr))
	}
	return nil
}

// PublishToCloud copies each experiment's outputs from hostBase/<name> on
// host to cloudBase/<name> on the cloud remote. An output the copy reports
// as not found is skipped; any other copy error fails the item.
func (o *Orchestrator) PublishToCloud(ctx context.Context, names []string, host, hostBase, cloudBase string) BatchResult {
	var res BatchResult
	if !o.remote.IsAuthenticated(host) {
		for _, name := range names {
			o.record(&res, "publish", host, name, missing(host))
		}
		return res
	}
	for _, name := range names {
		o.record(&res, "publish", host, name, o.publish(ctx, name, host, hostBase, cloudBase))
	}
	return res
}

func (o *Orchestrator) publish(ctx context.Context, name, host, hostBase, cloudBase string) error {
	if err := sshclient.ValidateName(name); err != nil {
		return err
	}
	src := sshclient.JoinPath(hostBase, name)
	dest := sshclient.JoinPath(cloudBase, name)

	if r := o.remote.Execute(ctx, host, sshclient.CmdCloudMkdir(o.opts.CloudRemote, dest).String(), o.opts.PublishTimeout); !r.Succeeded && !alreadyExists(r.Stderr) {
		return fmt.Errorf("create cloud folder %s: %s", dest, strings.TrimSpace(r.Stderr))
	}

	var errs []string
	for _, f := range experiment.PublishFiles(name) {
		cmd := sshclient.CmdCloudCopy(src+"/"+f, o.opts.CloudRemote, dest)
		r := o.remote.Execute(ctx, host, cmd.String(), o.opts.PublishTimeout)
		switch {
		case r.Succeeded:
		case notFound(r.Stderr):
			o.log.Warn("transfer: output not found, skipped", "host", host, "item", name, "file", f)
		default:
			errs = append(errs, f+": "+strings.TrimSpace(r.Stderr))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// DeleteInputArtifacts removes raw video inputs inside each experiment
// folder. Outputs and the folders themselves are kept.
func (o *Orchestrator) DeleteInputArtifacts(ctx context.Context, names []string, host, base string) BatchResult {
	var res BatchResult
	for _, name := range names {
		err := sshclient.ValidateName(name)
		if err == nil {
			cmd := sshclient.CmdDeleteByExtension(sshclient.JoinPath(base, name), o.opts.InputExtensions)
			if r := o.remote.Execute(ctx, host, cmd.String(), o.opts.CommandTimeout); !r.Succeeded {
				err = fmt.Errorf("delete inputs: %s", strings.TrimSpace(r.Stderr))
			}
		}
		o.record(&res, "delete-inputs", host, name, err)
	}
	return res
}

// CreateCloudFolder makes dir on the cloud remote through host.
func (o *Orchestrator) CreateCloudFolder(ctx context.Context, host, dir string) error {
	r := o.remote.Execute(ctx, host, sshclient.CmdCloudMkdir(o.opts.CloudRemote, dir).String(), o.opts.PublishTimeout)
	if r.Succeeded || alreadyExists(r.Stderr) {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return fmt.Errorf("create cloud folder %s: %s", dir, strings.TrimSpace(r.Stderr))
}

// ListRemoteFolders returns up to limit folder names directly under dir on
// host, in reverse name order so date-stamped experiments come newest
// first. Hidden folders are skipped. limit <= 0 returns every folder.
func (o *Orchestrator) ListRemoteFolders(host, dir string, limit int) ([]string, error) {
	ch, ok := o.remote.OpenFileChannel(host)
	if !ok {
		return nil, fmt.Errorf("no SFTP connection: %w", missing(host))
	}
	defer ch.Close()

	infos, err := ch.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, fi := range infos {
		if fi.IsDir() && !strings.HasPrefix(fi.Name(), ".") {
			names = append(names, fi.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

// ListCloudFolders returns the folders directly under dir on the cloud remote.
func (o *Orchestrator) ListCloudFolders(ctx context.Context, host, dir string) ([]string, error) {
	r := o.remote.Execute(ctx, host, sshclient.CmdCloudList(o.opts.CloudRemote, dir).String(), o.opts.CommandTimeout)
	if !r.Succeeded {
		return nil, fmt.Errorf("list cloud folder %s: %w", dir, r.Error())
	}
	return sshclient.ParseCloudDirs(r.Stdout), nil
}

// CheckCloudRemote reports whether host's rclone has the configured remote.
func (o *Orchestrator) CheckCloudRemote(ctx context.Context, host string) (bool, string) {
	name := o.opts.CloudRemote
	r := o.remote.Execute(ctx, host, sshclient.CmdCloudConfig(name).String(), o.opts.CommandTimeout)
	switch {
	case r.Err != nil:
		return false, fmt.Sprintf("Error checking rclone configuration: %v", r.Err)
	case !r.Succeeded:
		return false, fmt.Sprintf("Remote '%s' not found in rclone config", name)
	}
	typ := sshclient.ParseRemoteType(r.Stdout)
	if typ == "" {
		return false, fmt.Sprintf("Remote '%s' is not configured", name)
	}
	return true, fmt.Sprintf("Remote '%s' configured (type %s)", name, typ)
}

// notFound matches rclone's missing-source errors. A shell "command not
// found" or an unknown remote is a real failure.
func notFound(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, m := range []string{"directory not found", "object not found", "no such file"} {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func alreadyExists(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "already exists")
}
