package sshclient

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Command is a shell command built from a fixed template. Only the
// substitutable fields (paths, names, job ids) vary and every one of them
// is quoted, so operator-supplied experiment names cannot inject shell.
type Command struct {
	kind string
	text string
}

func (c Command) String() string { return c.text }

// Kind names the template the command was built from.
func (c Command) Kind() string { return c.kind }

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, `'`, `'"'"'`) + "'"
}

// ValidateName rejects experiment or folder names that would escape their
// parent directory once joined into a remote path.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty name")
	case name == "." || name == "..":
		return fmt.Errorf("invalid name %q", name)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("name %q contains a path separator", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("name %q contains a control character", name)
		}
	}
	return nil
}

// ValidateJobID accepts scheduler ids made of digits only.
func ValidateJobID(id string) error {
	if id == "" {
		return fmt.Errorf("empty job id")
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return fmt.Errorf("invalid job id %q", id)
	}
	return nil
}

// JoinPath joins a base directory and a validated name with '/'.
func JoinPath(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + name
}

func CmdMkdir(dir string) Command {
	return Command{kind: "mkdir", text: "mkdir -p " + Quote(dir)}
}

// CmdMirror pulls srcDir from srcHost into destDir, which must exist. It
// runs on the destination host, which reaches the source as user.
func CmdMirror(user, srcHost string, srcPort int, srcDir, destDir string) Command {
	sshOpt := "ssh -o StrictHostKeyChecking=no"
	if srcPort > 0 && srcPort != 22 {
		sshOpt += " -p " + strconv.Itoa(srcPort)
	}
	src := user + "@" + srcHost + ":" + strings.TrimRight(srcDir, "/") + "/"
	dest := strings.TrimRight(destDir, "/") + "/"
	text := fmt.Sprintf("rsync -az -e %s %s %s", Quote(sshOpt), Quote(src), Quote(dest))
	return Command{kind: "mirror", text: text}
}

func CmdCloudMkdir(remote, dir string) Command {
	return Command{kind: "cloud-mkdir", text: "rclone mkdir " + Quote(remote+":"+dir)}
}

func CmdCloudCopy(srcFile, remote, destDir string) Command {
	dest := remote + ":" + strings.TrimRight(destDir, "/") + "/"
	return Command{kind: "cloud-copy", text: fmt.Sprintf("rclone copy %s %s", Quote(srcFile), Quote(dest))}
}

// CmdCloudList lists the folders directly under dir on the cloud remote.
func CmdCloudList(remote, dir string) Command {
	return Command{kind: "cloud-list", text: "rclone lsd " + Quote(remote+":"+dir)}
}

func CmdCloudConfig(remote string) Command {
	return Command{kind: "cloud-config", text: "rclone config show " + Quote(remote)}
}

// CmdDeleteByExtension removes regular files with the given extensions
// under dir. Directories and every other file are left in place.
func CmdDeleteByExtension(dir string, exts []string) Command {
	if len(exts) == 0 {
		return Command{kind: "delete-inputs", text: "true"}
	}
	names := make([]string, 0, len(exts))
	for _, e := range exts {
		names = append(names, "-name "+Quote("*."+strings.TrimPrefix(e, ".")))
	}
	text := fmt.Sprintf("cd %s && find . -type f \\( %s \\) -delete",
		Quote(dir), strings.Join(names, " -o "))
	return Command{kind: "delete-inputs", text: text}
}

const heredocMarker = "LAB_PIPELINE_EOF"

// CmdWriteScript writes content to path and marks it executable.
func CmdWriteScript(path, content string) (Command, error) {
	for _, ln := range strings.Split(content, "\n") {
		if ln == heredocMarker {
			return Command{}, fmt.Errorf("script contains the heredoc marker")
		}
	}
	dir := path
	if i := strings.LastIndex(path, "/"); i > 0 {
		dir = path[:i]
	}
	text := fmt.Sprintf("mkdir -p %s && cat > %s << '%s'\n%s\n%s\nchmod +x %s",
		Quote(dir), Quote(path), heredocMarker, strings.TrimRight(content, "\n"), heredocMarker, Quote(path))
	return Command{kind: "write-script", text: text}, nil
}

func CmdSubmit(dir, script string) Command {
	return Command{kind: "sbatch", text: fmt.Sprintf("cd %s && sbatch %s", Quote(dir), Quote(script))}
}

// CmdQueue asks the scheduler for the live state of the given jobs.
func CmdQueue(jobIDs []string) (Command, error) {
	if len(jobIDs) == 0 {
		return Command{}, fmt.Errorf("no job ids")
	}
	for _, id := range jobIDs {
		if err := ValidateJobID(id); err != nil {
			return Command{}, err
		}
	}
	return Command{kind: "squeue", text: fmt.Sprintf("squeue -j %s --format='%%i %%T' --noheader", strings.Join(jobIDs, ","))}, nil
}

// CmdAccounting asks the accounting database for a finished job's states.
func CmdAccounting(jobID string) (Command, error) {
	if err := ValidateJobID(jobID); err != nil {
		return Command{}, err
	}
	return Command{kind: "sacct", text: fmt.Sprintf("sacct -j %s --format=State --noheader --parsable2", jobID)}, nil
}

func CmdFileExists(path string) Command {
	return Command{kind: "test-file", text: "test -e " + Quote(path)}
}
