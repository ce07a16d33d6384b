package sshclient

import (
	"fmt"
	"regexp"
	"strings"
)

var submittedRe = regexp.MustCompile(`Submitted batch job (\d+)\s*$`)

// ParseSubmittedJobID extracts the job id from sbatch output:
// "Submitted batch job 4821".
func ParseSubmittedJobID(out string) (string, error) {
	for _, ln := range strings.Split(out, "\n") {
		if m := submittedRe.FindStringSubmatch(strings.TrimSpace(ln)); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("could not extract job id from: %q", strings.TrimSpace(out))
}

// ParseCloudDirs reads folder names from "rclone lsd" lines:
// "          -1 2026-03-01 12:00:00        -1 Lab Results". Names may contain spaces.
func ParseCloudDirs(out string) []string {
	var dirs []string
	for _, ln := range strings.Split(out, "\n") {
		fields := strings.Fields(ln)
		if len(fields) < 5 {
			continue
		}
		dirs = append(dirs, strings.Join(fields[4:], " "))
	}
	return dirs
}

// ParseRemoteType returns the "type = ..." value of an rclone config section.
func ParseRemoteType(out string) string {
	for _, ln := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(ln, "=")
		if ok && strings.TrimSpace(k) == "type" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ParseQueue reads "<id> <state>" lines from squeue into id -> state.
func ParseQueue(out string) map[string]string {
	res := make(map[string]string)
	for _, ln := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.Trim(strings.TrimSpace(ln), `'"`))
		if len(fields) < 2 {
			continue
		}
		res[fields[0]] = strings.ToUpper(fields[1])
	}
	return res
}

// QueuePurged reports the squeue error for job ids the controller no
// longer knows about.
func QueuePurged(stderr string) bool {
	return strings.Contains(stderr, "Invalid job id specified")
}

// ParseAccounting returns one state per sacct record in report order.
// "CANCELLED by 1234" reads as CANCELLED and "COMPLETED+" as COMPLETED.
func ParseAccounting(out string) []string {
	var states []string
	for _, ln := range strings.Split(out, "\n") {
		fields := strings.Fields(ln)
		if len(fields) == 0 {
			continue
		}
		states = append(states, strings.ToUpper(strings.Trim(fields[0], "+")))
	}
	return states
}
