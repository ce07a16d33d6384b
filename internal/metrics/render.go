package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tastythames/lab-pipeline/internal/cache"
)

// HostLister reports the hosts holding a live session.
type HostLister interface {
	AuthenticatedHosts() []string
}

type Renderer struct {
	Cache cache.Cache
	// Hosts are the hosts rendered for MetricHostAuthenticated even
	// when they have no session.
	Hosts    []string
	Sessions HostLister
	Now      func() time.Time
}

func NewRenderer(c cache.Cache, sessions HostLister, hosts ...string) *Renderer {
	return &Renderer{Cache: c, Sessions: sessions, Hosts: hosts, Now: time.Now}
}

func (r *Renderer) Write(w io.Writer) {
	start := time.Now()
	now := start
	if r.Now != nil {
		now = r.Now()
	}

	fmt.Fprintf(w, "# HELP %s 1 if the pipeline service is running.\n", MetricUp)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricUp)
	fmt.Fprintf(w, "%s 1\n", MetricUp)

	fmt.Fprintf(w, "# HELP %s Time spent rendering /metrics.\n", MetricRenderDurationSeconds)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricRenderDurationSeconds)

	// sessions
	fmt.Fprintf(w, "# HELP %s 1 if a live session to the host exists.\n", MetricHostAuthenticated)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricHostAuthenticated)
	live := map[string]bool{}
	if r.Sessions != nil {
		for _, h := range r.Sessions.AuthenticatedHosts() {
			live[h] = true
		}
	}
	hosts := make(map[string]bool, len(live)+len(r.Hosts))
	for h := range live {
		hosts[h] = true
	}
	for _, h := range r.Hosts {
		hosts[h] = true
	}
	for _, h := range sortedKeys(hosts) {
		v := 0
		if live[h] {
			v = 1
		}
		fmt.Fprintf(w, "%s%s %d\n", MetricHostAuthenticated, formatLabels(map[string]string{"host": h}), v)
	}

	// jobs
	fmt.Fprintf(w, "# HELP %s 1 for the current status of an experiment's job.\n", MetricJobStatus)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricJobStatus)
	fmt.Fprintf(w, "# HELP %s Age of the last status poll per experiment.\n", MetricStatusAgeSeconds)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricStatusAgeSeconds)
	fmt.Fprintf(w, "# HELP %s 1 if the last status poll returned an error.\n", MetricPollError)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricPollError)

	snap := r.Cache.Snapshot()
	exps := make([]string, 0, len(snap))
	for e := range snap {
		exps = append(exps, e)
	}
	sort.Strings(exps)

	for _, exp := range exps {
		e := snap[exp]
		fmt.Fprintf(w, "%s%s 1\n", MetricJobStatus, formatLabels(map[string]string{
			"experiment": exp,
			"job_id":     e.JobID,
			"status":     e.Status,
		}))

		labels := formatLabels(map[string]string{"experiment": exp})
		fmt.Fprintf(w, "%s%s %.3f\n", MetricStatusAgeSeconds, labels, now.Sub(e.At).Seconds())

		errFlag := 0
		if e.Err != nil {
			errFlag = 1
		}
		fmt.Fprintf(w, "%s%s %d\n", MetricPollError, labels, errFlag)
	}

	dur := time.Since(start).Seconds()
	fmt.Fprintf(w, "%s %.6f\n", MetricRenderDurationSeconds, dur)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func formatLabels(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("{")
	for i, k := range sortedKeys(m) {
		if i > 0 {
			b.WriteString(",")
		}
		// experiment names come from operators and may hold quotes
		fmt.Fprintf(&b, `%s="%s"`, k, labelEscaper.Replace(m[k]))
	}
	b.WriteString("}")
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
