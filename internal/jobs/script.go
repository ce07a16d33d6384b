package jobs

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/tastythames/lab-pipeline/internal/sshclient"
)

const ScriptName = "run_snakemake.sh"

// ScriptOptions are the resource requests written into the sbatch header
// and the concurrency limits handed to snakemake.
type ScriptOptions struct {
	JobPrefix   string
	Time        string
	CPUsPerTask int
	Memory      string
	Partition   string
	Cores       int
	Jobs        int
}

func (o *ScriptOptions) defaults() {
	if o.JobPrefix == "" {
		o.JobPrefix = "invision"
	}
	if o.Time == "" {
		o.Time = "24:00:00"
	}
	if o.CPUsPerTask <= 0 {
		o.CPUsPerTask = 4
	}
	if o.Memory == "" {
		o.Memory = "16G"
	}
	if o.Partition == "" {
		o.Partition = "general"
	}
	if o.Cores <= 0 {
		o.Cores = 4
	}
	if o.Jobs <= 0 {
		o.Jobs = 10
	}
}

// Only the fields below are substituted. Shell positions go through q.
var scriptTmpl = template.Must(template.New("sbatch").Funcs(template.FuncMap{
	"q": sshclient.Quote,
}).Parse(`#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --output={{.ExpPath}}/slurm_%j.out
#SBATCH --error={{.ExpPath}}/slurm_%j.err
#SBATCH --time={{.Opts.Time}}
#SBATCH --ntasks=1
#SBATCH --cpus-per-task={{.Opts.CPUsPerTask}}
#SBATCH --mem={{.Opts.Memory}}
#SBATCH --partition={{.Opts.Partition}}

source ~/.bashrc
conda activate {{q .CondaEnv}}

cd {{q .ExpPath}}

snakemake \
    --snakefile {{q .Snakefile}} \
    --profile {{q .Profile}} \
    --config experiment_path={{q .ExpPath}} \
    --cores {{.Opts.Cores}} \
    --jobs {{.Opts.Jobs}} \
    --rerun-incomplete \
    --keep-going

echo "Snakemake workflow completed for "{{q .Name}}
`))

type scriptData struct {
	Name      string
	JobName   string
	ExpPath   string
	CondaEnv  string
	Snakefile string
	Profile   string
	Opts      ScriptOptions
}

// RenderScript builds the sbatch script for one experiment.
func RenderScript(name, expPath, workflowPath, condaEnv string, opts ScriptOptions) (string, error) {
	opts.defaults()
	if strings.ContainsAny(expPath, " \t\n") {
		return "", fmt.Errorf("experiment path %q contains whitespace", expPath)
	}
	wf := strings.TrimRight(workflowPath, "/")
	data := scriptData{
		Name:      name,
		JobName:   opts.JobPrefix + "_" + jobNameSafe(name),
		ExpPath:   expPath,
		CondaEnv:  condaEnv,
		Snakefile: wf + "/Snakefile",
		Profile:   wf + "/slurm-profile",
		Opts:      opts,
	}
	var b bytes.Buffer
	if err := scriptTmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// jobNameSafe keeps letters, digits, '.', '-' and '_'.
func jobNameSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
