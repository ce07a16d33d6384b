// Package config loads the host, path and timing settings of a pipeline
// deployment from YAML, with a .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfig  = "LAB_PIPELINE_CONFIG"
	EnvListen  = "LAB_PIPELINE_LISTEN"
	EnvEnvFile = "LAB_PIPELINE_ENV_FILE"

	DefaultConfigPath = "config.yaml"
	DefaultEnvFile    = ".env"
	DefaultListen     = ":9222"
)

type Config struct {
	// LocalBase is the workstation directory holding experiment folders.
	LocalBase string   `yaml:"local_base"`
	NAS       Host     `yaml:"nas"`
	HPC       HPC      `yaml:"hpc"`
	Cloud     Cloud    `yaml:"cloud"`
	Pipeline  Pipeline `yaml:"pipeline"`
	Ledger    Ledger   `yaml:"ledger"`
	Listen    string   `yaml:"listen"`
}

type Host struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	BasePath string `yaml:"base_path"`
	User     string `yaml:"user"`
	// PasswordEnv names the variable holding the secret. Secrets never live in YAML.
	PasswordEnv string `yaml:"password_env"`
}

type HPC struct {
	Host      `yaml:",inline"`
	Projects  []string       `yaml:"projects"`
	Snakemake Workflow       `yaml:"snakemake"`
	Workflows []WorkflowRule `yaml:"workflows"`
}

type Workflow struct {
	WorkflowPath string `yaml:"workflow_path"`
	CondaEnv     string `yaml:"conda_env"`
}

// WorkflowRule routes experiments whose name contains Match to a workflow.
type WorkflowRule struct {
	Match    string `yaml:"match"`
	Workflow `yaml:",inline"`
}

type Cloud struct {
	Remote   string `yaml:"remote"`
	BasePath string `yaml:"base_path"`
}

type Pipeline struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	CredentialTTL  time.Duration `yaml:"credential_ttl"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	MirrorTimeout  time.Duration `yaml:"mirror_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type Ledger struct {
	// Path of the sqlite file. Empty disables run history.
	Path string `yaml:"path"`
}

// Load reads the YAML file at path and fills in defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	c.normalize()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) normalize() {
	if c.NAS.Port == 0 {
		c.NAS.Port = 22
	}
	if c.HPC.Port == 0 {
		c.HPC.Port = 22
	}
	if c.HPC.Snakemake.CondaEnv == "" {
		c.HPC.Snakemake.CondaEnv = "invision"
	}
	for i := range c.HPC.Workflows {
		w := &c.HPC.Workflows[i]
		if w.WorkflowPath == "" {
			w.WorkflowPath = c.HPC.Snakemake.WorkflowPath
		}
		if w.CondaEnv == "" {
			w.CondaEnv = c.HPC.Snakemake.CondaEnv
		}
	}
	if c.Cloud.Remote == "" {
		c.Cloud.Remote = "onedrive"
	}

	p := &c.Pipeline
	setDefault(&p.PollInterval, 30*time.Second)
	setDefault(&p.CredentialTTL, 24*time.Hour)
	setDefault(&p.AuthTimeout, 90*time.Second)
	setDefault(&p.CommandTimeout, 5*time.Minute)
	setDefault(&p.MirrorTimeout, 30*time.Minute)
	setDefault(&p.PublishTimeout, 10*time.Minute)

	if c.Listen == "" {
		c.Listen = DefaultListen
	}
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d <= 0 {
		*d = v
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.NAS.Host == "" {
		errs = append(errs, errors.New("nas.host is required"))
	}
	if c.HPC.Host.Host == "" {
		errs = append(errs, errors.New("hpc.host is required"))
	}
	if c.HPC.BasePath == "" {
		errs = append(errs, errors.New("hpc.base_path is required"))
	}
	for i, w := range c.HPC.Workflows {
		if w.Match == "" {
			errs = append(errs, fmt.Errorf("hpc.workflows[%d].match is empty", i))
		}
	}
	return errors.Join(errs...)
}

// ResolveWorkflow returns the workflow for an experiment: the first rule
// whose match is a substring of name, else the snakemake defaults.
func (h HPC) ResolveWorkflow(name string) Workflow {
	for _, w := range h.Workflows {
		if strings.Contains(name, w.Match) {
			return w.Workflow
		}
	}
	return h.Snakemake
}

// Secret reads the host secret from the variable named by PasswordEnv.
func (h Host) Secret() (string, error) {
	if h.PasswordEnv == "" {
		return "", fmt.Errorf("%s: no password_env configured", h.Host)
	}
	v := os.Getenv(h.PasswordEnv)
	if v == "" {
		return "", fmt.Errorf("%s: %s is not set", h.Host, h.PasswordEnv)
	}
	return v, nil
}

// LoadEnv sets variables from a .env file without overriding ones already
// set. A missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func Getenv(k, fb string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return fb
}

// FromEnv loads the .env file, then the config file named by the
// environment, and applies the listen override.
func FromEnv() (*Config, error) {
	if err := LoadEnv(Getenv(EnvEnvFile, DefaultEnvFile)); err != nil {
		return nil, err
	}
	c, err := Load(Getenv(EnvConfig, DefaultConfigPath))
	if err != nil {
		return nil, err
	}
	c.Listen = Getenv(EnvListen, c.Listen)
	return c, nil
}
