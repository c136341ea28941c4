package config

import (
	"fmt"
	"jobwatch/internal/job"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
)

// Output formats understood by the CLI.
const (
	OutputJSON = "json"
	OutputYAML = "yaml"
)

// SessionFile is a TOML file holding CLI defaults for one reconciliation session.
// Command-line flags override anything set here.
type SessionFile struct {
	Backend    string     `toml:"backend"`
	Endpoint   string     `toml:"endpoint"`
	TokenFile  string     `toml:"token_file"`
	NumRetries *int       `toml:"num_retries"`
	Output     string     `toml:"output"`
	Job        JobSection `toml:"job"`
}

// JobSection selects the tracked jobs and how they are reconciled.
type JobSection struct {
	ProjectID             string            `toml:"project_id"`
	Location              string            `toml:"location"`
	ID                    string            `toml:"id"`
	Name                  string            `toml:"name"`
	MultipleJobs          bool              `toml:"multiple_jobs"`
	PollInterval          time.Duration     `toml:"poll_interval"`
	CancelTimeout         time.Duration     `toml:"cancel_timeout"`
	DrainPipeline         bool              `toml:"drain_pipeline"`
	WaitUntilFinished     *bool             `toml:"wait_until_finished"`
	ExpectedTerminalState string            `toml:"expected_terminal_state"`
	Options               map[string]string `toml:"options"`
}

// DefaultSessionFile returns a SessionFile with defaults.
func DefaultSessionFile() *SessionFile {
	return &SessionFile{
		Backend: BackendDataflow,
		Output:  OutputJSON,
		Job: JobSection{
			Location:      job.DefaultLocation,
			PollInterval:  job.DefaultPollInterval,
			CancelTimeout: job.DefaultCancelTimeout,
		},
	}
}

// LoadSessionFile loads a session file on top of the defaults. An empty path
// returns the defaults.
func LoadSessionFile(path string) (*SessionFile, error) {
	sf := DefaultSessionFile()
	if path == "" {
		return sf, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("session file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, sf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys in session file: %v", keys)
	}

	if err := sf.Validate(); err != nil {
		return nil, err
	}
	return sf, nil
}

// Validate checks the values set in the file. Completeness (project, job id
// or name) is checked once flags are merged, by the controller.
func (s *SessionFile) Validate() error {
	if err := ValidateBackend(s.Backend); err != nil {
		return err
	}
	if s.Output != OutputJSON && s.Output != OutputYAML {
		return fmt.Errorf("invalid output: %s (must be %s or %s)", s.Output, OutputJSON, OutputYAML)
	}
	if s.NumRetries != nil && *s.NumRetries < 0 {
		return fmt.Errorf("num_retries must not be negative")
	}
	if s.Job.PollInterval < 0 {
		return fmt.Errorf("job poll_interval must not be negative")
	}
	if s.Job.CancelTimeout < 0 {
		return fmt.Errorf("job cancel_timeout must not be negative")
	}
	if s.Job.ExpectedTerminalState != "" {
		if _, err := job.ParseState(s.Job.ExpectedTerminalState); err != nil {
			return err
		}
	}
	return nil
}

// ControllerConfig converts the job section into a controller configuration.
func (s *SessionFile) ControllerConfig() (job.ControllerConfig, error) {
	cfg := job.ControllerConfig{
		ProjectID:         s.Job.ProjectID,
		Location:          s.Job.Location,
		JobID:             s.Job.ID,
		JobName:           s.Job.Name,
		MultipleJobs:      s.Job.MultipleJobs,
		PollInterval:      s.Job.PollInterval,
		CancelTimeout:     s.Job.CancelTimeout,
		DrainPipeline:     s.Job.DrainPipeline,
		WaitUntilFinished: s.Job.WaitUntilFinished,
		Options:           s.Job.Options,
	}
	if s.Job.ExpectedTerminalState != "" {
		state, err := job.ParseState(s.Job.ExpectedTerminalState)
		if err != nil {
			return job.ControllerConfig{}, err
		}
		cfg.ExpectedTerminalState = state
	}
	return cfg, nil
}
