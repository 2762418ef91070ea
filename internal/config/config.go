package config

/*
oonict — feed TLS chains seen by OONI probes into Certificate Transparency logs
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/x-stp/oonict/internal/client"
	"github.com/x-stp/oonict/internal/core"
	"github.com/x-stp/oonict/internal/source"
	"github.com/x-stp/oonict/internal/util"
)

// Config holds all configuration for oonict.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	State   StateConfig   `yaml:"state"`
	Source  SourceConfig  `yaml:"source"`
	Run     RunConfig     `yaml:"run"`
	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig describes the CT log chains are submitted to.
type LogConfig struct {
	URL            string        `yaml:"url"`
	SubmitLimit    int           `yaml:"submit_limit"`  // Submissions admitted per window.
	SubmitWindow   time.Duration `yaml:"submit_window"` // Length of the rolling window.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StateConfig holds the paths of the files that survive between runs.
type StateConfig struct {
	Ledger         string `yaml:"ledger"` // Empty derives a per-log name; see ResolveStatePaths.
	Progress       string `yaml:"progress"` // Empty disables the archive cache.
	RecoverCorrupt bool   `yaml:"recover_corrupt"`
}

// SourceConfig says where archives come from. Dir and KeyFile are alternatives.
type SourceConfig struct {
	Dir         string   `yaml:"dir"`
	BucketURL   string   `yaml:"bucket_url"`
	KeyFile     string   `yaml:"key_file"`
	Suffixes    []string `yaml:"suffixes"`
	MaxArchives int      `yaml:"max_archives"` // 0 means no cap.
}

// RunConfig tunes the pipeline.
type RunConfig struct {
	Workers        int           `yaml:"workers"`
	DispatchRate   float64       `yaml:"dispatch_rate"`
	PinCPUs        bool          `yaml:"pin_cpus"`
	ForceRescan    bool          `yaml:"force_rescan"`
	ReportInterval time.Duration `yaml:"report_interval"`
	SummaryJSON    string        `yaml:"summary_json"` // Also write the run summary here.
}

// HTTPConfig tunes the shared HTTP client.
type HTTPConfig struct {
	Timeout   time.Duration `yaml:"timeout"` // Whole request for log API calls. Archive bodies are not bounded by it.
	UserAgent string        `yaml:"user_agent"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			SubmitLimit:    core.DefaultSubmitLimit,
			SubmitWindow:   core.DefaultSubmitWindow,
			RequestTimeout: core.DefaultSubmitTimeout,
		},
		State: StateConfig{
			Progress: "oonict-progress.txt",
		},
		Source: SourceConfig{
			BucketURL: source.DefaultBucketURL,
		},
		Run: RunConfig{
			Workers:        core.DefaultWorkers,
			DispatchRate:   core.DefaultDispatchRate,
			ReportInterval: core.StatsReportInterval,
		},
		HTTP: HTTPConfig{
			Timeout: client.RequestTimeout,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
		},
	}
}

// ResolveStatePaths fills in a ledger path when none is configured. The ledger records
// one log's answers, so the derived name carries the log URL.
func (c *Config) ResolveStatePaths() {
	if c.State.Ledger != "" {
		return
	}
	if stem := util.URLStem(c.Log.URL); stem != "" {
		c.State.Ledger = "oonict-ledger-" + stem + ".txt"
		return
	}
	c.State.Ledger = "oonict-ledger.txt"
}

// Validate checks value ranges. It does not require a log or a source, since not
// every command needs them; see ValidateRun.
func (c *Config) Validate() error {
	if c.Log.SubmitLimit <= 0 {
		return fmt.Errorf("log.submit_limit must be positive, got %d", c.Log.SubmitLimit)
	}
	if c.Log.SubmitWindow <= 0 {
		return fmt.Errorf("log.submit_window must be positive, got %s", c.Log.SubmitWindow)
	}
	if c.Log.RequestTimeout <= 0 {
		return fmt.Errorf("log.request_timeout must be positive, got %s", c.Log.RequestTimeout)
	}
	if c.State.Ledger == "" {
		return errors.New("state.ledger is required")
	}
	if c.Run.Workers <= 0 || c.Run.Workers > core.MaxWorkers {
		return fmt.Errorf("run.workers must be between 1 and %d, got %d", core.MaxWorkers, c.Run.Workers)
	}
	if c.Run.DispatchRate < 0 {
		return fmt.Errorf("run.dispatch_rate must not be negative")
	}
	if c.Source.MaxArchives < 0 {
		return fmt.Errorf("source.max_archives must not be negative")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return errors.New("metrics.listen_addr is required when metrics are enabled")
	}
	return nil
}

// ValidateRun checks everything a submission run needs on top of Validate.
func (c *Config) ValidateRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.ValidateLog(); err != nil {
		return err
	}
	return c.ValidateSource()
}

// ValidateLog checks the log URL.
func (c *Config) ValidateLog() error {
	if c.Log.URL == "" {
		return errors.New("log.url is required")
	}
	u, err := url.Parse(c.Log.URL)
	if err != nil {
		return fmt.Errorf("log.url is invalid: %w", err)
	}
	if u.Scheme != "" && u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("log.url must be http(s), got scheme %q", u.Scheme)
	}
	return nil
}

// ValidateSource checks that exactly one archive source is configured.
func (c *Config) ValidateSource() error {
	switch {
	case c.Source.Dir == "" && c.Source.KeyFile == "":
		return errors.New("one of source.dir or source.key_file is required")
	case c.Source.Dir != "" && c.Source.KeyFile != "":
		return errors.New("source.dir and source.key_file are mutually exclusive")
	case c.Source.KeyFile != "" && c.Source.BucketURL == "":
		return errors.New("source.bucket_url is required with source.key_file")
	}
	return nil
}
