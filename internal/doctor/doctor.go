// Package doctor checks a kiln configuration against the machine it runs on.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/mattjoyce/kiln/internal/config"
	"github.com/mattjoyce/kiln/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Doctor validates configuration against the local environment.
type Doctor struct {
	cfg      *config.Config
	numCPU   int
	lookPath func(string) (string, error)
	localFS  func(path, setting string) error
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:      cfg,
		numCPU:   runtime.NumCPU(),
		lookPath: exec.LookPath,
		localFS:  storage.RequireLocalFilesystem,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateRunner(r)
	d.validateStorage(r)
	d.validateStartupLog(r)
	d.warnWorkers(r)
	d.warnTimeouts(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateRunner checks that builds have something to execute.
func (d *Doctor) validateRunner(r *Result) {
	runner := d.cfg.Testing.Runner
	if runner == "" {
		d.addError(r, "testing", "testing.runner", "no test runner configured; every class would fail")
		return
	}
	if !strings.ContainsRune(runner, filepath.Separator) {
		if _, err := d.lookPath(runner); err != nil {
			d.addError(r, "testing", "testing.runner", fmt.Sprintf("%q not found on PATH", runner))
		}
		return
	}
	info, err := os.Stat(runner)
	switch {
	case err != nil:
		d.addError(r, "testing", "testing.runner", fmt.Sprintf("cannot stat %s: %v", runner, err))
	case info.IsDir():
		d.addError(r, "testing", "testing.runner", fmt.Sprintf("%s is a directory", runner))
	case info.Mode().Perm()&0o111 == 0:
		d.addError(r, "testing", "testing.runner", fmt.Sprintf("%s is not executable", runner))
	}

	if wd := d.cfg.Testing.WorkDir; wd != "" {
		if info, err := os.Stat(wd); err != nil || !info.IsDir() {
			d.addError(r, "testing", "testing.work_dir", fmt.Sprintf("%s is not a directory", wd))
		}
	}
}

// validateStorage checks that state and lock files sit on local disk.
func (d *Doctor) validateStorage(r *Result) {
	if err := d.localFS(d.cfg.State.Path, "state.path"); err != nil {
		d.addError(r, "storage", "state.path", err.Error())
	}
	if err := d.localFS(d.cfg.Daemon.Dir, "daemon.dir"); err != nil {
		d.addError(r, "storage", "daemon.dir", err.Error())
	}
}

func (d *Doctor) validateStartupLog(r *Result) {
	path := d.cfg.Daemon.StartupLog
	if path == "" {
		return
	}
	if info, err := os.Stat(filepath.Dir(path)); err != nil || !info.IsDir() {
		d.addError(r, "daemon", "daemon.startup_log", fmt.Sprintf("directory of %s does not exist", path))
	}
}

func (d *Doctor) warnWorkers(r *Result) {
	if n := d.cfg.Testing.MaxParallelForks; n > 2*d.numCPU {
		d.addWarning(r, "testing", "testing.max_parallel_forks",
			fmt.Sprintf("%d workers on %d CPUs; runners will compete for cores", n, d.numCPU))
	}
}

func (d *Doctor) warnTimeouts(r *Result) {
	if d.cfg.Service.IdleTimeout == 0 {
		d.addWarning(r, "service", "service.idle_timeout", "daemon never stops on its own; use 'kiln stop'")
	}
	if d.cfg.Daemon.HandshakeTimeout < time.Second {
		d.addWarning(r, "daemon", "daemon.handshake_timeout",
			fmt.Sprintf("%s may be too short for a daemon to open its database", d.cfg.Daemon.HandshakeTimeout))
	}
}

// warnMissingEnvVars reports ${VAR} references left unresolved at load time.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	fields := map[string]string{"testing.runner": d.cfg.Testing.Runner}
	for i, a := range d.cfg.Testing.Args {
		fields[fmt.Sprintf("testing.args[%d]", i)] = a
	}
	for field, value := range fields {
		for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
			d.addWarning(r, "env", field, fmt.Sprintf("environment variable %s is not set", m[1]))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
