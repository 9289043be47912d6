// Package executor applies one update package on a ship: download, extract,
// parse update.json, back up, replace containers and roll back on failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/runtime"
)

// State is a step of the update state machine.
type State string

const (
	StateDownloading         State = "downloading"
	StateExtracting          State = "extracting"
	StateParsingInstructions State = "parsing_instructions"
	StateBackingUp           State = "backing_up"
	StateApplying            State = "applying"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
	StateRollingBack         State = "rolling_back"
	StateRolledBack          State = "rolled_back"
)

// Config holds the executor's directories and timeouts.
type Config struct {
	WorkDir         string
	BackupDir       string
	BackupRetention time.Duration
	// StepTimeout bounds each runtime call of a container replacement.
	StepTimeout time.Duration
	// StopTimeout is the grace period given to a container before it is killed.
	StopTimeout time.Duration
	// ScriptTimeout bounds each custom script.
	ScriptTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "fleet-agent", "work")
	}
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(os.TempDir(), "fleet-agent", "backups")
	}
	if c.BackupRetention <= 0 {
		c.BackupRetention = 30 * 24 * time.Hour
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = 10 * time.Minute
	}
}

// Result is the outcome of one Execute call. Status is StateCompleted or
// StateFailed; RolledBack records whether backups were restored.
type Result struct {
	UpdateID   string
	Status     State
	Err        error
	States     []State
	Backups    []models.Backup
	RolledBack bool
	// ScriptErrors are advisory; they never fail the update.
	ScriptErrors []error
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Succeeded reports whether the update completed.
func (r *Result) Succeeded() bool { return r.Status == StateCompleted }

// Message summarises the result for the coordinator's status report.
func (r *Result) Message() string {
	switch {
	case r.Succeeded():
		return "update applied"
	case r.RolledBack:
		return fmt.Sprintf("update failed and was rolled back: %v", r.Err)
	case r.Err != nil:
		return fmt.Sprintf("update failed: %v", r.Err)
	}
	return "update failed"
}

// ScriptRunner runs one custom script with dir as its working directory.
type ScriptRunner func(ctx context.Context, dir, script string) error

func shellRunner(ctx context.Context, dir, script string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", script)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(script), err, out)
	}
	return nil
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock sets the clock used for backup names and retention.
func WithClock(c clock.PassiveClock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithDownloader replaces the default HTTP/file downloader.
func WithDownloader(d *Downloader) Option {
	return func(e *Executor) { e.downloader = d }
}

// WithScriptRunner replaces the /bin/sh script runner.
func WithScriptRunner(r ScriptRunner) Option {
	return func(e *Executor) { e.scripts = r }
}

// WithStateHook is called on every state transition.
func WithStateHook(fn func(updateID string, s State)) Option {
	return func(e *Executor) { e.onState = fn }
}

// Executor applies updates one at a time.
type Executor struct {
	cfg        Config
	runtime    runtime.ContainerRuntime
	downloader *Downloader
	scripts    ScriptRunner
	clock      clock.PassiveClock
	logger     *slog.Logger
	onState    func(updateID string, s State)

	// mu serialises Execute and the backup sweep.
	mu sync.Mutex
}

// New creates an Executor driving rt.
func New(rt runtime.ContainerRuntime, cfg Config, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()
	e := &Executor{
		cfg:     cfg,
		runtime: rt,
		scripts: shellRunner,
		clock:   clock.RealClock{},
		logger:  logger.With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.downloader == nil {
		e.downloader = NewDownloader(e.logger)
	}
	return e
}

// run tracks one Execute call.
type run struct {
	e      *Executor
	update *models.UpdateRequest
	result *Result
	logger *slog.Logger
	// touched is set once a container replacement has started.
	touched bool
}

func (r *run) enter(s State) {
	r.result.States = append(r.result.States, s)
	r.logger.Info("update state", "state", s)
	if r.e.onState != nil {
		r.e.onState(r.update.ID, s)
	}
}

func (r *run) fail(err error) *Result {
	if isNoSpace(err) && !errors.Is(err, ErrNoSpace) {
		err = fmt.Errorf("%w: %v", ErrNoSpace, err)
	}
	r.result.Err = err
	r.result.Status = StateFailed
	r.result.FinishedAt = r.e.clock.Now()
	r.enter(StateFailed)
	return r.result
}

// Execute applies u and blocks until it completed, failed or was rolled back.
// Cancelling ctx stops the update before the next container replacement; a
// replacement already started always runs to completion.
func (e *Executor) Execute(ctx context.Context, u *models.UpdateRequest) *Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := &run{
		e:      e,
		update: u,
		result: &Result{UpdateID: u.ID, StartedAt: e.clock.Now()},
		logger: e.logger.With("update_id", u.ID),
	}

	manifest, dir, err := r.prepare(ctx)
	if err != nil {
		return r.fail(err)
	}

	r.enter(StateBackingUp)
	r.result.Backups = e.backupContainers(ctx, manifest)

	r.enter(StateApplying)
	if err := r.apply(ctx, manifest); err != nil {
		r.fail(err)
		r.rollback()
		return r.result
	}

	if dir != "" {
		r.runScripts(ctx, manifest, dir)
	}

	if err := os.RemoveAll(e.updateDir(u.ID)); err != nil {
		r.logger.Warn("cannot remove working directory", "error", err)
	}
	r.result.Status = StateCompleted
	r.result.FinishedAt = e.clock.Now()
	r.enter(StateCompleted)
	return r.result
}

func (e *Executor) updateDir(id string) string {
	return filepath.Join(e.cfg.WorkDir, id)
}

// prepare downloads, extracts and parses the package. Image-only updates skip
// straight to a synthesised manifest and return an empty dir.
func (r *run) prepare(ctx context.Context) (*Manifest, string, error) {
	u := r.update
	if u.PackageURL == "" {
		r.enter(StateParsingInstructions)
		m, err := manifestFromRequest(u)
		return m, "", err
	}

	r.enter(StateDownloading)
	pkg := filepath.Join(r.e.cfg.WorkDir, u.ID+".pkg")
	if _, err := r.e.downloader.Fetch(ctx, u.PackageURL, pkg, u.Checksum); err != nil {
		return nil, "", err
	}
	defer os.Remove(pkg)

	r.enter(StateExtracting)
	dest := r.e.updateDir(u.ID)
	if err := os.RemoveAll(dest); err != nil {
		return nil, "", fmt.Errorf("clearing %s: %w", dest, err)
	}
	format, err := Extract(pkg, dest)
	if err != nil {
		return nil, "", fmt.Errorf("extracting package: %w", err)
	}
	r.logger.Debug("package extracted", "format", format, "dir", dest)

	r.enter(StateParsingInstructions)
	m, manifestDir, err := LoadManifest(dest)
	if err != nil {
		return nil, "", err
	}
	return m, manifestDir, nil
}

// apply replaces each manifest container in order.
func (r *run) apply(ctx context.Context, m *Manifest) error {
	for _, c := range m.ContainersToUpdate {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("update cancelled before %s: %w", c.Name, err)
		}
		r.touched = true
		// the replacement finishes even if ctx is cancelled mid-way
		if err := r.replace(context.WithoutCancel(ctx), c); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) step(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.e.cfg.StepTimeout)
}

func (r *run) replace(ctx context.Context, c ContainerUpdate) error {
	rt := r.e.runtime
	image, tag := c.Reference()

	stepCtx, cancel := r.step(ctx)
	err := rt.Pull(stepCtx, image, tag)
	cancel()
	if err != nil {
		return fmt.Errorf("pulling %s: %w", c.FullImage(), err)
	}

	stepCtx, cancel = r.step(ctx)
	existing, err := rt.Inspect(stepCtx, c.Name)
	cancel()
	switch {
	case errors.Is(err, runtime.ErrNotFound):
	case err != nil:
		return fmt.Errorf("inspecting %s: %w", c.Name, err)
	default:
		if existing.IsRunning() {
			stepCtx, cancel = r.step(ctx)
			err = rt.Stop(stepCtx, existing.ID, r.e.cfg.StopTimeout)
			cancel()
			if err != nil {
				return fmt.Errorf("stopping %s: %w", c.Name, err)
			}
		}
		stepCtx, cancel = r.step(ctx)
		err = rt.Remove(stepCtx, existing.ID, true)
		cancel()
		if err != nil {
			return fmt.Errorf("removing %s: %w", c.Name, err)
		}
	}

	stepCtx, cancel = r.step(ctx)
	id, err := rt.Create(stepCtx, c.FullImage(), c.Name, runtime.Spec{
		Env:   c.EnvironmentVariables,
		Ports: c.PortMappings,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("creating %s: %w", c.Name, err)
	}

	stepCtx, cancel = r.step(ctx)
	err = rt.Start(stepCtx, id)
	cancel()
	if err != nil {
		return fmt.Errorf("starting %s: %w", c.Name, err)
	}

	r.logger.Info("container updated", "container", c.Name, "image", c.FullImage())
	return nil
}

func (r *run) rollback() {
	if !r.touched {
		return
	}
	if len(r.result.Backups) == 0 {
		r.logger.Warn("update failed with no backups to restore")
		return
	}
	r.enter(StateRollingBack)
	ctx, cancel := context.WithTimeout(context.Background(), r.e.cfg.StepTimeout)
	defer cancel()
	if err := r.e.restore(ctx, r.result.Backups); err != nil {
		r.logger.Error("rollback incomplete", "error", err)
		return
	}
	r.result.RolledBack = true
	r.enter(StateRolledBack)
}

// runScripts runs the manifest's scripts in order. Failures are advisory.
func (r *run) runScripts(ctx context.Context, m *Manifest, dir string) {
	for _, s := range m.CustomScripts {
		path, err := safeJoin(dir, s)
		if err != nil {
			r.result.ScriptErrors = append(r.result.ScriptErrors, err)
			continue
		}
		if _, err := os.Stat(path); err != nil {
			r.logger.Warn("custom script not found", "script", s)
			r.result.ScriptErrors = append(r.result.ScriptErrors, fmt.Errorf("script %s: %w", s, err))
			continue
		}
		scriptCtx, cancel := context.WithTimeout(ctx, r.e.cfg.ScriptTimeout)
		err = r.e.scripts(scriptCtx, dir, path)
		cancel()
		if err != nil {
			r.logger.Warn("custom script failed", "script", s, "error", err)
			r.result.ScriptErrors = append(r.result.ScriptErrors, err)
			continue
		}
		r.logger.Info("custom script completed", "script", s)
	}
}
