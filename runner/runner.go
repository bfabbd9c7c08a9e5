// Package runner executes one playbook run against one server over SSH.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/vault"
)

// Cancellation causes attached to a run's context
var (
	ErrRunCancelled  = errors.New("run cancelled")
	ErrRunTimeout    = errors.New("run timed out")
	ErrBatchAborted  = errors.New("batch aborted")
	ErrEngineStopped = errors.New("engine stopped")
	ErrLeaseLost     = errors.New("server lease lost")
)

// Recorder persists the state of a run as the runner drives it
type Recorder interface {
	// Start moves the run to running. An error means the run must not execute.
	Start(runID uuid.UUID) error
	// Append adds a chunk of output. An error stops streaming.
	Append(runID uuid.UUID, chunk string) error
	// Finish records the terminal status and appends trailer to the output
	Finish(runID uuid.UUID, status domain.RunStatus, trailer string) error
}

// VaultSource hands out run-scoped vault material
type VaultSource interface {
	Acquire(ctx context.Context, vaultID *uuid.UUID, runID uuid.UUID) (*vault.Handle, error)
}

type Job struct {
	Run       *domain.Run
	Server    *domain.Server
	Playbook  *domain.Playbook
	Variables map[string]any
	VaultID   *uuid.UUID
}

type Options struct {
	PlaybookCommand string
	RemoteTmpDir    string
	CancelGrace     time.Duration
}

func (o Options) withDefaults() Options {
	if o.PlaybookCommand == "" {
		o.PlaybookCommand = "ansible-playbook"
	}
	if o.RemoteTmpDir == "" {
		o.RemoteTmpDir = "/tmp"
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 10 * time.Second
	}
	return o
}

type Runner struct {
	dialer Dialer
	vaults VaultSource
	opts   Options
}

func New(dialer Dialer, vaults VaultSource, opts Options) *Runner {
	return &Runner{
		dialer: dialer,
		vaults: vaults,
		opts:   opts.withDefaults(),
	}
}

// Execute drives job.Run from pending to a terminal status and returns it.
// The run's context carries the cancellation cause, see CancelMarker.
func (r *Runner) Execute(ctx context.Context, job Job, rec Recorder) domain.RunStatus {
	run := job.Run
	logger := slog.With(
		"layer", "runner",
		"run_id", run.ID,
		"server_id", job.Server.ID)

	if err := rec.Start(run.ID); err != nil {
		logger.Warn("Run not started", "error", err)
		return domain.RunStatusFailed
	}
	logger.Info("Run started", "server", job.Server.Name, "playbook", job.Playbook.Name)

	status, trailer := r.execute(ctx, job, rec, logger)

	if err := rec.Finish(run.ID, status, trailer); err != nil {
		logger.Error("Failed to record run result", "status", status, "error", err)
	}
	logger.Info("Run finished", "status", status)
	return status
}

func (r *Runner) execute(ctx context.Context, job Job, rec Recorder, logger *slog.Logger) (domain.RunStatus, string) {
	run := job.Run

	content, err := os.ReadFile(job.Playbook.FilePath)
	if err != nil {
		logger.Error("Failed to read playbook", "path", job.Playbook.FilePath, "error", err)
		return domain.RunStatusFailed, errorLine(fmt.Errorf("failed to read playbook: %w", err))
	}

	handle, err := r.vaults.Acquire(ctx, job.VaultID, run.ID)
	if err != nil {
		logger.Error("Failed to acquire vault", "error", err)
		return domain.RunStatusFailed, errorLine(err)
	}
	defer func() {
		if err := handle.Release(); err != nil {
			logger.Error("Failed to release vault material", "error", err)
		}
	}()

	if ctx.Err() != nil {
		return domain.RunStatusFailed, CancelMarker(ctx)
	}

	client, err := r.dialer.Dial(ctx, targetFor(job.Server))
	if err != nil {
		if ctx.Err() != nil {
			return domain.RunStatusFailed, CancelMarker(ctx)
		}
		connErr := &domain.ConnectionError{Address: job.Server.Address(), Err: err}
		logger.Error("Failed to connect", "error", connErr)
		return domain.RunStatusFailed, errorLine(connErr)
	}
	defer client.Close()

	base := path.Join(r.opts.RemoteTmpDir, fmt.Sprintf("conductor-%s-%s", slug.Make(job.Playbook.Name), run.ID))
	spec := commandSpec{
		Binary:       r.opts.PlaybookCommand,
		PreCommand:   job.Server.PreCommand,
		PlaybookPath: base + ".yml",
		Variables:    job.Variables,
	}
	uploads := []remoteFile{{path: spec.PlaybookPath, content: content}}

	if !handle.Empty() && handle.Password != "" {
		spec.PasswordPath = base + "-vault-pass"
		uploads = append(uploads, remoteFile{path: spec.PasswordPath, content: []byte(handle.Password)})
	}
	if handle.HasSecrets() {
		secrets, err := os.ReadFile(handle.SecretsPath)
		if err != nil {
			return domain.RunStatusFailed, errorLine(fmt.Errorf("failed to read vault secrets: %w", err))
		}
		spec.SecretsPath = base + "-vault-vars.yml"
		uploads = append(uploads, remoteFile{path: spec.SecretsPath, content: secrets})
	}

	var uploaded []string
	defer func() {
		r.cleanup(ctx, client, uploaded, logger)
	}()
	for _, f := range uploads {
		if err := client.Upload(ctx, f.path, bytes.NewReader(f.content), 0o600); err != nil {
			if ctx.Err() != nil {
				return domain.RunStatusFailed, CancelMarker(ctx)
			}
			logger.Error("Failed to upload file", "path", f.path, "error", err)
			return domain.RunStatusFailed, errorLine(err)
		}
		uploaded = append(uploaded, f.path)
	}

	cmd, err := buildCommand(spec)
	if err != nil {
		return domain.RunStatusFailed, errorLine(err)
	}

	out := &chunkWriter{ctx: ctx, runID: run.ID, rec: rec}
	code, err := client.Exec(ctx, cmd, out)
	if ctx.Err() != nil {
		return domain.RunStatusFailed, CancelMarker(ctx)
	}
	if err != nil {
		logger.Error("Command failed", "error", err)
		return domain.RunStatusFailed, errorLine(err)
	}

	switch {
	case code != 0 && out.endsWith(preCommandMarker):
		return domain.RunStatusFailed, errorLine(&domain.ExecutionError{ExitCode: code, Stage: "pre-command"})
	case code == 0:
		return domain.RunStatusSuccess, ""
	default:
		return domain.RunStatusFailed, errorLine(&domain.ExecutionError{ExitCode: code, Stage: "playbook"})
	}
}

// Cleanup removes whatever a run uploaded to the server's temp directory.
// It serves runs whose process died before its own cleanup ran, so it
// matches files by run ID instead of relying on a list of uploads.
func (r *Runner) Cleanup(ctx context.Context, server *domain.Server, runID uuid.UUID) error {
	client, err := r.dialer.Dial(ctx, targetFor(server))
	if err != nil {
		return &domain.ConnectionError{Address: server.Address(), Err: err}
	}
	defer client.Close()

	execCtx, cancel := context.WithTimeout(ctx, r.opts.CancelGrace)
	defer cancel()

	var discard bytes.Buffer
	code, err := client.Exec(execCtx, orphanRemoveCommand(r.opts.RemoteTmpDir, runID), &discard)
	if err != nil {
		return fmt.Errorf("failed to remove remote files: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("failed to remove remote files: exit code %d", code)
	}
	return nil
}

func targetFor(server *domain.Server) Target {
	return Target{
		Address:    server.Address(),
		Username:   server.Username,
		PrivateKey: server.PrivateKey,
		Password:   server.Password,
	}
}

// cleanup removes uploaded files even when the run context is already done
func (r *Runner) cleanup(ctx context.Context, client Client, paths []string, logger *slog.Logger) {
	if len(paths) == 0 {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.CancelGrace)
	defer cancel()

	var discard bytes.Buffer
	if code, err := client.Exec(cleanupCtx, removeCommand(paths), &discard); err != nil || code != 0 {
		logger.Warn("Failed to remove remote files", "paths", paths, "exit_code", code, "error", err)
	}
}

type remoteFile struct {
	path    string
	content []byte
}

// CancelMarker returns the output line recorded for a run whose context ended
func CancelMarker(ctx context.Context) string {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrRunTimeout), errors.Is(cause, context.DeadlineExceeded):
		return "[cancelled: timeout]"
	case errors.Is(cause, ErrBatchAborted):
		return "[cancelled: batch aborted]"
	case errors.Is(cause, ErrEngineStopped):
		return "[cancelled: engine stopped]"
	case errors.Is(cause, ErrLeaseLost):
		return "[cancelled: server lock lost]"
	default:
		return "[cancelled]"
	}
}

func errorLine(err error) string {
	return "[error] " + err.Error()
}

const tailSize = 256

// chunkWriter forwards output to the recorder and stops once the run context ends
type chunkWriter struct {
	ctx   context.Context
	runID uuid.UUID
	rec   Recorder
	tail  []byte // last tailSize bytes written
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.ctx.Err() != nil {
		return 0, context.Cause(w.ctx)
	}
	if err := w.rec.Append(w.runID, string(p)); err != nil {
		return 0, err
	}
	w.tail = append(w.tail, p...)
	if len(w.tail) > tailSize {
		w.tail = w.tail[len(w.tail)-tailSize:]
	}
	return len(p), nil
}

// endsWith reports whether the last output line is line
func (w *chunkWriter) endsWith(line string) bool {
	trimmed := strings.TrimRight(string(w.tail), "\r\n")
	return trimmed == line || strings.HasSuffix(trimmed, "\n"+line)
}
