package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"render-queue/internal/domain"
	applog "render-queue/internal/log"
	"render-queue/internal/render"
)

// ErrClosed is returned by launches after Close.
var ErrClosed = errors.New("orchestrator closed")

// DescriptorBuilder produces engine invocations for projects.
type DescriptorBuilder interface {
	Build(project domain.Project, kind domain.JobKind, jobID string) (render.Descriptor, error)
	BuildInspect(executable, filePath, jobID string) (render.Descriptor, error)
	Executable(project domain.Project) string
}

// Executor starts engine processes.
type Executor interface {
	Launch(d render.Descriptor) <-chan render.Result
	Run(ctx context.Context, d render.Descriptor) render.Result
}

// PreviewResult is delivered once per preview job. Image is nil on failure.
type PreviewResult struct {
	JobID     string
	ProjectID string
	Image     []byte
	Err       error
}

// RenderResult is delivered once per full render job.
type RenderResult struct {
	JobID     string
	ProjectID string
	Success   bool
	Message   string
}

// Sink receives job notifications on worker goroutines.
type Sink interface {
	PreviewReady(PreviewResult)
	RenderComplete(RenderResult)
	Log(message string)
}

// Options configures an Orchestrator.
type Options struct {
	Builder  DescriptorBuilder
	Executor Executor
	Sink     Sink
	// Events, when set, receives status transitions of every job.
	Events *EventBus
	Logger *slog.Logger
	// NewID generates job ids. Defaults to uuid.NewString.
	NewID func() string
	// InspectTimeout bounds InspectProject. Defaults to render.DefaultProbeTimeout.
	InspectTimeout time.Duration
}

// Handle tracks one launched job.
type Handle struct {
	JobID     string
	ProjectID string
	Kind      domain.JobKind

	done chan domain.Outcome
}

// Done yields the job outcome once and is then closed.
func (h *Handle) Done() <-chan domain.Outcome {
	return h.done
}

// Wait blocks until the job finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (domain.Outcome, error) {
	select {
	case out := <-h.done:
		return out, nil
	case <-ctx.Done():
		return domain.Outcome{}, ctx.Err()
	}
}

// Orchestrator runs preview, full render and queue jobs in the background.
type Orchestrator struct {
	builder        DescriptorBuilder
	executor       Executor
	sink           Sink
	events         *EventBus
	logger         *slog.Logger
	newID          func() string
	inspectTimeout time.Duration

	manager *Manager

	mu     sync.Mutex
	closed bool
	group  errgroup.Group
}

// NewOrchestrator wires the collaborators. Builder and Executor are required.
func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		builder:        opts.Builder,
		executor:       opts.Executor,
		sink:           opts.Sink,
		events:         opts.Events,
		logger:         opts.Logger,
		newID:          opts.NewID,
		inspectTimeout: opts.InspectTimeout,
		manager:        NewManager(),
	}
	if o.sink == nil {
		o.sink = nopSink{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.inspectTimeout <= 0 {
		o.inspectTimeout = render.DefaultProbeTimeout
	}
	return o
}

// Manager exposes the job state tracker.
func (o *Orchestrator) Manager() *Manager {
	return o.manager
}

// RenderPreview starts a cheap preview render of project. Build errors are
// returned directly; everything after launch arrives via Sink.PreviewReady.
func (o *Orchestrator) RenderPreview(ctx context.Context, project domain.Project) (*Handle, error) {
	return o.launch(ctx, project, domain.JobKindPreview)
}

// RenderFull starts the user-configured render of project.
func (o *Orchestrator) RenderFull(ctx context.Context, project domain.Project) (*Handle, error) {
	return o.launch(ctx, project, domain.JobKindFull)
}

func (o *Orchestrator) launch(ctx context.Context, project domain.Project, kind domain.JobKind) (*Handle, error) {
	job := domain.Job{
		ID:        o.newID(),
		ProjectID: project.ID(),
		Kind:      kind,
	}
	ctx = applog.ContextAttrs(context.WithoutCancel(ctx),
		slog.String("job_id", job.ID),
		slog.String("project_id", job.ProjectID),
		slog.String("kind", string(kind)),
	)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}

	if err := o.manager.Start(job); err != nil {
		return nil, err
	}
	o.publishStatus(job, domain.JobStatusBuilding, "")

	d, err := o.builder.Build(project, kind, job.ID)
	if err != nil {
		o.finish(ctx, job, err)
		return nil, fmt.Errorf("build %s job for %q: %w", kind, project.Name, err)
	}

	o.logger.InfoContext(ctx, "launching engine", slog.String("command", d.String()))
	h := &Handle{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Kind:      kind,
		done:      make(chan domain.Outcome, 1),
	}
	o.group.Go(func() error {
		out := o.execute(ctx, job, d)
		o.deliver(ctx, out)
		h.done <- out
		close(h.done)
		return nil
	})
	return h, nil
}

// execute waits for the engine and decodes its output.
func (o *Orchestrator) execute(ctx context.Context, job domain.Job, d render.Descriptor) (out domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err := &domain.Error{Kind: domain.KindRuntime, Message: fmt.Sprintf("job worker panic: %v", r)}
			o.logger.ErrorContext(ctx, "job worker panic", slog.Any("panic", r))
			o.finish(ctx, job, err)
			out = domain.Failed(job, err)
		}
	}()

	o.transition(ctx, job, domain.JobStatusRunning)
	res := <-o.executor.Launch(d)
	if res.Err != nil {
		o.finish(ctx, job, res.Err)
		return domain.Failed(job, res.Err)
	}

	o.transition(ctx, job, domain.JobStatusDecoding)
	var (
		payload []byte
		err     error
	)
	switch job.Kind {
	case domain.JobKindPreview:
		payload, err = render.DecodePreview(res.Stdout)
	default:
		payload, err = render.DecodeRender(res.Stdout)
	}
	if err != nil {
		o.finish(ctx, job, err)
		return domain.Failed(job, err)
	}

	o.finish(ctx, job, nil)
	msg := "render finished"
	if job.Kind == domain.JobKindFull && d.Params.Output != "" {
		msg = "render finished: " + d.Params.Output
	}
	return domain.Succeeded(job, payload, msg)
}

// deliver sends the single notification for out. A panicking sink is logged
// so the handle still completes.
func (o *Orchestrator) deliver(ctx context.Context, out domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "notification sink panic", slog.Any("panic", r))
		}
	}()

	switch out.Kind {
	case domain.JobKindPreview:
		res := PreviewResult{JobID: out.JobID, ProjectID: out.ProjectID, Image: out.Payload}
		if !out.Success {
			res.Err = &domain.Error{Kind: out.ErrorKind, Message: out.Message}
			o.sink.Log("preview failed: " + out.Message)
		}
		o.sink.PreviewReady(res)
	case domain.JobKindFull:
		if !out.Success {
			o.sink.Log("render failed: " + out.Message)
		}
		o.sink.RenderComplete(RenderResult{
			JobID:     out.JobID,
			ProjectID: out.ProjectID,
			Success:   out.Success,
			Message:   out.Message,
		})
	}
}

func (o *Orchestrator) transition(ctx context.Context, job domain.Job, status domain.JobStatus) {
	if err := o.manager.Transition(job.ID, status); err != nil {
		o.logger.WarnContext(ctx, "job state", slog.String("error", err.Error()))
		return
	}
	o.publishStatus(job, status, "")
}

// finish records the terminal state; err nil means success.
func (o *Orchestrator) finish(ctx context.Context, job domain.Job, err error) {
	status := domain.JobStatusDone
	msg := ""
	if err != nil {
		status = domain.JobStatusFailed
		msg = err.Error()
		o.logger.WarnContext(ctx, "job failed", slog.String("error", msg), slog.String("error_kind", string(domain.KindOf(err))))
	} else {
		o.logger.InfoContext(ctx, "job finished")
	}
	if terr := o.manager.Finish(job.ID, err == nil); terr != nil {
		o.logger.WarnContext(ctx, "job state", slog.String("error", terr.Error()))
		return
	}
	o.publishStatus(job, status, msg)
}

func (o *Orchestrator) publishStatus(job domain.Job, status domain.JobStatus, msg string) {
	if o.events == nil {
		return
	}
	o.events.Publish(Event{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Kind:      job.Kind,
		Type:      EventTypeStatus,
		Status:    status,
		Message:   msg,
	})
}

// QueueSummary counts what a queue run did.
type QueueSummary struct {
	Launched  int
	Succeeded int
	Failed    int
	Skipped   int
	// Err is set when the run stopped early (ctx cancelled or ErrClosed).
	Err error
}

// QueueRun tracks one RenderQueue call.
type QueueRun struct {
	done chan QueueSummary
}

// Done yields the summary once every project was handled.
func (q *QueueRun) Done() <-chan QueueSummary {
	return q.done
}

// Wait blocks until the queue finishes or ctx is done.
func (q *QueueRun) Wait(ctx context.Context) (QueueSummary, error) {
	select {
	case s := <-q.done:
		return s, nil
	case <-ctx.Done():
		return QueueSummary{}, ctx.Err()
	}
}

// RenderQueue renders projects one after another in the background.
// Projects without an engine or output path are skipped with a log line.
// Cancelling ctx stops further launches; the running job is not killed.
func (o *Orchestrator) RenderQueue(ctx context.Context, projects []domain.Project) *QueueRun {
	run := &QueueRun{done: make(chan QueueSummary, 1)}
	snapshot := append([]domain.Project(nil), projects...)

	o.mu.Lock()
	closed := o.closed
	if !closed {
		o.group.Go(func() error {
			run.done <- o.runQueue(ctx, snapshot)
			close(run.done)
			return nil
		})
	}
	o.mu.Unlock()

	if closed {
		run.done <- QueueSummary{Err: ErrClosed}
		close(run.done)
	}
	return run
}

func (o *Orchestrator) runQueue(ctx context.Context, projects []domain.Project) QueueSummary {
	var sum QueueSummary
	o.sink.Log(fmt.Sprintf("render queue started: %d projects", len(projects)))

	for _, project := range projects {
		if err := ctx.Err(); err != nil {
			sum.Err = err
			o.sink.Log("render queue cancelled")
			break
		}

		if reason := skipReason(o.builder.Executable(project), project); reason != "" {
			sum.Skipped++
			o.sink.Log(fmt.Sprintf("skipping %s: %s", project.Name, reason))
			continue
		}

		h, err := o.RenderFull(ctx, project)
		if errors.Is(err, ErrClosed) {
			sum.Err = err
			break
		}
		if err != nil {
			sum.Skipped++
			o.sink.Log(fmt.Sprintf("skipping %s: %v", project.Name, err))
			continue
		}

		sum.Launched++
		out := <-h.Done()
		if out.Success {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
	}

	o.sink.Log(fmt.Sprintf("render queue finished: %d rendered, %d failed, %d skipped", sum.Succeeded, sum.Failed, sum.Skipped))
	return sum
}

func skipReason(executable string, project domain.Project) string {
	switch {
	case project.Settings.IsZero():
		return "no settings"
	case executable == "":
		return "render engine path is not set"
	case project.Settings.OutputPath() == "":
		return "output path is not set"
	default:
		return ""
	}
}

// InspectProject derives settings for a newly added project file by asking
// the engine for its scene settings. When the engine is unavailable or its
// answer is unusable, defaults are returned instead.
func (o *Orchestrator) InspectProject(ctx context.Context, filePath string) (domain.Settings, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return domain.Settings{}, ErrClosed
	}

	exe := o.builder.Executable(domain.Project{})
	params := domain.DefaultParams()

	if inspected, err := o.inspect(ctx, exe, filePath); err != nil {
		o.logger.WarnContext(ctx, "inspect project", slog.String("file", filePath), slog.String("error", err.Error()))
		o.sink.Log(fmt.Sprintf("could not read settings from %s, using defaults: %v", filepath.Base(filePath), err))
	} else {
		params = inspected
	}
	if params.Threads > runtime.NumCPU() {
		params.Threads = 0
	}

	if params.OutputPath == "" {
		params.OutputPath = filepath.Join(filepath.Dir(filePath), "output")
	}
	if params.OutputFilename == "" {
		base := filepath.Base(filePath)
		params.OutputFilename = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if params.ExecutablePath == "" {
		params.ExecutablePath = exe
	}

	s, err := domain.NewSettings(params)
	if err == nil {
		return s, nil
	}

	o.logger.WarnContext(ctx, "inspected settings rejected", slog.String("error", err.Error()))
	fallback := domain.DefaultParams()
	fallback.OutputPath = params.OutputPath
	fallback.OutputFilename = params.OutputFilename
	fallback.ExecutablePath = params.ExecutablePath
	return domain.NewSettings(fallback)
}

func (o *Orchestrator) inspect(ctx context.Context, exe, filePath string) (domain.Params, error) {
	d, err := o.builder.BuildInspect(exe, filePath, o.newID())
	if err != nil {
		return domain.Params{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.inspectTimeout)
	defer cancel()
	res := o.executor.Run(ctx, d)
	if res.Err != nil {
		return domain.Params{}, res.Err
	}

	m, err := render.DecodeSettings(res.Stdout)
	if err != nil {
		return domain.Params{}, err
	}
	return domain.ParamsFromMap(m)
}

// Close rejects new jobs and waits for every running worker.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return o.group.Wait()
}

type nopSink struct{}

func (nopSink) PreviewReady(PreviewResult)  {}
func (nopSink) RenderComplete(RenderResult) {}
func (nopSink) Log(string)                  {}
