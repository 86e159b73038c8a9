package jobs_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"render-queue/internal/domain"
	"render-queue/internal/jobs"
	"render-queue/internal/render"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const pngLine = "data:image/png;base64,AAAA\n"

// fakeExecutor answers launches with result(d) on a goroutine, optionally
// holding every job until gate is closed.
type fakeExecutor struct {
	result func(d render.Descriptor) render.Result
	run    func(ctx context.Context, d render.Descriptor) render.Result
	gate   chan struct{}

	mu        sync.Mutex
	launched  []render.Descriptor
	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeExecutor) Launch(d render.Descriptor) <-chan render.Result {
	f.mu.Lock()
	f.launched = append(f.launched, d)
	f.mu.Unlock()

	ch := make(chan render.Result, 1)
	go func() {
		defer close(ch)
		n := f.active.Add(1)
		for {
			prev := f.maxActive.Load()
			if n <= prev || f.maxActive.CompareAndSwap(prev, n) {
				break
			}
		}
		if f.gate != nil {
			<-f.gate
		}
		res := render.Result{}
		if f.result != nil {
			res = f.result(d)
		}
		f.active.Add(-1)
		ch <- res
	}()
	return ch
}

func (f *fakeExecutor) Run(ctx context.Context, d render.Descriptor) render.Result {
	if f.run == nil {
		return render.Result{Err: &domain.Error{Kind: domain.KindSpawn, Message: "no engine"}}
	}
	return f.run(ctx, d)
}

func (f *fakeExecutor) launches() []render.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]render.Descriptor(nil), f.launched...)
}

type recordingSink struct {
	mu       sync.Mutex
	previews []jobs.PreviewResult
	renders  []jobs.RenderResult
	logs     []string
}

func (s *recordingSink) PreviewReady(r jobs.PreviewResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previews = append(s.previews, r)
}

func (s *recordingSink) RenderComplete(r jobs.RenderResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renders = append(s.renders, r)
}

func (s *recordingSink) Log(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, msg)
}

func (s *recordingSink) snapshot() ([]jobs.PreviewResult, []jobs.RenderResult, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jobs.PreviewResult(nil), s.previews...),
		append([]jobs.RenderResult(nil), s.renders...),
		append([]string(nil), s.logs...)
}

func okResult(d render.Descriptor) render.Result {
	if d.Kind == domain.JobKindPreview {
		return render.Result{Stdout: []byte("Fra:1\n" + pngLine)}
	}
	return render.Result{Stdout: []byte("Saved\n")}
}

func newTestOrchestrator(t *testing.T, exec *fakeExecutor, sink jobs.Sink) *jobs.Orchestrator {
	t.Helper()
	var seq atomic.Int64
	builder := render.NewBuilder(
		render.Scripts{Preview: "/scripts/preview.py", Render: "/scripts/render.py", Inspect: "/scripts/inspect.py"},
		render.WithStat(func(string) (os.FileInfo, error) { return nil, nil }),
	)
	o := jobs.NewOrchestrator(jobs.Options{
		Builder:  builder,
		Executor: exec,
		Sink:     sink,
		Events:   jobs.NewEventBus(100),
		Logger:   slog.New(slog.DiscardHandler),
		NewID:    func() string { return fmt.Sprintf("job-%d", seq.Add(1)) },
	})
	t.Cleanup(func() { require.NoError(t, o.Close()) })
	return o
}

func testProject(t *testing.T, id, output string) domain.Project {
	t.Helper()
	p := domain.DefaultParams()
	p.Threads = 1
	p.ExecutablePath = "/usr/bin/blender"
	p.OutputPath = output
	s, err := domain.NewSettings(p)
	require.NoError(t, err)
	return domain.NewProject(id, id, "/scenes/"+id+".blend", s)
}

func wait(t *testing.T, h *jobs.Handle) domain.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestRenderPreviewDeliversImage(t *testing.T) {
	exec := &fakeExecutor{result: okResult}
	sink := &recordingSink{}
	o := newTestOrchestrator(t, exec, sink)

	h, err := o.RenderPreview(t.Context(), testProject(t, "p1", ""))
	require.NoError(t, err)
	out := wait(t, h)
	require.True(t, out.Success)
	require.Equal(t, []byte{0, 0, 0}, out.Payload)

	previews, renders, _ := sink.snapshot()
	require.Len(t, previews, 1)
	require.Empty(t, renders)
	require.Equal(t, h.JobID, previews[0].JobID)
	require.Equal(t, "p1", previews[0].ProjectID)
	require.Equal(t, []byte{0, 0, 0}, previews[0].Image)
	require.NoError(t, previews[0].Err)

	job, ok := o.Manager().Get(h.JobID)
	require.True(t, ok)
	require.Equal(t, domain.JobStatusDone, job.Status)
}

func TestRenderPreviewDecodeFailure(t *testing.T) {
	exec := &fakeExecutor{result: func(render.Descriptor) render.Result {
		return render.Result{Stdout: []byte("no payload here\n")}
	}}
	sink := &recordingSink{}
	o := newTestOrchestrator(t, exec, sink)

	h, err := o.RenderPreview(t.Context(), testProject(t, "p1", ""))
	require.NoError(t, err)
	out := wait(t, h)
	require.False(t, out.Success)
	require.Equal(t, domain.KindDecode, out.ErrorKind)

	previews, _, logs := sink.snapshot()
	require.Len(t, previews, 1)
	require.Nil(t, previews[0].Image)
	require.ErrorIs(t, previews[0].Err, domain.ErrDecode)
	require.NotEmpty(t, logs)
}

func TestSequentialPreviewsCarryDistinctIDs(t *testing.T) {
	exec := &fakeExecutor{result: okResult}
	sink := &recordingSink{}
	o := newTestOrchestrator(t, exec, sink)
	project := testProject(t, "p1", "")

	first, err := o.RenderPreview(t.Context(), project)
	require.NoError(t, err)
	second, err := o.RenderPreview(t.Context(), project)
	require.NoError(t, err)
	require.NotEqual(t, first.JobID, second.JobID)

	wait(t, first)
	wait(t, second)

	previews, _, _ := sink.snapshot()
	require.Len(t, previews, 2)
	ids := map[string]bool{previews[0].JobID: true, previews[1].JobID: true}
	require.True(t, ids[first.JobID])
	require.True(t, ids[second.JobID])
}

func TestRenderFullDoesNotBlockCaller(t *testing.T) {
	exec := &fakeExecutor{result: okResult, gate: make(chan struct{})}
	sink := &recordingSink{}
	o := newTestOrchestrator(t, exec, sink)

	h, err := o.RenderFull(t.Context(), testProject(t, "p1", "/renders"))
	require.NoError(t, err)

	select {
	case <-h.Done():
		t.Fatal("job finished before the engine did")
	default:
	}
	_, renders, _ := sink.snapshot()
	require.Empty(t, renders)

	close(exec.gate)
	out := wait(t, h)
	require.True(t, out.Success)
	require.Contains(t, out.Message, "/renders")

	_, renders, _ = sink.snapshot()
	require.Len(t, renders, 1)
	require.True(t, renders[0].Success)
}

func TestRenderFullRuntimeFailure(t *testing.T) {
	exec := &fakeExecutor{result: func(render.Descriptor) render.Result {
		return render.Result{
			ExitCode: 1,
			Err:      &domain.Error{Kind: domain.KindRuntime, Message: "exit status 1: Error: cannot read file"},
		}
	}}
	sink := &recordingSink{}
	o := newTestOrchestrator(t, exec, sink)

	h, err := o.RenderFull(t.Context(), testProject(t, "p1", "/renders"))
	require.NoError(t, err)
	out := wait(t, h)
	require.False(t, out.Success)
	require.Equal(t, domain.KindRuntime, out.ErrorKind)

	_, renders, _ := sink.snapshot()
	require.Len(t, renders, 1)
	require.False(t, renders[0].Success)
	require.Contains(t, renders[0].Message, "cannot read file")
}

func TestBuildErrorIsSynchronous(t *testing.T) {
	exec := &fakeExecutor{result: okResult}
	sink := &recordingSink{}
	o := newTestOrchestrator(t, exec, sink)

	h, err := o.RenderFull(t.Context(), testProject(t, "p1", ""))
	require.Nil(t, h)
	require.ErrorIs(t, err, domain.ErrConfig)
	require.Empty(t, exec.launches())

	_, renders, _ := sink.snapshot()
	require.Empty(t, renders)

	job, ok := o.Manager().Get("job-1")
	require.True(t, ok)
	require.Equal(t, domain.JobStatusFailed, job.Status)
}

func TestRenderQueueSkipsMisconfiguredProject(t *testing.T) {
	exec := &fakeExecutor{result: okResult}
	sink := &recordingSink{}
	o := newTestOrchestrator(t, exec, sink)

	projects := []domain.Project{
		testProject(t, "first", "/renders/a"),
		testProject(t, "second", ""),
		testProject(t, "third", "/renders/c"),
	}
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	sum, err := o.RenderQueue(t.Context(), projects).Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, sum.Err)
	require.Equal(t, 2, sum.Launched)
	require.Equal(t, 2, sum.Succeeded)
	require.Equal(t, 1, sum.Skipped)

	_, renders, logs := sink.snapshot()
	require.Len(t, renders, 2)
	require.Equal(t, "first", renders[0].ProjectID)
	require.Equal(t, "third", renders[1].ProjectID)
	require.Contains(t, logs, "skipping second: output path is not set")
	require.Equal(t, int32(1), exec.maxActive.Load())
}

func TestRenderQueueContinuesAfterFailure(t *testing.T) {
	exec := &fakeExecutor{result: func(d render.Descriptor) render.Result {
		if d.ProjectID == "a" {
			return render.Result{ExitCode: render.NoExitCode, Err: &domain.Error{Kind: domain.KindSpawn, Message: "permission denied"}}
		}
		return okResult(d)
	}}
	sink := &recordingSink{}
	o := newTestOrchestrator(t, exec, sink)

	run := o.RenderQueue(t.Context(), []domain.Project{
		testProject(t, "a", "/out"),
		testProject(t, "b", "/out"),
	})
	sum := <-run.Done()
	require.Equal(t, 2, sum.Launched)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, 1, sum.Succeeded)
}

func TestRenderQueueStopsLaunchingOnCancel(t *testing.T) {
	exec := &fakeExecutor{result: okResult, gate: make(chan struct{})}
	sink := &recordingSink{}
	o := newTestOrchestrator(t, exec, sink)

	ctx, cancel := context.WithCancel(t.Context())
	run := o.RenderQueue(ctx, []domain.Project{
		testProject(t, "a", "/out"),
		testProject(t, "b", "/out"),
	})

	require.Eventually(t, func() bool { return len(exec.launches()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	close(exec.gate)

	sum := <-run.Done()
	require.ErrorIs(t, sum.Err, context.Canceled)
	require.Equal(t, 1, sum.Launched)
	require.Equal(t, 1, sum.Succeeded)
	require.Len(t, exec.launches(), 1)
}

type panicExecutor struct{ fakeExecutor }

func (p *panicExecutor) Launch(render.Descriptor) <-chan render.Result {
	panic("engine table corrupted")
}

func TestWorkerPanicBecomesFailure(t *testing.T) {
	sink := &recordingSink{}
	o := jobs.NewOrchestrator(jobs.Options{
		Builder: render.NewBuilder(
			render.Scripts{Render: "/scripts/render.py"},
			render.WithStat(func(string) (os.FileInfo, error) { return nil, nil }),
		),
		Executor: &panicExecutor{},
		Sink:     sink,
		Logger:   slog.New(slog.DiscardHandler),
	})
	defer o.Close()

	h, err := o.RenderFull(t.Context(), testProject(t, "p1", "/out"))
	require.NoError(t, err)
	out := wait(t, h)
	require.False(t, out.Success)
	require.Equal(t, domain.KindRuntime, out.ErrorKind)
	require.Contains(t, out.Message, "engine table corrupted")

	_, renders, _ := sink.snapshot()
	require.Len(t, renders, 1)
	require.False(t, renders[0].Success)
}

func TestCloseRejectsNewJobs(t *testing.T) {
	exec := &fakeExecutor{result: okResult}
	o := jobs.NewOrchestrator(jobs.Options{
		Builder: render.NewBuilder(
			render.Scripts{Preview: "/p.py", Render: "/r.py"},
			render.WithStat(func(string) (os.FileInfo, error) { return nil, nil }),
		),
		Executor: exec,
		Logger:   slog.New(slog.DiscardHandler),
	})

	h, err := o.RenderPreview(t.Context(), testProject(t, "p1", ""))
	require.NoError(t, err)
	require.NoError(t, o.Close())

	// Close waited for the running worker.
	select {
	case out := <-h.Done():
		require.True(t, out.Success)
	default:
		t.Fatal("close returned before the worker finished")
	}

	_, err = o.RenderFull(t.Context(), testProject(t, "p1", "/out"))
	require.ErrorIs(t, err, jobs.ErrClosed)

	sum := <-o.RenderQueue(t.Context(), nil).Done()
	require.ErrorIs(t, sum.Err, jobs.ErrClosed)

	_, err = o.InspectProject(t.Context(), "/scenes/a.blend")
	require.ErrorIs(t, err, jobs.ErrClosed)
}

func TestInspectProjectReadsSceneSettings(t *testing.T) {
	exec := &fakeExecutor{run: func(ctx context.Context, d render.Descriptor) render.Result {
		require.Equal(t, domain.JobKindInspect, d.Kind)
		_, hasDeadline := ctx.Deadline()
		require.True(t, hasDeadline)
		return render.Result{Stdout: []byte(`settings:{"resolution_x": 1280, "resolution_y": 720, "render_engine": "BLENDER_EEVEE", "eevee_samples": 32, "threads": 0}` + "\n")}
	}}
	o := jobs.NewOrchestrator(jobs.Options{
		Builder: render.NewBuilder(
			render.Scripts{Inspect: "/scripts/inspect.py"},
			render.WithDefaultExecutable("/usr/bin/blender"),
			render.WithStat(func(string) (os.FileInfo, error) { return nil, nil }),
		),
		Executor: exec,
		Logger:   slog.New(slog.DiscardHandler),
	})
	defer o.Close()

	s, err := o.InspectProject(t.Context(), "/scenes/city.blend")
	require.NoError(t, err)
	p := s.Params()
	require.Equal(t, 1280, p.ResolutionX)
	require.Equal(t, domain.EngineRaster, p.Engine)
	require.Equal(t, 32, p.RasterSamples)
	require.Equal(t, "/scenes/output", p.OutputPath)
	require.Equal(t, "city", p.OutputFilename)
	require.Equal(t, "/usr/bin/blender", p.ExecutablePath)
}

func TestInspectProjectFallsBackToDefaults(t *testing.T) {
	sink := &recordingSink{}
	o := jobs.NewOrchestrator(jobs.Options{
		Builder: render.NewBuilder(
			render.Scripts{Inspect: "/scripts/inspect.py"},
			render.WithStat(func(string) (os.FileInfo, error) { return nil, nil }),
		),
		Executor: &fakeExecutor{},
		Sink:     sink,
		Logger:   slog.New(slog.DiscardHandler),
	})
	defer o.Close()

	s, err := o.InspectProject(t.Context(), "/scenes/city.blend")
	require.NoError(t, err)
	p := s.Params()
	require.Equal(t, domain.DefaultParams().ResolutionX, p.ResolutionX)
	require.Equal(t, "/scenes/output", p.OutputPath)
	require.Empty(t, p.ExecutablePath)

	_, _, logs := sink.snapshot()
	require.Len(t, logs, 1)
}

func TestStatusEventsFollowStateMachine(t *testing.T) {
	bus := jobs.NewEventBus(100)
	o := jobs.NewOrchestrator(jobs.Options{
		Builder: render.NewBuilder(
			render.Scripts{Preview: "/p.py"},
			render.WithStat(func(string) (os.FileInfo, error) { return nil, nil }),
		),
		Executor: &fakeExecutor{result: okResult},
		Events:   bus,
		Logger:   slog.New(slog.DiscardHandler),
	})
	defer o.Close()

	h, err := o.RenderPreview(t.Context(), testProject(t, "p1", ""))
	require.NoError(t, err)
	wait(t, h)

	var statuses []domain.JobStatus
	for _, e := range bus.Since(0) {
		require.Equal(t, h.JobID, e.JobID)
		statuses = append(statuses, e.Status)
	}
	require.Equal(t, []domain.JobStatus{
		domain.JobStatusBuilding,
		domain.JobStatusRunning,
		domain.JobStatusDecoding,
		domain.JobStatusDone,
	}, statuses)
}
