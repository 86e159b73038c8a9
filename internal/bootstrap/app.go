package bootstrap

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"slices"
	"strings"
	"sync"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"render-queue/internal/config"
	"render-queue/internal/diagnostics"
	"render-queue/internal/domain"
	"render-queue/internal/engine"
	"render-queue/internal/jobs"
	"render-queue/internal/render"
	"render-queue/internal/store"
	"render-queue/internal/thumbnail"

	wailsruntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

const eventName = "job:event"

var projectDialogFilter = []wailsruntime.FileFilter{
	{
		DisplayName: "Blender projects",
		Pattern:     "*.blend",
	},
	{
		DisplayName: "All files",
		Pattern:     "*",
	},
}

// ProjectStore persists the queue, thumbnails and known engines.
type ProjectStore interface {
	Save(ctx context.Context, p domain.Project) error
	Update(ctx context.Context, p domain.Project) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]domain.Project, error)
	Get(ctx context.Context, id string) (domain.Project, error)
	Reorder(ctx context.Context, ids []string) error
	SaveThumbnail(ctx context.Context, projectID string, data []byte) error
	GetThumbnail(ctx context.Context, projectID string) ([]byte, error)
	AddExecutablePath(ctx context.Context, path, version string) error
	ListExecutablePaths(ctx context.Context) ([]domain.EngineInfo, error)
	Close() error
}

// ProjectView is the UI shape of a queued project.
type ProjectView struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	FilePath    string         `json:"filePath"`
	PreviewPath string         `json:"previewPath,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

func viewOf(p domain.Project) ProjectView {
	v := ProjectView{
		ID:          p.ID(),
		Name:        p.Name,
		FilePath:    p.FilePath,
		PreviewPath: p.PreviewPath,
	}
	if !p.Settings.IsZero() {
		v.Settings = p.Settings.ToMap()
	}
	return v
}

// Deps are the collaborators an App is assembled from.
type Deps struct {
	Store    ProjectStore
	Executor jobs.Executor
	Prober   engine.Prober
	Locator  *engine.Locator
	Checker  *diagnostics.Checker
	Scripts  render.Scripts
	Logger   *slog.Logger
	Assets   fs.FS
}

// App wires the render queue to the Wails runtime and implements jobs.Sink.
type App struct {
	Config       config.Config
	Store        ProjectStore
	Orchestrator *jobs.Orchestrator
	Events       *jobs.EventBus

	logger      *slog.Logger
	assets      fs.FS
	scripts     render.Scripts
	builder     *render.Builder
	versions    *engine.Versions
	locator     *engine.Locator
	checker     *diagnostics.Checker
	cache       *thumbnail.Cache
	unsubscribe func()
	closeOnce   sync.Once
	closeErr    error

	mu          sync.Mutex
	diagnostics domain.DiagnosticReport
	runtimeCtx  context.Context
}

// New opens the database, installs the engine scripts and looks for a
// render engine on the host.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, assets fs.FS) (*App, error) {
	st, err := store.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	scripts, err := engine.Install(cfg.ScriptsDir)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("install engine scripts: %w", err)
	}

	runner := render.NewRunner(logger)
	app := NewWithDeps(cfg, Deps{
		Store:    st,
		Executor: runner,
		Prober:   runner,
		Locator:  engine.NewLocator(),
		Checker:  diagnostics.NewChecker(),
		Scripts:  scripts,
		Logger:   logger,
		Assets:   assets,
	})

	if _, err := app.DiscoverEngine(ctx); err != nil {
		logger.WarnContext(ctx, "no render engine found", slog.String("error", err.Error()))
	}
	app.refreshDiagnostics(ctx, "")
	return app, nil
}

// NewWithDeps assembles an App from already constructed collaborators.
func NewWithDeps(cfg config.Config, deps Deps) *App {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checker := deps.Checker
	if checker == nil {
		checker = diagnostics.NewChecker()
	}
	locator := deps.Locator
	if locator == nil {
		locator = engine.NewLocator()
	}
	prober := deps.Prober
	if prober == nil {
		prober = render.NewRunner(logger)
	}

	a := &App{
		Config:   cfg,
		Store:    deps.Store,
		Events:   jobs.NewEventBus(1000),
		logger:   logger,
		assets:   deps.Assets,
		scripts:  deps.Scripts,
		builder:  render.NewBuilder(deps.Scripts, render.WithDefaultExecutable(cfg.DefaultExecutable)),
		versions: engine.NewVersions(prober),
		locator:  locator,
		checker:  checker,
		cache:    thumbnail.NewCache(cfg.CacheDir),
	}
	a.Orchestrator = jobs.NewOrchestrator(jobs.Options{
		Builder:  a.builder,
		Executor: deps.Executor,
		Sink:     a,
		Events:   a.Events,
		Logger:   logger,
	})
	a.unsubscribe = a.Events.Subscribe(a.emit)
	return a
}

// Run starts the Wails desktop application and binds backend methods.
func (a *App) Run() error {
	assetOptions := &assetserver.Options{}
	if a.assets != nil {
		assetOptions.Assets = a.assets
	} else {
		assetOptions.Handler = http.FileServer(http.Dir("./frontend"))
	}

	return wails.Run(&options.App{
		Title:       "Render Queue",
		Width:       1280,
		Height:      820,
		AssetServer: assetOptions,
		OnStartup:   a.Startup,
		OnShutdown:  a.Shutdown,
		Bind:        []interface{}{a},
	})
}

// Startup stores Wails runtime context for push events.
func (a *App) Startup(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runtimeCtx = ctx
}

// Shutdown detaches the runtime and releases everything Close releases.
func (a *App) Shutdown(context.Context) {
	a.mu.Lock()
	a.runtimeCtx = nil
	a.mu.Unlock()

	if err := a.Close(); err != nil {
		a.logger.Error("shutdown", slog.String("error", err.Error()))
	}
}

// Close waits for running jobs and closes the database.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		orchErr := a.Orchestrator.Close()
		a.unsubscribe()
		var storeErr error
		if a.Store != nil {
			storeErr = a.Store.Close()
		}
		a.closeErr = errors.Join(orchErr, storeErr)
	})
	return a.closeErr
}

// ListProjects returns the queue in persisted order.
func (a *App) ListProjects() ([]ProjectView, error) {
	projects, err := a.Store.LoadAll(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}

	views := make([]ProjectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, viewOf(p))
	}
	return views, nil
}

// AddProject reads settings from the project file and appends it to the queue.
func (a *App) AddProject(filePath string) (ProjectView, error) {
	ctx := context.Background()
	path := strings.TrimSpace(filePath)
	if path == "" {
		return ProjectView{}, &domain.Error{Kind: domain.KindValidation, Field: "file_path", Message: "project file path is required"}
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ProjectView{}, &domain.Error{Kind: domain.KindNotFound, Field: "file_path", Message: "project file not found: " + path, Err: err}
	}

	settings, err := a.Orchestrator.InspectProject(ctx, path)
	if err != nil {
		return ProjectView{}, fmt.Errorf("inspect project: %w", err)
	}

	p := domain.NewProject("", "", path, settings)
	if err := a.Store.Save(ctx, p); err != nil {
		return ProjectView{}, fmt.Errorf("save project: %w", err)
	}
	a.logger.InfoContext(ctx, "project added", slog.String("project_id", p.ID()), slog.String("file", p.FilePath))
	return viewOf(p), nil
}

// RemoveProject deletes the project, its thumbnail and cached previews.
func (a *App) RemoveProject(id string) error {
	ctx := context.Background()
	if err := a.Store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if err := a.cache.Remove(id); err != nil {
		a.logger.WarnContext(ctx, "remove cached preview", slog.String("project_id", id), slog.String("error", err.Error()))
	}
	return nil
}

// MoveProject shifts a project by offset positions, clamped to the queue
// bounds, and returns the new order.
func (a *App) MoveProject(id string, offset int) ([]ProjectView, error) {
	ctx := context.Background()
	projects, err := a.Store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}

	from := -1
	for i, p := range projects {
		if p.ID() == id {
			from = i
			break
		}
	}
	if from < 0 {
		return nil, fmt.Errorf("move project %s: %w", id, store.ErrNotFound)
	}
	to := min(max(from+offset, 0), len(projects)-1)

	moved := projects[from]
	projects = slices.Insert(slices.Delete(projects, from, from+1), to, moved)

	ids := make([]string, len(projects))
	views := make([]ProjectView, len(projects))
	for i, p := range projects {
		ids[i] = p.ID()
		views[i] = viewOf(p)
	}
	if err := a.Store.Reorder(ctx, ids); err != nil {
		return nil, fmt.Errorf("reorder projects: %w", err)
	}
	return views, nil
}

// UpdateProjectSettings applies edited fields on top of the stored settings.
// Invalid values are rejected and nothing is persisted.
func (a *App) UpdateProjectSettings(id string, values map[string]any) (ProjectView, error) {
	ctx := context.Background()
	p, err := a.Store.Get(ctx, id)
	if err != nil {
		return ProjectView{}, fmt.Errorf("load project: %w", err)
	}

	merged := p.Settings.ToMap()
	if p.Settings.IsZero() {
		merged = map[string]any{}
	}
	for k, v := range values {
		merged[k] = v
	}
	settings, err := domain.SettingsFromMap(merged)
	if err != nil {
		return ProjectView{}, err
	}

	p.Settings = settings
	if err := a.Store.Update(ctx, p); err != nil {
		return ProjectView{}, fmt.Errorf("save project: %w", err)
	}
	return viewOf(p), nil
}

// RenderPreview starts a preview job and returns its id. The image arrives
// as a previewReady event.
func (a *App) RenderPreview(id string) (string, error) {
	return a.launch(id, a.Orchestrator.RenderPreview)
}

// RenderProject starts the configured render and returns the job id.
func (a *App) RenderProject(id string) (string, error) {
	return a.launch(id, a.Orchestrator.RenderFull)
}

func (a *App) launch(id string, start func(context.Context, domain.Project) (*jobs.Handle, error)) (string, error) {
	ctx := context.Background()
	p, err := a.Store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load project: %w", err)
	}
	h, err := start(ctx, p)
	if err != nil {
		return "", err
	}
	return h.JobID, nil
}

// RenderQueue renders every stored project in order, one at a time, and
// returns the number of queued projects. A summary log event follows the
// last job.
func (a *App) RenderQueue() (int, error) {
	ctx := context.Background()
	projects, err := a.Store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load projects: %w", err)
	}

	run := a.Orchestrator.RenderQueue(ctx, projects)
	go func() {
		sum := <-run.Done()
		if sum.Err != nil {
			a.Log(fmt.Sprintf("queue stopped: %v", sum.Err))
			return
		}
		a.Log(fmt.Sprintf("queue finished: %d rendered, %d failed, %d skipped", sum.Succeeded, sum.Failed, sum.Skipped))
	}()
	return len(projects), nil
}

// ActiveJobs lists jobs that have not reached a terminal state.
func (a *App) ActiveJobs() []domain.Job {
	return a.Orchestrator.Manager().Active()
}

// JobEvents returns all events with sequence greater than sinceSeq.
func (a *App) JobEvents(sinceSeq int64) []jobs.Event {
	return a.Events.Since(sinceSeq)
}

// GetThumbnail returns the project's list icon as a data URL, or "" when
// no preview was rendered yet.
func (a *App) GetThumbnail(id string) (string, error) {
	data, err := a.Store.GetThumbnail(context.Background(), id)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load thumbnail: %w", err)
	}

	icon, err := thumbnail.Fit(data, thumbnail.IconWidth, thumbnail.IconHeight)
	if err != nil {
		return "", err
	}
	return render.ImagePrefix + base64.StdEncoding.EncodeToString(icon), nil
}

// ListEngines returns every recorded render engine executable.
func (a *App) ListEngines() ([]domain.EngineInfo, error) {
	engines, err := a.Store.ListExecutablePaths(context.Background())
	if err != nil {
		return nil, fmt.Errorf("list engines: %w", err)
	}
	return engines, nil
}

// AddEngine probes and records a user-selected engine executable.
func (a *App) AddEngine(path string) (domain.EngineInfo, error) {
	ctx := context.Background()
	path = strings.TrimSpace(path)
	info, err := os.Stat(path)
	if err != nil {
		return domain.EngineInfo{}, &domain.Error{Kind: domain.KindNotFound, Field: "executable", Message: "render engine not found: " + path, Err: err}
	}
	if info.IsDir() {
		return domain.EngineInfo{}, &domain.Error{Kind: domain.KindConfig, Field: "executable", Message: "render engine path is a directory: " + path}
	}

	return a.recordEngine(ctx, path)
}

// DiscoverEngine finds a render engine on the host, records it with its
// version and makes it the default for projects without one. A configured
// default_executable takes precedence over discovery.
func (a *App) DiscoverEngine(ctx context.Context) (domain.EngineInfo, error) {
	if path := strings.TrimSpace(a.Config.DefaultExecutable); path != "" {
		return a.recordEngine(ctx, path)
	}

	recorded, err := a.Store.ListExecutablePaths(ctx)
	if err != nil {
		return domain.EngineInfo{}, fmt.Errorf("list engines: %w", err)
	}
	known := make([]string, 0, len(recorded))
	seeds := make(map[string]string, len(recorded))
	for _, e := range recorded {
		known = append(known, e.Path)
		seeds[e.Path] = e.Version
	}
	a.versions.Seed(seeds)

	path, source, ok := a.locator.Find(known)
	if !ok {
		return domain.EngineInfo{}, &domain.Error{Kind: domain.KindConfig, Field: "executable", Message: "no render engine found"}
	}

	info, err := a.recordEngine(ctx, path)
	if err != nil {
		return domain.EngineInfo{}, err
	}
	a.builder.SetDefaultExecutable(path)
	a.logger.InfoContext(ctx, "render engine found",
		slog.String("path", info.Path),
		slog.String("version", info.Version),
		slog.String("source", string(source)))
	return info, nil
}

func (a *App) recordEngine(ctx context.Context, path string) (domain.EngineInfo, error) {
	info := domain.EngineInfo{Path: path, Version: a.versions.Version(ctx, path)}
	if err := a.Store.AddExecutablePath(ctx, info.Path, info.Version); err != nil {
		return domain.EngineInfo{}, fmt.Errorf("record engine: %w", err)
	}
	return info, nil
}

// GetDiagnostics returns the latest cached diagnostics report.
func (a *App) GetDiagnostics() domain.DiagnosticReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.diagnostics
}

// RefreshDiagnostics reruns environment checks for projectID, or for the
// preview cache when projectID is empty.
func (a *App) RefreshDiagnostics(projectID string) (domain.DiagnosticReport, error) {
	ctx := context.Background()
	if projectID != "" {
		if _, err := a.Store.Get(ctx, projectID); err != nil {
			return domain.DiagnosticReport{}, fmt.Errorf("load project: %w", err)
		}
	}
	return a.refreshDiagnostics(ctx, projectID), nil
}

func (a *App) refreshDiagnostics(ctx context.Context, projectID string) domain.DiagnosticReport {
	project := domain.Project{}
	outputDir := a.cache.Dir()
	if projectID != "" {
		if p, err := a.Store.Get(ctx, projectID); err == nil {
			project = p
			outputDir = p.Settings.OutputPath()
		}
	}

	exe := a.builder.Executable(project)
	version := ""
	if exe != "" {
		version = a.versions.Version(ctx, exe)
	}
	report := a.checker.Run(diagnostics.Request{
		Executable: exe,
		Version:    version,
		Scripts:    a.scripts,
		OutputDir:  outputDir,
	})

	a.mu.Lock()
	a.diagnostics = report
	a.mu.Unlock()
	return report
}

// PickProjectFile opens a native file dialog for project selection.
func (a *App) PickProjectFile() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenFileDialog(ctx, wailsruntime.OpenDialogOptions{
		Title:   "Select project file",
		Filters: projectDialogFilter,
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// PickEngineExecutable opens a native file dialog for the render engine.
func (a *App) PickEngineExecutable() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenFileDialog(ctx, wailsruntime.OpenDialogOptions{
		Title: "Select render engine executable",
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// PickOutputDirectory opens a native directory picker for render output.
func (a *App) PickOutputDirectory() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenDirectoryDialog(ctx, wailsruntime.OpenDialogOptions{
		Title: "Select output directory",
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// OpenOutputFolder opens the project's output directory in the file manager.
func (a *App) OpenOutputFolder(projectID string) error {
	p, err := a.Store.Get(context.Background(), projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	target := p.Settings.OutputPath()
	if target == "" {
		return fmt.Errorf("output path is empty")
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}

	openPath := target
	if !info.IsDir() {
		openPath = filepath.Dir(target)
	}

	return openInFileManager(openPath)
}

// emit forwards bus events to the frontend once the runtime is up.
func (a *App) emit(event jobs.Event) {
	a.mu.Lock()
	ctx := a.runtimeCtx
	a.mu.Unlock()
	if ctx != nil {
		wailsruntime.EventsEmit(ctx, eventName, event)
	}
}

// runtimeContext returns current Wails runtime context for dialog APIs.
func (a *App) runtimeContext() (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runtimeCtx == nil {
		return nil, fmt.Errorf("runtime context is not initialized")
	}
	return a.runtimeCtx, nil
}

// openInFileManager launches the platform file explorer for the provided path.
func openInFileManager(path string) error {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", filepath.Clean(path))
	default:
		cmd = exec.Command("xdg-open", path)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch file manager: %w", err)
	}
	return nil
}
