package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"

	"render-queue/internal/domain"
	"render-queue/internal/engine"
)

const installCommandTimeout = 45 * time.Minute

type installOption struct {
	manager  string
	commands [][]string
}

// InstallOrFixDiagnostic applies an OS-specific remediation for one failed
// diagnostic item. projectID selects the project whose output directory is
// fixed; it may be empty for the other items.
func (a *App) InstallOrFixDiagnostic(itemID, projectID string) (domain.DiagnosticReport, error) {
	ctx := context.Background()

	id := strings.TrimSpace(itemID)
	if id == "" {
		return domain.DiagnosticReport{}, fmt.Errorf("diagnostic item id is required")
	}

	var fixErr error
	switch id {
	case "engine_executable":
		fixErr = a.installOrFixEngine(ctx)
	case "engine_scripts":
		if _, err := engine.Install(a.Config.ScriptsDir); err != nil {
			fixErr = fmt.Errorf("reinstall engine scripts: %w", err)
		}
	case "output_dir":
		fixErr = a.installOrFixOutputDir(ctx, projectID)
	default:
		return domain.DiagnosticReport{}, fmt.Errorf("unsupported diagnostic item id: %s", id)
	}

	report := a.refreshDiagnostics(ctx, projectID)
	if fixErr != nil {
		return report, fixErr
	}
	return report, nil
}

func (a *App) installOrFixEngine(ctx context.Context) error {
	if _, err := a.DiscoverEngine(ctx); err == nil {
		return nil
	}

	installErr := runFirstSuccessfulInstall(engineInstallOptions(goruntime.GOOS))
	if _, err := a.DiscoverEngine(ctx); err != nil {
		if installErr != nil {
			return fmt.Errorf("install render engine: %w", installErr)
		}
		return fmt.Errorf("verify render engine after install: %w", err)
	}
	return nil
}

func (a *App) installOrFixOutputDir(ctx context.Context, projectID string) error {
	if projectID == "" {
		if err := os.MkdirAll(a.cache.Dir(), 0o755); err != nil {
			return fmt.Errorf("create preview cache directory: %w", err)
		}
		return nil
	}

	p, err := a.Store.Get(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if p.Settings.IsZero() {
		return &domain.Error{Kind: domain.KindValidation, Field: "settings", Message: "project has no settings"}
	}

	fixed, changed, err := fixOutputDir(p)
	if err != nil {
		return err
	}
	if changed {
		if err := a.Store.Update(ctx, fixed); err != nil {
			return fmt.Errorf("save project after fix: %w", err)
		}
	}
	return nil
}

// fixOutputDir points an empty output path next to the project file and
// creates the directory.
func fixOutputDir(p domain.Project) (domain.Project, bool, error) {
	changed := false
	if strings.TrimSpace(p.Settings.OutputPath()) == "" {
		settings, err := p.Settings.With(func(params *domain.Params) {
			params.OutputPath = filepath.Join(filepath.Dir(p.FilePath), "output")
		})
		if err != nil {
			return p, false, err
		}
		p.Settings = settings
		changed = true
	}

	if err := os.MkdirAll(p.Settings.OutputPath(), 0o755); err != nil {
		return p, changed, fmt.Errorf("create output directory: %w", err)
	}
	return p, changed, nil
}

func engineInstallOptions(goos string) []installOption {
	switch goos {
	case "windows":
		return []installOption{
			{
				manager: "winget",
				commands: [][]string{
					{"winget", "install", "--id", "BlenderFoundation.Blender", "--exact", "--accept-source-agreements", "--accept-package-agreements"},
				},
			},
			{
				manager: "choco",
				commands: [][]string{
					{"choco", "install", "blender", "-y"},
				},
			},
			{
				manager: "scoop",
				commands: [][]string{
					{"scoop", "bucket", "add", "extras"},
					{"scoop", "install", "extras/blender"},
				},
			},
		}
	case "darwin":
		return []installOption{
			{
				manager: "brew",
				commands: [][]string{
					{"brew", "install", "--cask", "blender"},
				},
			},
		}
	default:
		return []installOption{
			{
				manager: "snap",
				commands: [][]string{
					{"snap", "install", "blender", "--classic"},
				},
			},
			{
				manager: "apt-get",
				commands: [][]string{
					{"apt-get", "update"},
					{"apt-get", "install", "-y", "blender"},
				},
			},
			{
				manager: "dnf",
				commands: [][]string{
					{"dnf", "install", "-y", "blender"},
				},
			},
			{
				manager: "pacman",
				commands: [][]string{
					{"pacman", "-Sy", "--noconfirm", "blender"},
				},
			},
			{
				manager: "zypper",
				commands: [][]string{
					{"zypper", "install", "-y", "blender"},
				},
			},
		}
	}
}

func runFirstSuccessfulInstall(options []installOption) error {
	if len(options) == 0 {
		return fmt.Errorf("no install commands configured for OS %s", goruntime.GOOS)
	}

	errorsByManager := make([]string, 0, len(options))
	atLeastOneManager := false

	for _, option := range options {
		if !commandAvailable(option.manager) {
			continue
		}
		atLeastOneManager = true
		err := runInstallCommands(option.commands)
		if err == nil {
			return nil
		}
		errorsByManager = append(errorsByManager, fmt.Sprintf("%s: %v", option.manager, err))
	}

	if !atLeastOneManager {
		return fmt.Errorf("no supported package manager found for %s", goruntime.GOOS)
	}
	return errors.New(strings.Join(errorsByManager, " | "))
}

func runInstallCommands(commands [][]string) error {
	for _, command := range commands {
		if err := runCommandWithPossibleElevation(command); err != nil {
			return err
		}
	}
	return nil
}

func runCommandWithPossibleElevation(command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("empty command")
	}

	candidates := [][]string{command}
	if goruntime.GOOS == "linux" && requiresElevation(command[0]) {
		if commandAvailable("pkexec") {
			candidates = append(candidates, append([]string{"pkexec"}, command...))
		}
		if commandAvailable("sudo") {
			candidates = append(candidates, append([]string{"sudo", "-n"}, command...))
		}
	}

	attemptErrors := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		err := runCommand(candidate[0], candidate[1:]...)
		if err == nil {
			return nil
		}
		attemptErrors = append(attemptErrors, err.Error())
	}

	return errors.New(strings.Join(attemptErrors, " | "))
}

func runCommand(name string, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), installCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %s", formatCommand(name, args), installCommandTimeout)
	}

	trimmed := strings.TrimSpace(string(output))
	if len(trimmed) > 500 {
		trimmed = trimmed[:500] + "..."
	}
	if trimmed == "" {
		return fmt.Errorf("%s failed: %w", formatCommand(name, args), err)
	}
	return fmt.Errorf("%s failed: %w (%s)", formatCommand(name, args), err, trimmed)
}

func formatCommand(name string, args []string) string {
	parts := append([]string{name}, args...)
	return strings.Join(parts, " ")
}

func requiresElevation(manager string) bool {
	switch manager {
	case "snap", "apt-get", "dnf", "pacman", "zypper":
		return true
	default:
		return false
	}
}

func commandAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
