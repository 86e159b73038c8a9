package render_test

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"render-queue/internal/domain"
	"render-queue/internal/render"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shell(script string) render.Descriptor {
	return render.Descriptor{Executable: "sh", Args: []string{"-c", script}}
}

func newTestRunner(opts ...render.RunnerOption) *render.Runner {
	return render.NewRunner(slog.New(slog.DiscardHandler), opts...)
}

func TestRunCapturesOutput(t *testing.T) {
	requireShell(t)

	res := newTestRunner().Run(t.Context(), shell("echo data:image/png;base64,AAAA; echo warn >&2"))
	require.True(t, res.Success())
	require.NoError(t, res.Err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "warn\n", res.Stderr)
	require.False(t, res.Stopped.Before(res.Started))

	img, err := render.DecodePreview(res.Stdout)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0}, img)
}

func TestRunNonZeroExit(t *testing.T) {
	requireShell(t)

	res := newTestRunner().Run(t.Context(), shell("echo 'Error: cannot read file' >&2; exit 1"))
	require.False(t, res.Success())
	require.Equal(t, 1, res.ExitCode)
	require.ErrorIs(t, res.Err, domain.ErrRuntime)
	require.Contains(t, res.Err.Error(), "exit status 1")
	require.Contains(t, res.Err.Error(), "cannot read file")
}

func TestRunTruncatesLongStderr(t *testing.T) {
	requireShell(t)

	res := newTestRunner().Run(t.Context(), shell("i=0; while [ $i -lt 300 ]; do echo 0123456789; i=$((i+1)); done >&2; exit 3"))
	require.Equal(t, 3, res.ExitCode)
	require.ErrorIs(t, res.Err, domain.ErrRuntime)
	require.Less(t, len(res.Err.Error()), 2100)
	require.Contains(t, res.Err.Error(), "...")
}

func TestRunSpawnFailure(t *testing.T) {
	d := render.Descriptor{Executable: filepath.Join(t.TempDir(), "missing-engine")}

	res := newTestRunner().Run(t.Context(), d)
	require.False(t, res.Success())
	require.Equal(t, render.NoExitCode, res.ExitCode)
	require.ErrorIs(t, res.Err, domain.ErrSpawn)
	require.Empty(t, res.Stdout)
}

func TestLaunchDeliversExactlyOneResult(t *testing.T) {
	requireShell(t)

	ch := newTestRunner().Launch(shell("echo done"))
	select {
	case res, ok := <-ch:
		require.True(t, ok)
		require.True(t, res.Success())
		require.Equal(t, "done", strings.TrimSpace(string(res.Stdout)))
	case <-time.After(10 * time.Second):
		t.Fatal("launch did not complete")
	}

	_, ok := <-ch
	require.False(t, ok, "channel must be closed after the result")
}

func TestProbeTimeout(t *testing.T) {
	requireShell(t)

	r := newTestRunner(render.WithProbeTimeout(100 * time.Millisecond))
	start := time.Now()
	res := r.Probe(context.Background(), "sh", "-c", "sleep 5")
	require.Less(t, time.Since(start), 4*time.Second)
	require.ErrorIs(t, res.Err, domain.ErrRuntime)
	require.Contains(t, res.Err.Error(), "did not finish")
}
