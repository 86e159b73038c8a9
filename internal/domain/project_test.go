package domain_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"render-queue/internal/domain"
)

func TestNewProjectGeneratesIDAndName(t *testing.T) {
	path := filepath.Join("scenes", "city.blend")
	p := domain.NewProject("", "", path, domain.Settings{})

	_, err := uuid.Parse(p.ID())
	require.NoError(t, err)
	require.Equal(t, "city.blend", p.Name)
	require.Equal(t, "city", p.Stem())

	other := domain.NewProject("", "", path, domain.Settings{})
	require.NotEqual(t, p.ID(), other.ID())
}

func TestNewProjectKeepsGivenIdentity(t *testing.T) {
	p := domain.NewProject("fixed-id", "Hero shot", "/a/b.blend", domain.Settings{})
	require.Equal(t, "fixed-id", p.ID())
	require.Equal(t, "Hero shot", p.Name)

	// Replacing settings never touches the identifier.
	s, err := domain.NewSettingsForHost(domain.DefaultParams(), 2)
	require.NoError(t, err)
	p.Settings = s
	require.Equal(t, "fixed-id", p.ID())
}

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("launch: %w", &domain.Error{Kind: domain.KindSpawn, Message: "permission denied"})
	require.ErrorIs(t, err, domain.ErrSpawn)
	require.False(t, errors.Is(err, domain.ErrRuntime))
	require.Equal(t, domain.KindSpawn, domain.KindOf(err))
	require.Equal(t, domain.ErrorKind(""), domain.KindOf(errors.New("plain")))
	require.Equal(t, "spawn: permission denied", errors.Unwrap(err).Error())
}

func TestFailedOutcomeCarriesKind(t *testing.T) {
	job := domain.Job{ID: "j1", ProjectID: "p1", Kind: domain.JobKindPreview}
	out := domain.Failed(job, &domain.Error{Kind: domain.KindDecode, Message: "no image payload found"})
	require.False(t, out.Success)
	require.Equal(t, domain.KindDecode, out.ErrorKind)
	require.Equal(t, "p1", out.ProjectID)
	require.Contains(t, out.Message, "no image payload found")
}
