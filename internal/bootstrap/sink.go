package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"render-queue/internal/domain"
	"render-queue/internal/jobs"
	"render-queue/internal/store"
)

var _ jobs.Sink = (*App)(nil)

// PreviewReady caches the image, stores it as the project thumbnail and
// tells the frontend where to find it. Previews of removed projects are
// dropped.
func (a *App) PreviewReady(res jobs.PreviewResult) {
	ctx := context.Background()
	event := jobs.Event{
		JobID:     res.JobID,
		ProjectID: res.ProjectID,
		Kind:      domain.JobKindPreview,
		Type:      jobs.EventTypePreview,
	}

	if res.Err != nil {
		event.ErrorKind = domain.KindOf(res.Err)
		event.Message = res.Err.Error()
		a.Events.Publish(event)
		return
	}

	path, err := a.storePreview(ctx, res.ProjectID, res.Image)
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.logger.InfoContext(ctx, "discarding preview of removed project", slog.String("project_id", res.ProjectID))
		return
	case err != nil:
		a.logger.ErrorContext(ctx, "store preview", slog.String("project_id", res.ProjectID), slog.String("error", err.Error()))
		event.Message = err.Error()
	default:
		event.Success = true
		event.PreviewPath = path
	}
	a.Events.Publish(event)
}

func (a *App) storePreview(ctx context.Context, projectID string, image []byte) (string, error) {
	p, err := a.Store.Get(ctx, projectID)
	if err != nil {
		return "", err
	}
	if err := a.Store.SaveThumbnail(ctx, projectID, image); err != nil {
		return "", fmt.Errorf("save thumbnail: %w", err)
	}
	path, err := a.cache.Store(projectID, image)
	if err != nil {
		return "", err
	}
	p.PreviewPath = path
	if err := a.Store.Update(ctx, p); err != nil {
		return "", fmt.Errorf("save preview path: %w", err)
	}
	return path, nil
}

// RenderComplete forwards the final render status.
func (a *App) RenderComplete(res jobs.RenderResult) {
	a.Events.Publish(jobs.Event{
		JobID:     res.JobID,
		ProjectID: res.ProjectID,
		Kind:      domain.JobKindFull,
		Type:      jobs.EventTypeRender,
		Success:   res.Success,
		Message:   res.Message,
	})
}

// Log forwards a human-readable line to the frontend log panel.
func (a *App) Log(message string) {
	a.Events.Publish(jobs.Event{
		Type:    jobs.EventTypeLog,
		Message: message,
	})
}
