package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"render-queue/internal/bootstrap"
	"render-queue/internal/jobs"
)

var flagPreviewOut string // value of preview --out flag

func init() {
	previewCmd.Flags().StringVarP(&flagPreviewOut, "out", "o", "", "file to write the preview PNG to - default is <project id>.png")
}

var guiCmd = &cobra.Command{
	Use:   "gui",
	Short: "open the desktop window (default)",
	RunE:  doGUI,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "render every stored project one after another",
	RunE:  doQueue,
}

var previewCmd = &cobra.Command{
	Use:   "preview <project id>",
	Short: "render a low resolution preview and write it as PNG",
	Args:  cobra.ExactArgs(1),
	RunE:  doPreview,
}

var addCmd = &cobra.Command{
	Use:   "add <file.blend>",
	Short: "add a project file to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  doAdd,
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "list queued projects",
	RunE:  doProjects,
}

var probeCmd = &cobra.Command{
	Use:   "probe [executable]",
	Short: "find or register a render engine and print its version",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doProbe,
}

func doGUI(cmd *cobra.Command, _ []string) error {
	_, app, err := openApp(cmd)
	if err != nil {
		return err
	}
	if err := app.Run(); err != nil {
		return errors.Join(err, app.Close())
	}
	return app.Close()
}

func doQueue(cmd *cobra.Command, _ []string) error {
	ctx, app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	projects, err := app.Store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}

	out := cmd.OutOrStdout()
	unsubscribe := app.Events.Subscribe(func(e jobs.Event) {
		switch e.Type {
		case jobs.EventTypeLog:
			fmt.Fprintln(out, e.Message)
		case jobs.EventTypeRender:
			state := "ok"
			if !e.Success {
				state = "FAILED"
			}
			fmt.Fprintf(out, "%s\t%s\t%s\n", e.ProjectID, state, e.Message)
		}
	})
	defer unsubscribe()

	sum, err := app.Orchestrator.RenderQueue(ctx, projects).Wait(cmd.Context())
	if err != nil {
		return err
	}
	if sum.Err != nil {
		return sum.Err
	}
	fmt.Fprintf(out, "%d launched, %d rendered, %d failed, %d skipped\n", sum.Launched, sum.Succeeded, sum.Failed, sum.Skipped)
	if sum.Failed > 0 {
		return fmt.Errorf("%d render(s) failed", sum.Failed)
	}
	return nil
}

func doPreview(cmd *cobra.Command, args []string) error {
	ctx, app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	p, err := app.Store.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	h, err := app.Orchestrator.RenderPreview(ctx, p)
	if err != nil {
		return err
	}
	outcome, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	if !outcome.Success {
		return fmt.Errorf("preview failed: %s", outcome.Message)
	}

	target := flagPreviewOut
	if target == "" {
		target = p.ID() + ".png"
	}
	if err := os.WriteFile(target, outcome.Payload, 0o644); err != nil {
		return fmt.Errorf("write preview: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), target)
	return nil
}

func doAdd(cmd *cobra.Command, args []string) error {
	_, app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	view, err := app.AddProject(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", view.ID, view.Name)
	return nil
}

func doProjects(cmd *cobra.Command, _ []string) error {
	_, app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	views, err := app.ListProjects()
	if err != nil {
		return err
	}
	printProjects(cmd, views)
	return nil
}

func printProjects(cmd *cobra.Command, views []bootstrap.ProjectView) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENGINE\tOUTPUT")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\n", v.ID, v.Name, v.Settings["render_engine"], v.Settings["output_path"])
	}
	_ = w.Flush()
}

func doProbe(cmd *cobra.Command, args []string) error {
	ctx, app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	if len(args) == 1 {
		info, err := app.AddEngine(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", info.Path, info.Version)
		return nil
	}

	if _, err := app.DiscoverEngine(ctx); err != nil {
		return err
	}
	engines, err := app.ListEngines()
	if err != nil {
		return err
	}
	for _, e := range engines {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", e.Path, e.Version)
	}
	return nil
}
