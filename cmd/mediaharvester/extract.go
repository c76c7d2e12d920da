// cmd/mediaharvester/extract.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/valpere/MediaHarvester/internal/service"
	"github.com/valpere/MediaHarvester/internal/task"
	"github.com/valpere/MediaHarvester/internal/utils"
	"github.com/valpere/MediaHarvester/pkg/api"
)

func newExtractCmd(flags *globalFlags) *cobra.Command {
	var (
		serverURL string
		apiKey    string
		quiet     bool
	)
	cmd := &cobra.Command{
		Use:   "extract <url-or-id>",
		Short: "Extract metadata for one video and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var progress io.Writer = cmd.ErrOrStderr()
			if quiet {
				progress = io.Discard
			}
			bar := newProgressBar(progress)

			var (
				final task.Snapshot
				err   error
			)
			if serverURL != "" {
				final, err = extractRemote(ctx, serverURL, apiKey, args[0], bar)
			} else {
				final, err = extractLocal(ctx, flags, args[0], bar)
			}
			_ = bar.Finish()
			fmt.Fprintln(progress)
			if err != nil {
				return err
			}
			return printOutcome(cmd.OutOrStdout(), final)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Submit to a running server instead of extracting in-process")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("MEDIAHARVESTER_API_KEY"), "Bearer token for --server")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide the progress bar")
	return cmd
}

func newProgressBar(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(string(task.StatusPending)),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func updateBar(bar *progressbar.ProgressBar, s task.Snapshot) {
	bar.Describe(string(s.Status))
	_ = bar.Set(s.Progress)
}

func extractLocal(ctx context.Context, flags *globalFlags, target string, bar *progressbar.ProgressBar) (task.Snapshot, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return task.Snapshot{}, err
	}
	// The progress bar owns the terminal; keep logs to warnings.
	if !flags.verbose && flags.logLevel == "" {
		cfg.Log.Level = "warn"
		if err := utils.InitLogger(cfg.Log); err != nil {
			return task.Snapshot{}, err
		}
	}

	svc, err := service.New(ctx, cfg, service.WithVersion(version))
	if err != nil {
		return task.Snapshot{}, err
	}
	if err := svc.Start(ctx); err != nil {
		return task.Snapshot{}, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = svc.Stop(stopCtx)
	}()

	snap, err := svc.StartTask(ctx, target)
	if err != nil {
		return task.Snapshot{}, err
	}
	ch, unsubscribe, err := svc.StreamProgress(context.Background(), snap.ID)
	if err != nil {
		return task.Snapshot{}, err
	}
	defer unsubscribe()

	last := snap
	done := ctx.Done()
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return last, nil
			}
			last = s
			updateBar(bar, s)
			if s.Terminal() {
				return last, nil
			}
		case <-done:
			// Interrupted: cancel the task and keep reading until it settles.
			done = nil
			if _, _, err := svc.Cancel(context.Background(), snap.ID); err != nil {
				return last, err
			}
		}
	}
}

func extractRemote(ctx context.Context, serverURL, apiKey, target string, bar *progressbar.ProgressBar) (task.Snapshot, error) {
	client := api.NewClient(serverURL, api.WithAPIKey(apiKey))
	created, err := client.CreateTask(ctx, target)
	if err != nil {
		return task.Snapshot{}, err
	}
	updateBar(bar, *created)

	last, err := client.WatchTask(ctx, created.ID, func(s api.Task) { updateBar(bar, s) })
	if ctx.Err() != nil {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if resp, cerr := client.CancelTask(cancelCtx, created.ID); cerr == nil {
			return resp.Task, nil
		}
	}
	if err != nil {
		return task.Snapshot{}, err
	}
	if last == nil || !last.Terminal() {
		// The stream ended early; fall back to polling once.
		return fetchFinal(ctx, client, created.ID)
	}
	return *last, nil
}

func fetchFinal(ctx context.Context, client *api.Client, id string) (task.Snapshot, error) {
	t, err := client.GetTask(ctx, id)
	if err != nil {
		return task.Snapshot{}, err
	}
	return *t, nil
}

// printOutcome writes the extraction as JSON, or returns the task error.
func printOutcome(w io.Writer, s task.Snapshot) error {
	switch s.Status {
	case task.StatusComplete:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s.Result)
	case task.StatusError:
		if s.Error != nil {
			return fmt.Errorf("%s: %s", s.Error.Code, s.Error.Message)
		}
		return fmt.Errorf("task %s failed", s.ID)
	case task.StatusCancelled:
		return fmt.Errorf("task %s was cancelled", s.ID)
	default:
		return fmt.Errorf("task %s ended in status %s", s.ID, s.Status)
	}
}
