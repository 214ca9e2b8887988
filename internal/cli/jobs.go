package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mohans/researchx/researchx"
)

func buildSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		depth  string
		follow bool
		meta   map[string]string
	)
	cmd := &cobra.Command{
		Use:   "submit QUERY",
		Short: "Submit a research query",
		Long: `Quick queries run inline and print the finished job. Deep queries are
queued and print the pending job; pass --follow to poll until it finishes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDeps(opts)
			if err != nil {
				return err
			}
			defer d.close()

			client, err := d.client(cmd.Context())
			if err != nil {
				return err
			}
			var metadata map[string]any
			if len(meta) > 0 {
				metadata = make(map[string]any, len(meta))
				for k, v := range meta {
					metadata[k] = v
				}
			}

			job, err := client.Submit(cmd.Context(), opts.ownerID(), strings.Join(args, " "), researchx.Depth(depth), metadata)
			if err != nil {
				return err
			}
			if follow && !job.Status.Terminal() {
				return followJob(cmd, d, job.OwnerID, job.ID)
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVarP(&depth, "depth", "d", string(researchx.DepthQuick), "quick or deep")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll a deep job until it finishes")
	cmd.Flags().StringToStringVarP(&meta, "meta", "m", nil, "metadata key=value pairs")
	return cmd
}

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a research job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDeps(opts)
			if err != nil {
				return err
			}
			defer d.close()

			if _, err := d.openStore(cmd.Context()); err != nil {
				return err
			}
			if follow {
				return followJob(cmd, d, opts.ownerID(), args[0])
			}
			job, err := d.jobs.Get(cmd.Context(), opts.ownerID(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll until the job finishes")
	return cmd
}

func buildResumeCommand(opts *rootOptions) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Show the newest unfinished deep research job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := loadDeps(opts)
			if err != nil {
				return err
			}
			defer d.close()

			client, err := d.client(cmd.Context())
			if err != nil {
				return err
			}
			job, err := client.Resume(cmd.Context(), opts.ownerID())
			if err != nil {
				return err
			}
			if job == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no unfinished research jobs")
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "resuming %s (%s, submitted %s)\n", job.ID, job.Status, humanize.Time(job.CreatedAt))
			if follow {
				return followJob(cmd, d, job.OwnerID, job.ID)
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll the job until it finishes")
	return cmd
}

func buildHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the owner's finished research jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner := opts.ownerID()
			if owner == "" {
				return researchx.ErrAuthRequired
			}
			d, err := loadDeps(opts)
			if err != nil {
				return err
			}
			defer d.close()

			jobs, err := d.history().List(cmd.Context(), owner, limit)
			if err != nil {
				return err
			}
			for _, job := range jobs {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %s %q\n", job.ID, job.Status, humanize.Time(job.CreatedAt), job.Query)
			}
			return writeJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().Int64VarP(&limit, "limit", "n", 10, "entries to show; 0 shows all kept")
	return cmd
}

// followJob polls a job, printing status changes to stderr and the final
// job to stdout. Interrupting stops watching; the job keeps running.
func followJob(cmd *cobra.Command, d *deps, ownerID, jobID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := d.openStore(ctx); err != nil {
		return err
	}
	stderr := cmd.ErrOrStderr()
	var final *researchx.Job
	h := d.poller().Start(ctx, ownerID, jobID, researchx.Callbacks{
		OnStatus: func(job *researchx.Job) {
			fmt.Fprintf(stderr, "%s %s\n", job.ID, job.Status)
		},
		OnComplete: func(job *researchx.Job) { final = job },
		OnError: func(job *researchx.Job, err error) {
			final = job
		},
	})
	go func() {
		<-ctx.Done()
		h.Cancel()
	}()

	err := h.Wait(context.Background())
	if h.Cancelled() {
		fmt.Fprintf(stderr, "stopped watching %s after %s; it keeps running\n", jobID, h.Elapsed().Round(time.Millisecond))
		return nil
	}
	if final != nil {
		if werr := writeJSON(cmd.OutOrStdout(), final); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stderr, "finished in %s\n", h.Elapsed().Round(time.Millisecond))
	return nil
}
