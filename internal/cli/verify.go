package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mohans/researchx/internal/logger"
	"github.com/mohans/researchx/verify"
	"github.com/mohans/researchx/worker"
)

func buildVerifyCommand(opts *rootOptions) *cobra.Command {
	var (
		inPath, outPath string
		retryFailed     bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify claims from a JSON file",
		Long: `Reads a JSON array of claims, verifies every claim that has no
verification yet, and writes the updated claims as JSON. Progress is
printed to stderr as results arrive. With --retry-failed, claims that
previously ended unable_to_verify are checked again from the first attempt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			claims, err := readClaims(inPath)
			if err != nil {
				return err
			}
			d, err := loadDeps(opts)
			if err != nil {
				return err
			}
			defer d.close()

			vw, err := worker.NewVerifyClient(d.workerConfig(), d.log)
			if err != nil {
				return err
			}
			claims, err = runVerification(cmd.Context(), d, vw, claims, retryFailed, func(c verify.Claim) {
				if c.Verification != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", c.ID, c.Verification.Status)
				}
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", outPath, err)
				}
				defer f.Close()
				out = f
			}
			return writeJSON(out, claims)
		},
	}
	cmd.Flags().StringVarP(&inPath, "file", "f", "", "claims JSON file")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write results here instead of stdout")
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "retry claims whose verification ended unable_to_verify")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readClaims(path string) ([]*verify.Claim, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read claims: %w", err)
	}
	var claims []*verify.Claim
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("parse claims %s: %w", path, err)
	}
	return claims, nil
}

// runVerification schedules claims and waits for them to settle. When
// retryFailed is set, claims that already ended unable_to_verify are retried
// too. SIGINT cuts the run short; unfinished claims are settled as
// unable_to_verify.
func runVerification(ctx context.Context, d *deps, w verify.Worker, claims []*verify.Claim, retryFailed bool, onUpdate func(verify.Claim)) ([]*verify.Claim, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := d.cfg.Verification
	s := verify.NewScheduler(w, verify.Options{
		Stagger:        v.Stagger,
		BaseDelay:      v.BaseDelay,
		MaxRetries:     v.MaxRetries,
		AttemptTimeout: v.AttemptTimeout,
		OnUpdate:       onUpdate,
		Logger:         d.log,
		Metrics:        d.metrics,
	})
	n := s.ScheduleAll(ctx, claims)
	retried := 0
	if retryFailed {
		for _, c := range claims {
			if c == nil || c.Verification == nil || c.Verification.Status != verify.StatusUnableToVerify {
				continue
			}
			if s.InFlight(c.ID) {
				continue
			}
			if err := s.Retry(ctx, c); err != nil {
				s.Close()
				return nil, err
			}
			retried++
		}
	}
	d.log.Info("verification started",
		logger.Int("claims", len(claims)),
		logger.Int("scheduled", n),
		logger.Int("retried", retried),
		logger.Bool("retry_failed", retryFailed),
	)

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Wait()
		close(done)
		return nil
	})
	g.Go(func() error {
		select {
		case <-done:
			return nil
		case <-gctx.Done():
			d.log.Warn("verification interrupted")
			s.Close()
			return nil
		}
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return claims, nil
}
