package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"SoundAsleep/internal/app"
	"SoundAsleep/internal/eventloop"
	"SoundAsleep/internal/render"
	"SoundAsleep/internal/session"
)

// demoStep 脚本中的一步：先推进时钟，再执行操作
type demoStep struct {
	after time.Duration
	name  string
	run   func(*session.Controller) error
}

func demoScript(minutes int) []demoStep {
	return []demoStep{
		{2 * time.Second, "calibrate before pairing", func(c *session.Controller) error {
			if _, err := c.Calibrate(); !errors.Is(err, session.ErrNotPaired) {
				return err
			}
			return nil
		}},
		{3 * time.Second, "pair", func(c *session.Controller) error { return c.Pair() }},
		{time.Second, "calibrate", func(c *session.Controller) error {
			_, err := c.Calibrate()
			return err
		}},
		{time.Second, "test burst", func(c *session.Controller) error {
			_, err := c.TriggerTestBurst()
			return err
		}},
		{time.Second, "enable stimulation", func(c *session.Controller) error { return c.SetStimulation(true) }},
		{time.Second, "raise threshold", func(c *session.Controller) error {
			_, err := c.SetThreshold(95)
			return err
		}},
		{time.Second, "lower volume", func(c *session.Controller) error {
			_, err := c.SetVolume(20)
			return err
		}},
		{time.Second, "switch algorithm", func(c *session.Controller) error { return c.SetAlgorithm(session.AlgorithmCoSleep) }},
		{time.Duration(minutes) * time.Minute, "sleep", func(*session.Controller) error { return nil }},
	}
}

func newDemoCmd() *cobra.Command {
	var (
		minutes    int
		formatFlag string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted headless session on a simulated clock and print the timeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if minutes < 0 {
				return fmt.Errorf("--minutes must be >= 0, got %d", minutes)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if formatFlag == "" {
				formatFlag = render.DefaultFormat(out)
			}

			var logOut io.Writer = io.Discard
			if verbose {
				logOut = cmd.ErrOrStderr()
				cfg.Log.Format = "text"
			}

			clock := eventloop.NewManualClock(time.Now().Truncate(time.Second))
			a, err := app.New(cfg, app.WithClock(clock), app.WithLogOutput(logOut))
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			ctrl := a.Controller()
			if err := ctrl.Start(); err != nil {
				return err
			}

			for _, step := range demoScript(minutes) {
				if _, err := a.Loop().Advance(step.after); err != nil {
					return err
				}
				if err := step.run(ctrl); err != nil {
					return fmt.Errorf("demo step %q: %w", step.name, err)
				}
			}

			status := render.Status{
				SessionID:  ctrl.ID(),
				Config:     ctrl.CurrentConfig(),
				Summary:    ctrl.Summary(),
				Impedances: ctrl.CurrentImpedances(),
			}
			ctrl.Stop()

			if err := render.WriteEvents(out, ctrl.CurrentEvents(), formatFlag); err != nil {
				return err
			}
			return render.WriteStatus(out, status, formatFlag)
		},
	}

	cmd.Flags().IntVar(&minutes, "minutes", 60, "simulated minutes to run after the scripted actions")
	cmd.Flags().StringVar(&formatFlag, "format", "", "output format: table, plain or json (default: table on a terminal)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "write session logs to stderr")
	return cmd
}
