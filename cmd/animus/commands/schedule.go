package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/animus/pkg/engine"
)

func newScheduleCommand() *cobra.Command {
	var (
		expression string
		action     string
	)

	cmd := &cobra.Command{
		Use:   "schedule [names...]",
		Short: "Run apply or delete on a cron schedule",
		Long: `Repeat a run on a cron schedule until interrupted.

Manifests are parsed once. Execution counters are reset before every run,
so execute-once manifests run once per scheduled run. A run that is still
going when the next one is due makes the scheduler skip that one.`,
		Example: `  # Apply every five minutes
  animus schedule --cron "*/5 * * * *"

  # Use the schedule from the config file
  animus schedule -c animus.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			act := engine.Action(strings.ToLower(action))
			if act != engine.ActionApply && act != engine.ActionDelete {
				return fmt.Errorf("unknown action %q: must be apply or delete", action)
			}

			ctx := cmd.Context()
			sess, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close(ctx) }()

			if expression == "" {
				expression = sess.settings.Schedule
			}
			if expression == "" {
				return errors.New("no schedule configured: set schedule or --cron")
			}
			if err := sess.parse(); err != nil {
				return err
			}

			logger := sess.tel.Logger.NewComponentLogger("scheduler")
			cl := cronLogger{logger: logger.Zerolog()}
			scheduler := cron.New(
				cron.WithLogger(cl),
				cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			)

			out := cmd.OutOrStdout()
			_, err = scheduler.AddFunc(expression, func() {
				sess.manager.ResetExecutions()
				summary, err := sess.perform(ctx, act, args, false)
				if summary != nil {
					_ = printSummary(out, summary)
				}
				if err != nil {
					logger.WithError(err).Error("Scheduled run failed")
				}
			})
			if err != nil {
				return fmt.Errorf("invalid schedule %q: %w", expression, err)
			}

			scheduler.Start()
			logger.WithField("schedule", expression).WithField("action", string(act)).Info("Scheduler started")

			<-ctx.Done()
			<-scheduler.Stop().Done()
			logger.Info("Scheduler stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&expression, "cron", "", "cron expression (overrides schedule)")
	cmd.Flags().StringVar(&action, "action", string(engine.ActionApply), "action to run (apply, delete)")
	return cmd
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
