package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/assistant-client/internal/model"
	"github.com/capitalize-ai/assistant-client/internal/schedule"
)

func newTasksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List scheduled tasks with their next run",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				tasks, err := a.client.ListTasks(cmd.Context())
				if err != nil {
					return err
				}
				if ok, err := encode(cmd.OutOrStdout(), a.output, tasks); ok {
					return err
				}

				now := time.Now()
				t := newTable(cmd.OutOrStdout(), "ID", "NAME", "SCHEDULE", "TIMEZONE", "ACTIVE", "NEXT RUN").setMaxWidth(1, 32)
				for _, task := range tasks {
					t.addRow(
						task.ID,
						task.Name,
						task.CronExpression,
						task.Timezone,
						strconv.FormatBool(task.IsActive),
						nextRunLabel(task, now),
					)
				}
				return t.render()
			},
		},
		newTaskPreviewCmd(a),
		newTaskToggleCmd(a, "enable", "Resume a paused task", true),
		newTaskToggleCmd(a, "disable", "Pause a task without deleting it", false),
		&cobra.Command{
			Use:     "delete <id>",
			Aliases: []string{"rm"},
			Short:   "Delete a scheduled task",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.client.DeleteTask(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted task %s\n", successMark, args[0])
				return err
			},
		},
		&cobra.Command{
			Use:     "executions <id>",
			Aliases: []string{"runs"},
			Short:   "Show recent runs of a task",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				execs, err := a.client.ListTaskExecutions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ok, err := encode(cmd.OutOrStdout(), a.output, execs); ok {
					return err
				}

				t := newTable(cmd.OutOrStdout(), "ID", "STATUS", "STARTED", "DURATION", "TOKENS", "ERROR").setMaxWidth(5, 60)
				for _, e := range execs {
					t.addRow(
						e.ID,
						string(e.Status),
						formatTimePtr(e.StartedAt),
						durationLabel(e),
						tokensLabel(e.TokenUsage),
						derefOr(e.Error, ""),
					)
				}
				return t.render()
			},
		},
	)

	return cmd
}

func newTaskToggleCmd(a *app, verb, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := a.client.SetTaskActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}
			if ok, err := encode(cmd.OutOrStdout(), a.output, task); ok {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s %sd (next run: %s)\n",
				successMark, task.Name, verb, nextRunLabel(*task, time.Now()))
			return err
		},
	}
}

// preview is the machine-readable form of a schedule preview.
type preview struct {
	Expression string      `json:"cron_expression" yaml:"cron_expression"`
	Timezone   string      `json:"timezone" yaml:"timezone"`
	Runs       []time.Time `json:"runs" yaml:"runs"`
}

func newTaskPreviewCmd(a *app) *cobra.Command {
	var (
		tz    string
		count int
	)

	cmd := &cobra.Command{
		Use:   "preview <cron-expression>",
		Short: "Show the upcoming runs of a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive, got %d", count)
			}
			s, err := schedule.Parse(args[0], tz)
			if err != nil {
				return err
			}

			p := preview{
				Expression: s.Expression,
				Timezone:   s.Location.String(),
				Runs:       s.Upcoming(time.Now(), count),
			}
			if p.Runs == nil {
				p.Runs = []time.Time{}
			}
			if ok, err := encode(cmd.OutOrStdout(), a.output, p); ok {
				return err
			}

			t := newTable(cmd.OutOrStdout(), "#", "RUN AT", "LOCAL")
			for i, run := range p.Runs {
				t.addRow(strconv.Itoa(i+1), run.Format(timeLayout+" MST"), formatTime(run))
			}
			return t.render()
		},
	}

	cmd.Flags().StringVar(&tz, "timezone", schedule.DefaultTimezone, "IANA timezone the expression runs in")
	cmd.Flags().IntVarP(&count, "count", "n", 5, "Number of runs to show")

	return cmd
}

// nextRunLabel prefers the backend's next run and otherwise estimates one
// from the cron expression.
func nextRunLabel(task model.ScheduledTask, now time.Time) string {
	if !task.IsActive {
		return "paused"
	}
	if task.NextRunAt != nil {
		return formatTime(*task.NextRunAt)
	}
	next, err := schedule.NextRun(task.CronExpression, task.Timezone, now)
	if err != nil {
		return "invalid schedule"
	}
	if next.IsZero() {
		return "-"
	}
	return formatTime(next) + " (est.)"
}

func durationLabel(e model.TaskExecution) string {
	d := e.Duration()
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func tokensLabel(n *int) string {
	if n == nil {
		return "-"
	}
	return strconv.Itoa(*n)
}
