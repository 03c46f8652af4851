package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/internal/util"
	"github.com/teranos/cadence/schedule"
	"github.com/teranos/cadence/sym"
)

// RunsCmd inspects run history
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: sym.Worker + " Inspect run history",
	Long: sym.Worker + ` runs - inspect the append-only run history.

Examples:
  cadence runs ls                       # Most recent runs across all schedules
  cadence runs ls --schedule 3f2a...    # Runs of one schedule
  cadence runs show <run-id>            # One run with its error and output sample`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var runsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		scheduleID, _ := cmd.Flags().GetString("schedule")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var logs []*schedule.RunLog
		if scheduleID != "" {
			logs, err = a.runs.ListForSchedule(cmd.Context(), scheduleID, limit)
		} else {
			logs, err = a.runs.ListRecent(cmd.Context(), limit)
		}
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			pterm.Info.Println("No runs recorded")
			return nil
		}
		return pterm.DefaultTable.WithHasHeader().WithData(runTable(logs)).Render()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.runs.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		pterm.DefaultSection.Printf("Run %s", r.ID)
		pterm.Printf("Schedule:   %s\n", r.ScheduleID)
		pterm.Printf("Status:     %s\n", r.Status)
		pterm.Printf("Started:    %s\n", r.StartedAt.UTC().Format(time.RFC3339))
		pterm.Printf("Completed:  %s\n", formatOptionalTime(r.CompletedAt))
		pterm.Printf("Duration:   %s\n", formatDuration(r.DurationSeconds))
		pterm.Printf("Items:      %d found, %d inserted, %d updated\n", r.ItemsFound, r.ItemsInserted, r.ItemsUpdated)
		pterm.Printf("Parameters: %s\n", string(r.Parameters))
		if r.Status == schedule.RunFailed {
			pterm.Println()
			pterm.Error.Printf("%s: %s\n", r.ErrorClass, r.ErrorMessage)
		}
		if r.OutputSample != "" {
			pterm.Println()
			pterm.Info.Println("Output sample:")
			pterm.Println(r.OutputSample)
		}
		return nil
	},
}

func init() {
	runsLsCmd.Flags().String("schedule", "", "Only runs of this schedule")
	runsLsCmd.Flags().Int("limit", 20, "Maximum number of runs to display")

	RunsCmd.AddCommand(runsLsCmd)
	RunsCmd.AddCommand(runsShowCmd)
}

func runTable(logs []*schedule.RunLog) pterm.TableData {
	data := pterm.TableData{{"ID", "SCHEDULE", "STATUS", "STARTED", "DURATION", "FOUND", "INSERTED", "UPDATED", "ERROR"}}
	for _, r := range logs {
		errText := "-"
		if r.Status == schedule.RunFailed {
			errText = util.Truncate(firstLine(r.ErrorMessage), 60)
		}
		data = append(data, []string{
			r.ID,
			r.ScheduleID,
			string(r.Status),
			r.StartedAt.UTC().Format(time.RFC3339),
			formatDuration(r.DurationSeconds),
			fmt.Sprint(r.ItemsFound),
			fmt.Sprint(r.ItemsInserted),
			fmt.Sprint(r.ItemsUpdated),
			errText,
		})
	}
	return data
}

func formatDuration(seconds *float64) string {
	if seconds == nil {
		return "-"
	}
	return (time.Duration(*seconds * float64(time.Second))).Round(time.Millisecond).String()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
