package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/schedule"
	"github.com/teranos/cadence/sym"
)

// ScheduleCmd manages recurring scrape schedules
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: sym.Tick + " Manage recurring scrape schedules",
	Long: sym.Tick + ` schedule - create and manage recurring scrape schedules.

A schedule names a worker source, a recurrence (daily, weekly, monthly,
custom) and the parameters handed to the worker on every run.

Examples:
  cadence schedule add --source construction_wire --type daily --param region=tx
  cadence schedule ls
  cadence schedule pause 3f2a...
  cadence schedule resume 3f2a...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a schedule",
	Long: `Create a schedule. It is due immediately unless --start is given.

Parameters are passed to the worker as one JSON object. Use --param key=value
for flat string values or --params for a full JSON document; --param entries
are merged over --params.`,
	RunE: runScheduleAdd,
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedules",
	RunE:  runScheduleLs,
}

var schedulePauseCmd = &cobra.Command{
	Use:   "pause <schedule-id>",
	Short: "Pause a schedule",
	Long:  "Pause a schedule. It keeps its next run time and is skipped until resumed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleActive(cmd, args[0], false)
	},
}

var scheduleResumeCmd = &cobra.Command{
	Use:   "resume <schedule-id>",
	Short: "Resume a paused schedule",
	Long:  "Resume a paused schedule. An overdue schedule runs once on the next pass, not once per missed period.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleActive(cmd, args[0], true)
	},
}

func init() {
	f := scheduleAddCmd.Flags()
	f.String("source", "", "Worker source (required)")
	f.String("name", "", "Display name used in notifications")
	f.String("type", string(schedule.Daily), "Recurrence: daily, weekly, monthly, custom")
	f.StringArray("param", nil, "Worker parameter key=value (repeatable)")
	f.String("params", "", "Worker parameters as a JSON object")
	f.StringArray("recipient", nil, "Notification recipient (repeatable)")
	f.Bool("notify-on-error", false, "Notify when a run fails")
	f.Bool("notify-on-completion", false, "Notify when a run succeeds")
	f.String("org", "", "Organization ID (default: organization_id from config)")
	f.String("start", "", "First run time, RFC3339 (default: now)")
	f.Bool("paused", false, "Create the schedule paused")
	_ = scheduleAddCmd.MarkFlagRequired("source")

	ScheduleCmd.AddCommand(scheduleAddCmd)
	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(schedulePauseCmd)
	ScheduleCmd.AddCommand(scheduleResumeCmd)
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	source, _ := f.GetString("source")
	name, _ := f.GetString("name")
	typeFlag, _ := f.GetString("type")
	pairs, _ := f.GetStringArray("param")
	rawParams, _ := f.GetString("params")
	recipients, _ := f.GetStringArray("recipient")
	onError, _ := f.GetBool("notify-on-error")
	onCompletion, _ := f.GetBool("notify-on-completion")
	org, _ := f.GetString("org")
	start, _ := f.GetString("start")
	paused, _ := f.GetBool("paused")

	st, err := schedule.ParseScheduleType(typeFlag)
	if err != nil {
		return err
	}
	params, err := parseParams(rawParams, pairs)
	if err != nil {
		return err
	}
	var nextRun *time.Time
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return errors.WithHint(errors.Wrapf(err, "invalid --start %q", start), "use RFC3339, e.g. 2026-03-02T06:00:00Z")
		}
		t = t.UTC()
		nextRun = &t
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if org == "" {
		org = a.cfg.OrganizationID
	}
	sched := &schedule.Schedule{
		OrganizationID:         org,
		Name:                   name,
		Source:                 source,
		Type:                   st,
		IsActive:               !paused,
		NextRunAt:              nextRun,
		Parameters:             params,
		NotifyOnCompletion:     onCompletion,
		NotifyOnError:          onError,
		NotificationRecipients: recipients,
	}
	if err := a.schedules.Create(cmd.Context(), sched); err != nil {
		return err
	}

	if reg, err := a.registry(); err == nil {
		if _, err := reg.Lookup(source); err != nil {
			pterm.Warning.Printf("No worker registered for source %q yet; runs will fail until one is configured\n", source)
		}
	}
	pterm.Success.Printf("Created schedule %s (%s, next run %s)\n", sched.ID, sched.Type, formatOptionalTime(sched.NextRunAt))
	return nil
}

func runScheduleLs(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	scheds, err := a.schedules.List(cmd.Context(), a.cfg.OrganizationID)
	if err != nil {
		return err
	}
	if len(scheds) == 0 {
		pterm.Info.Println("No schedules")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(scheduleTable(scheds)).Render()
}

func scheduleTable(scheds []*schedule.Schedule) pterm.TableData {
	data := pterm.TableData{{"ID", "NAME", "SOURCE", "TYPE", "ACTIVE", "LAST RUN", "NEXT RUN", "NOTIFY"}}
	for _, s := range scheds {
		data = append(data, []string{
			s.ID,
			s.DisplayName(),
			s.Source,
			string(s.Type),
			fmt.Sprint(s.IsActive),
			formatOptionalTime(s.LastRunAt),
			formatOptionalTime(s.NextRunAt),
			notifyPolicy(s),
		})
	}
	return data
}

func setScheduleActive(cmd *cobra.Command, id string, active bool) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.schedules.SetActive(cmd.Context(), id, active); err != nil {
		return err
	}
	if active {
		pterm.Success.Printf("Resumed schedule %s\n", id)
	} else {
		pterm.Success.Printf("Paused schedule %s\n", id)
	}
	return nil
}

// parseParams merges key=value pairs over an optional JSON object
func parseParams(raw string, pairs []string) (json.RawMessage, error) {
	params := map[string]interface{}{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, errors.NewInvalidRequestError("--params must be a JSON object: %v", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.NewInvalidRequestError("--param %q must be key=value", p)
		}
		params[k] = v
	}
	out, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "encode parameters")
	}
	return out, nil
}

func notifyPolicy(s *schedule.Schedule) string {
	var on []string
	if s.NotifyOnError {
		on = append(on, "error")
	}
	if s.NotifyOnCompletion {
		on = append(on, "completion")
	}
	if len(on) == 0 {
		return "-"
	}
	return strings.Join(on, ",")
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
