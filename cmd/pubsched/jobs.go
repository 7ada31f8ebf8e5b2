package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pubsched/internal/api"
	"pubsched/internal/jobs"
	"pubsched/internal/schedule"
	"pubsched/internal/upload"
)

var (
	jobsCmd = &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"job"},
		Short:   "Manage publishing jobs",
	}

	jobsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List jobs ordered by due time",
		Args:  cobra.NoArgs,
		RunE:  jobsListMain,
	}
	jobsAddCmd = &cobra.Command{
		Use:   "add [<file>...]",
		Short: "Schedule files for publishing",
		Long: `Schedule one or more local media files, or the contents of a folder (--folder), for
publishing on an account. A folder is listed again at every run.

Schedules:
  at:2026-05-01T10:30        once, at a wall-clock instant
  template[:<id>]            the next slot of a template (default template when no id)
  interval:2h~10%            every 2 hours with up to 10% jitter
  cron:0 9 * * 1-5           a 5-field cron expression`,
		Args: func(cmd *cobra.Command, args []string) error {
			if addFolder == "" && len(args) == 0 {
				return fmt.Errorf("give at least one file or --folder")
			}
			if addFolder != "" && len(args) > 0 {
				return fmt.Errorf("files and --folder are mutually exclusive")
			}
			return nil
		},
		RunE: jobsAddMain,
	}
	jobsShowCmd = &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE:  jobsShowMain,
	}
	jobsCancelCmd = &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job; a running upload is interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jobAction(cmd, args[0], "cancel requested", func(c *api.Client, id string) error {
				return c.CancelJob(cmd.Context(), id)
			})
		},
	}
	jobsRetryCmd = &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-queue a failed or cancelled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jobAction(cmd, args[0], "queued for retry", func(c *api.Client, id string) error {
				_, err := c.RetryJob(cmd.Context(), id)
				return err
			})
		},
	}
	jobsRemoveCmd = &cobra.Command{
		Use:     "remove <job-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a job that is not running",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jobAction(cmd, args[0], "removed", func(c *api.Client, id string) error {
				return c.RemoveJob(cmd.Context(), id)
			})
		},
	}

	listStatus  string
	listAccount string
	listLimit   int

	addKind        string
	addAccount     string
	addSchedule    string
	addTimezone    string
	addTitle       string
	addDescription string
	addWatermark   bool
	addBatchSize   int
	addDelayMin    int
	addDelayMax    int
	addFolder      string
	addSort        string
	addMove        bool
)

func init() {
	jobsListCmd.Flags().StringVarP(&listStatus, "status", "s", "", "Comma-separated statuses (pending, queued, running, completed, failed, cancelled)")
	jobsListCmd.Flags().StringVarP(&listAccount, "account", "a", "", "Only jobs of this account")
	jobsListCmd.Flags().IntVarP(&listLimit, "limit", "l", 50, "Maximum number of jobs")

	f := jobsAddCmd.Flags()
	f.StringVarP(&addKind, "kind", "k", "video", "video, story-single, story-batch or reels")
	f.StringVarP(&addAccount, "account", "a", "", "Target account id")
	f.StringVarP(&addSchedule, "schedule", "S", "template", "When to publish (see above)")
	f.StringVar(&addTimezone, "tz", "", "Time zone for at:/cron: schedules (default local)")
	f.StringVar(&addTitle, "title", "", "Title (video)")
	f.StringVar(&addDescription, "description", "", "Description or caption")
	f.BoolVar(&addWatermark, "watermark", false, "Burn the configured watermark into videos")
	f.StringVar(&addFolder, "folder", "", "Publish the media files of this folder instead of listed files")
	f.StringVar(&addSort, "sort", "name", "Folder order: name, date or random")
	f.BoolVar(&addMove, "move-uploaded", false, "Move each published file into an \"uploaded\" folder next to it")
	f.IntVar(&addBatchSize, "batch-size", 0, "Files per run (story-batch)")
	f.IntVar(&addDelayMin, "delay-min", 0, "Minimum seconds between stories in a batch")
	f.IntVar(&addDelayMax, "delay-max", 0, "Maximum seconds between stories in a batch")
	_ = jobsAddCmd.MarkFlagRequired("account")

	jobsCmd.AddCommand(jobsListCmd, jobsAddCmd, jobsShowCmd, jobsCancelCmd, jobsRetryCmd, jobsRemoveCmd)
	rootCmd.AddCommand(jobsCmd)
}

func jobsListMain(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	opt := api.ListOptions{AccountID: listAccount, Limit: listLimit}
	for _, s := range strings.Split(listStatus, ",") {
		if s = strings.TrimSpace(s); s != "" {
			opt.Statuses = append(opt.Statuses, jobs.Status(strings.ToLower(s)))
		}
	}
	list, err := c.ListJobs(cmd.Context(), opt)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if outputJSON {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s  %-12s  %-10s  %-16s  %-8s  %s\n", "Job ID", "Kind", "Status", "Account", "Files", "Due")
	for _, j := range list {
		fmt.Printf("%-36s  %-12s  %-10s  %-16s  %-8s  %s\n",
			j.ID, j.Kind, j.Status, j.AccountID,
			filesText(j),
			dueText(j))
	}
	return nil
}

func filesText(j jobs.Job) string {
	if j.FromFolder() {
		return "folder"
	}
	return fmt.Sprintf("%d/%d", j.Cursor, len(j.Payload.Files))
}

func dueText(j jobs.Job) string {
	switch {
	case j.Status.Terminal():
		if j.LastRunAt.IsZero() {
			return "-"
		}
		return "ran " + humanize.Time(j.LastRunAt)
	case j.NextDueAt.IsZero():
		return "-"
	}
	return humanize.Time(j.NextDueAt)
}

func jobsAddMain(cmd *cobra.Command, args []string) error {
	kind, err := jobs.ParseKind(addKind)
	if err != nil {
		return err
	}
	loc := time.Local
	if addTimezone != "" {
		if loc, err = schedule.LoadLocation(addTimezone); err != nil {
			return err
		}
	}
	spec, err := schedule.ParseSpec(addSchedule, loc)
	if err != nil {
		return fmt.Errorf("--schedule: %w", err)
	}
	if spec.Kind == schedule.KindCron && spec.Timezone == "" && addTimezone != "" {
		spec.Timezone = addTimezone
	}

	sortBy, err := jobs.ParseSort(addSort)
	if err != nil {
		return fmt.Errorf("--sort: %w", err)
	}
	// The daemon resolves paths on its own filesystem.
	files := make([]string, 0, len(args))
	for _, f := range args {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		files = append(files, abs)
	}
	var folder string
	if addFolder != "" {
		if folder, err = filepath.Abs(addFolder); err != nil {
			return err
		}
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	j, err := c.AddJob(cmd.Context(), api.JobRequest{
		Kind:      kind,
		AccountID: addAccount,
		Schedule:  spec,
		Payload: jobs.Payload{
			Files:        files,
			Folder:       folder,
			SortBy:       sortBy,
			MoveUploaded: addMove,
			Title:        addTitle,
			Description:  addDescription,
			Watermark:    addWatermark,
			BatchSize:    addBatchSize,
			DelayMin:     addDelayMin,
			DelayMax:     addDelayMax,
		},
	})
	if err != nil {
		return fmt.Errorf("add job: %w", err)
	}
	if outputJSON {
		return printJSON(j)
	}
	fmt.Printf("Job %s scheduled %s (%s)\n", j.ID, humanize.Time(j.NextDueAt), j.NextDueAt.Local().Format(time.RFC1123))
	return nil
}

func jobsShowMain(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	j, err := c.GetJob(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if outputJSON {
		return printJSON(j)
	}
	fmt.Printf("ID:        %s\n", j.ID)
	fmt.Printf("Kind:      %s\n", j.Kind)
	fmt.Printf("Account:   %s\n", j.AccountID)
	fmt.Printf("Status:    %s (attempt %d)\n", j.Status, j.AttemptCount)
	fmt.Printf("Schedule:  %s\n", describeSpec(j.Schedule))
	fmt.Printf("Due:       %s\n", dueText(j))
	if j.FromFolder() {
		fmt.Printf("Folder:    %s (sorted by %s)\n", j.Payload.Folder, j.Payload.SortBy)
		if j.Payload.MoveUploaded {
			fmt.Printf("           published files move to %s/\n", upload.UploadedDir)
		}
	} else {
		fmt.Printf("Files:     %d/%d published\n", j.Cursor, len(j.Payload.Files))
	}
	for i, f := range j.Payload.Files {
		mark := " "
		if i < j.Cursor {
			mark = "x"
		}
		fmt.Printf("  [%s] %s\n", mark, f)
	}
	if len(j.RemoteItemIDs) > 0 {
		fmt.Printf("Remote:    %s\n", strings.Join(j.RemoteItemIDs, ", "))
	}
	if j.Summary != "" {
		fmt.Printf("Summary:   %s\n", j.Summary)
	}
	if j.LastError != "" {
		fmt.Printf("Error:     %s: %s\n", j.ErrorClass, j.LastError)
	}
	fmt.Printf("Created:   %s\n", humanize.Time(j.CreatedAt))
	return nil
}

func describeSpec(s schedule.Spec) string {
	switch s.Kind {
	case schedule.KindOnce:
		return "once at " + s.At.Local().Format("2006-01-02 15:04 MST")
	case schedule.KindTemplate:
		if s.TemplateID == "" {
			return "default template"
		}
		return "template " + s.TemplateID
	case schedule.KindInterval:
		d := (time.Duration(s.IntervalSeconds) * time.Second).String()
		if s.JitterPercent > 0 {
			return fmt.Sprintf("every %s ~%d%%", d, s.JitterPercent)
		}
		return "every " + d
	case schedule.KindCron:
		if s.Timezone != "" {
			return fmt.Sprintf("cron %q (%s)", s.Cron, s.Timezone)
		}
		return fmt.Sprintf("cron %q", s.Cron)
	}
	return string(s.Kind)
}

func jobAction(cmd *cobra.Command, id, done string, fn func(c *api.Client, id string) error) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := fn(c, id); err != nil {
		return fmt.Errorf("%s %s: %w", cmd.Name(), id, err)
	}
	if outputJSON {
		return printJSON(map[string]string{"job_id": id, "result": done})
	}
	fmt.Printf("Job %s %s\n", id, done)
	return nil
}
