package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pubsched/internal/schedule"
)

var (
	templatesCmd = &cobra.Command{
		Use:     "templates",
		Aliases: []string{"template", "tpl"},
		Short:   "Manage weekly slot templates",
	}
	templatesListCmd = &cobra.Command{
		Use:   "list",
		Short: "List templates",
		Args:  cobra.NoArgs,
		RunE:  templatesListMain,
	}
	templatesSetCmd = &cobra.Command{
		Use:   "set [template-id]",
		Short: "Create a template, or replace the one with the given id",
		Args:  cobra.MaximumNArgs(1),
		RunE:  templatesSetMain,
	}
	templatesDeleteCmd = &cobra.Command{
		Use:     "delete <template-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a template no pending job refers to",
		Args:    cobra.ExactArgs(1),
		RunE:    templatesDeleteMain,
	}

	tplName     string
	tplTimes    []string
	tplWeekdays []string
	tplTimezone string
	tplOffset   int
	tplDefault  bool
	tplDisabled bool
)

func init() {
	f := templatesSetCmd.Flags()
	f.StringVar(&tplName, "name", "", "Display name")
	f.StringSliceVar(&tplTimes, "times", nil, "Slots as HH:MM, e.g. 09:00,18:30")
	f.StringSliceVar(&tplWeekdays, "weekdays", []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}, "Days the slots apply to")
	f.StringVar(&tplTimezone, "tz", "", "IANA time zone of the slots (default local)")
	f.IntVar(&tplOffset, "random-offset", 0, "Random delay in minutes added after each slot")
	f.BoolVar(&tplDefault, "default", false, "Make this the default template")
	f.BoolVar(&tplDisabled, "disabled", false, "Store the template disabled")
	_ = templatesSetCmd.MarkFlagRequired("name")
	_ = templatesSetCmd.MarkFlagRequired("times")

	templatesCmd.AddCommand(templatesListCmd, templatesSetCmd, templatesDeleteCmd)
	rootCmd.AddCommand(templatesCmd)
}

func templatesListMain(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	list, err := c.ListTemplates(cmd.Context())
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	if outputJSON {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No templates found")
		return nil
	}
	fmt.Printf("%-36s  %-16s  %-8s  %-22s  %-28s  %s\n", "Template ID", "Name", "State", "Times", "Weekdays", "Updated")
	for _, t := range list {
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		if t.IsDefault {
			state += "*"
		}
		fmt.Printf("%-36s  %-16s  %-8s  %-22s  %-28s  %s\n",
			t.ID, t.Name, state, strings.Join(t.Times, ","), strings.Join(t.Weekdays, ","), humanize.Time(t.UpdatedAt))
	}
	return nil
}

func templatesSetMain(cmd *cobra.Command, args []string) error {
	t := schedule.Template{
		Name:         tplName,
		Times:        tplTimes,
		Weekdays:     tplWeekdays,
		Timezone:     tplTimezone,
		RandomOffset: tplOffset,
		IsDefault:    tplDefault,
		Enabled:      !tplDisabled,
	}
	if len(args) == 1 {
		t.ID = args[0]
	}
	if err := t.Validate(); err != nil {
		return err
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	saved, err := c.SaveTemplate(cmd.Context(), t)
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	if outputJSON {
		return printJSON(saved)
	}
	fmt.Printf("Template %s saved\n", saved.ID)
	return nil
}

func templatesDeleteMain(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.DeleteTemplate(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	fmt.Printf("Template %s deleted\n", args[0])
	return nil
}
