package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pubsched/internal/jobs"
	"pubsched/internal/schedule"
)

func TestDescribeSpec(t *testing.T) {
	assert.Equal(t, "every 1h30m0s ~10%", describeSpec(schedule.Spec{Kind: schedule.KindInterval, IntervalSeconds: 5400, JitterPercent: 10}))
	assert.Equal(t, `cron "0 9 * * *" (Europe/Berlin)`, describeSpec(schedule.Spec{Kind: schedule.KindCron, Cron: "0 9 * * *", Timezone: "Europe/Berlin"}))
	assert.Equal(t, "template t-1", describeSpec(schedule.Spec{Kind: schedule.KindTemplate, TemplateID: "t-1"}))
}

func TestDueText(t *testing.T) {
	assert.Equal(t, "-", dueText(jobs.Job{Status: jobs.StatusCompleted}))
	assert.Contains(t, dueText(jobs.Job{Status: jobs.StatusPending, NextDueAt: time.Now().Add(3 * time.Hour)}), "from now")
	assert.Contains(t, dueText(jobs.Job{Status: jobs.StatusFailed, LastRunAt: time.Now().Add(-2 * time.Hour)}), "ran 2 hours ago")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "pubsched ")
}
