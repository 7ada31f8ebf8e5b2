package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pubsched/internal/schedule"
)

func TestRunItemsAdvancesWithCursor(t *testing.T) {
	j := Job{Kind: KindStoryBatch, Payload: Payload{Files: []string{"a", "b", "c", "d", "e"}, BatchSize: 2}}
	assert.Equal(t, []string{"a", "b"}, j.RunItems())
	j.Cursor = 4
	assert.Equal(t, []string{"e"}, j.RunItems())
	j.Cursor = 5
	assert.Empty(t, j.RunItems())
	assert.True(t, j.Exhausted())

	v := Job{Kind: KindVideo, Payload: Payload{Files: []string{"x", "y"}}}
	assert.Equal(t, []string{"x"}, v.RunItems())
}

func TestOneShotRunsEveryRemainingFile(t *testing.T) {
	once := schedule.Spec{Kind: schedule.KindOnce, At: time.Now()}
	v := Job{Kind: KindVideo, Schedule: once, Payload: Payload{Files: []string{"a.mp4", "b.mp4", "c.mp4"}}}
	assert.Equal(t, []string{"a.mp4", "b.mp4", "c.mp4"}, v.RunItems())
	assert.Equal(t, 3, v.PerRun())

	v.Cursor = 1
	assert.Equal(t, []string{"b.mp4", "c.mp4"}, v.RunItems())

	b := Job{Kind: KindStoryBatch, Schedule: once, Payload: Payload{Files: []string{"1", "2", "3", "4"}, BatchSize: 2}}
	assert.Equal(t, []string{"1", "2", "3", "4"}, b.RunItems())
	assert.Equal(t, 2, b.BatchSize())
}

func TestFolderJobCursor(t *testing.T) {
	j := Job{Kind: KindVideo, Payload: Payload{Folder: "/media/in"}}
	assert.False(t, j.Exhausted(), "a folder can always receive more files")

	j.Advance(2)
	assert.Equal(t, 2, j.Cursor)
	j.SkipRun()
	assert.Equal(t, 3, j.Cursor)

	moving := Job{Kind: KindVideo, Payload: Payload{Folder: "/media/in", MoveUploaded: true}}
	moving.Advance(2)
	assert.Zero(t, moving.Cursor, "published files leave the listing")

	list := Job{Kind: KindStoryBatch, Payload: Payload{Files: []string{"a", "b", "c"}, BatchSize: 2}}
	list.SkipRun()
	assert.Equal(t, 2, list.Cursor)
}

func TestParseSort(t *testing.T) {
	for in, want := range map[string]string{"": SortName, "Name": SortName, "date_modified": SortDate, "random": SortRandom} {
		got, err := ParseSort(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSort("size")
	assert.Error(t, err)
}

func TestDelaysClampAndDefaults(t *testing.T) {
	lo, hi := Payload{}.Delays()
	assert.Equal(t, 5*time.Second, lo)
	assert.Equal(t, 15*time.Second, hi)

	lo, hi = Payload{DelayMin: 20, DelayMax: 10}.Delays()
	assert.Equal(t, 20*time.Second, lo)
	assert.Equal(t, 20*time.Second, hi)
}

func TestValidate(t *testing.T) {
	ok := Job{
		Kind:      KindReels,
		AccountID: "page-1",
		Payload:   Payload{Files: []string{"/tmp/a.mp4"}},
		Schedule:  schedule.Spec{Kind: schedule.KindOnce, At: time.Now()},
	}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.AccountID = ""
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Kind = KindStoryBatch
	bad.Payload.BatchSize = 11
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Schedule = schedule.Spec{Kind: schedule.KindOnce}
	assert.Error(t, bad.Validate())

	folder := ok
	folder.Payload = Payload{Folder: "/media/reels", SortBy: "date"}
	assert.NoError(t, folder.Validate())

	bad = folder
	bad.Payload.Files = []string{"/tmp/a.mp4"}
	assert.Error(t, bad.Validate(), "files and folder together")

	bad = folder
	bad.Payload.SortBy = "size"
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Payload.Files = nil
	assert.Error(t, bad.Validate())

	_, err := ParseKind("podcast")
	assert.Error(t, err)
	k, err := ParseKind("Story-Batch")
	assert.NoError(t, err)
	assert.Equal(t, KindStoryBatch, k)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "page-1:::reels", Job{AccountID: "page-1", Kind: KindReels}.Key())
}
