package zfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendArgsFull(t *testing.T) {
	args := SendArgs(SendOptions{
		Snapshot:   "tank/vm@snap1",
		Recursive:  true,
		Properties: true,
		Compressed: true,
	})

	assert.Equal(t, []string{"send", "-v", "-R", "-p", "-c", "-L", "-e", "tank/vm@snap1"}, args)
}

func TestSendArgsIncremental(t *testing.T) {
	args := SendArgs(SendOptions{
		Snapshot:        "tank/vm@snap2",
		IncrementalFrom: "tank/vm@snap1",
	})
	assert.Contains(t, args, "-i")
	assert.NotContains(t, args, "-I")

	args = SendArgs(SendOptions{
		Snapshot:        "tank/vm@snap2",
		IncrementalFrom: "tank/vm@snap1",
		Recursive:       true,
	})
	assert.Contains(t, args, "-I")
	assert.NotContains(t, args, "-i")
}

func TestSendArgsResumeTokenWinsOverEverything(t *testing.T) {
	args := SendArgs(SendOptions{
		Snapshot:        "tank/vm@snap2",
		IncrementalFrom: "tank/vm@snap1",
		ResumeToken:     "1-abc-def",
		Recursive:       true,
		Raw:             true,
	})

	assert.Equal(t, []string{"send", "-t", "1-abc-def"}, args)
}

func TestSendArgsRaw(t *testing.T) {
	args := SendArgs(SendOptions{Snapshot: "tank/enc@s", Raw: true})
	assert.Contains(t, args, "-w")
}

func TestReceiveArgs(t *testing.T) {
	assert.Equal(t, []string{"receive", "-F", "-u", "backup/vm"}, ReceiveArgs("backup/vm", false))
	assert.Equal(t, []string{"receive", "-F", "-s", "-u", "backup/vm"}, ReceiveArgs("backup/vm", true))
}

func TestParseSnapshotList(t *testing.T) {
	out := "tank/vm@a\t1700000000\t0\n" +
		"tank/vm@b\t1700003600\t1\n" +
		"garbage line\n" +
		"tank/vm@c\t1700007200\t0\n"

	snaps := parseSnapshotList(out)

	require.Len(t, snaps, 3)
	assert.Equal(t, "tank/vm@a", snaps[0].Name)
	assert.Equal(t, time.Unix(1700000000, 0), snaps[0].Created)
	assert.False(t, snaps[0].Held())
	assert.True(t, snaps[1].Held())
}

func TestParseSnapshotListEmpty(t *testing.T) {
	assert.Empty(t, parseSnapshotList(""))
	assert.Empty(t, parseSnapshotList("\n\n"))
}
