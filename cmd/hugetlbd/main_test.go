//go:build linux

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/hugeremap/pkg/daemon"
)

func TestFlagDefaults(t *testing.T) {
	t.Setenv("HUGETLB_SHARE_SOCKET", "/run/test.sock")
	t.Setenv("HUGETLB_SHARE_PATH", "/mnt/huge/share")
	cmd := newDaemonCommand()
	flags := cmd.Flags()

	socket, err := flags.GetString("socket")
	require.NoError(t, err)
	assert.Equal(t, "/run/test.sock", socket)
	shareDir, err := flags.GetString("share-dir")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/huge/share", shareDir, "clients and daemon read the same variable")
	poll, err := flags.GetDuration("poll-timeout")
	require.NoError(t, err)
	assert.Equal(t, daemon.DefaultPollTimeout, poll)
	entries, err := flags.GetInt("max-entries")
	require.NoError(t, err)
	assert.Equal(t, daemon.DefaultMaxEntries, entries)
}

func TestRunStopsWithContext(t *testing.T) {
	dir := t.TempDir()
	cmd := newDaemonCommand()
	cmd.SetArgs([]string{
		"--socket", filepath.Join(dir, "d.sock"),
		"--share-dir", filepath.Join(dir, "share"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, cmd.ExecuteContext(ctx))
	assert.NoFileExists(t, filepath.Join(dir, "d.sock"))
	assert.DirExists(t, filepath.Join(dir, "share"))
}

func TestRunRejectsBadMount(t *testing.T) {
	cmd := newDaemonCommand()
	cmd.SetArgs([]string{
		"--socket", filepath.Join(t.TempDir(), "d.sock"),
		"--share-dir", "",
		"--mount", t.TempDir(),
	})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}
