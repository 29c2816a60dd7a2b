//go:build linux

package share

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/hugeremap/pkg/protocol"
)

// fakeDaemon answers one request with resp and records what it received.
type fakeDaemon struct {
	socket     string
	requests   chan protocol.ClientRequest
	completion chan protocol.ClientCompletion
}

func startFake(t *testing.T, resp protocol.DaemonResponse) *fakeDaemon {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "d.sock")
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	fd := &fakeDaemon{
		socket:     socket,
		requests:   make(chan protocol.ClientRequest, 1),
		completion: make(chan protocol.ClientCompletion, 1),
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req protocol.ClientRequest
		if protocol.Read(conn, &req) != nil {
			return
		}
		fd.requests <- req
		if protocol.Write(conn, &resp) != nil || resp.NeedToPrepare == 0 {
			return
		}
		var c protocol.ClientCompletion
		if protocol.Read(conn, &c) == nil {
			fd.completion <- c
		}
	}()
	return fd
}

func testClient(socket string) *Client {
	c := NewClient(socket)
	c.Timeout = 2 * time.Second
	c.DialInterval = time.Millisecond
	return c
}

func sharedFile(t *testing.T) string {
	p := filepath.Join(t.TempDir(), "seg")
	require.NoError(t, os.WriteFile(p, []byte("segment"), 0o644))
	return p
}

func TestRequestHit(t *testing.T) {
	path := sharedFile(t)
	fd := startFake(t, protocol.DaemonResponse{NeedToPrepare: 0, Path: path})

	lease, err := testClient(fd.socket).Request(context.Background(), 7, 0x400000)
	require.NoError(t, err)
	defer lease.Close()

	assert.Equal(t, protocol.ClientRequest{Identity: 7, Vaddr: 0x400000}, <-fd.requests)
	assert.False(t, lease.NeedToPrepare)
	assert.Equal(t, path, lease.Path)
	buf := make([]byte, 7)
	_, err = lease.File.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "segment", string(buf))

	// Hits hold no connection, so completing is a no-op.
	assert.NoError(t, lease.Complete(nil))
	assert.NoError(t, lease.Close())
}

func TestRequestPrepare(t *testing.T) {
	path := sharedFile(t)
	fd := startFake(t, protocol.DaemonResponse{NeedToPrepare: 1, Path: path})

	lease, err := testClient(fd.socket).Request(context.Background(), 7, 0x400000)
	require.NoError(t, err)
	require.True(t, lease.NeedToPrepare)

	_, err = lease.File.WriteAt([]byte("prepared"), 0)
	require.NoError(t, err, "preparers get a writable file")

	require.NoError(t, lease.Complete(nil))
	c := <-fd.completion
	assert.True(t, c.OK())
	assert.ErrorIs(t, lease.Complete(nil), ErrCompleted)
	assert.NoError(t, lease.Close())
}

func TestCloseReportsFailure(t *testing.T) {
	fd := startFake(t, protocol.DaemonResponse{NeedToPrepare: 1, Path: sharedFile(t)})

	lease, err := testClient(fd.socket).Request(context.Background(), 1, 2)
	require.NoError(t, err)
	require.NoError(t, lease.Close())
	assert.False(t, (<-fd.completion).OK())
	assert.Nil(t, lease.File)
}

func TestCompleteWithError(t *testing.T) {
	fd := startFake(t, protocol.DaemonResponse{NeedToPrepare: 1, Path: sharedFile(t)})

	lease, err := testClient(fd.socket).Request(context.Background(), 1, 2)
	require.NoError(t, err)
	defer lease.Close()
	require.NoError(t, lease.Complete(errors.New("copy failed")))
	assert.False(t, (<-fd.completion).OK())
}

func TestRequestUnopenableFileFails(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone")
	fd := startFake(t, protocol.DaemonResponse{NeedToPrepare: 1, Path: missing})

	_, err := testClient(fd.socket).Request(context.Background(), 1, 2)
	assert.ErrorIs(t, err, ErrUnavailable)
	// The daemon is told to drop its tentative entry.
	assert.False(t, (<-fd.completion).OK())
}

func TestRequestNoDaemon(t *testing.T) {
	c := testClient(filepath.Join(t.TempDir(), "none.sock"))
	start := time.Now()
	_, err := c.Request(context.Background(), 1, 2)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second, "a missing socket is not retried")
}

func TestRequestCanceled(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "d.sock")
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = testClient(socket).Request(ctx, 1, 2)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRequestDaemonHangsUp(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "d.sock")
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	_, err = testClient(socket).Request(context.Background(), 1, 2)
	assert.ErrorIs(t, err, ErrUnavailable)
}
