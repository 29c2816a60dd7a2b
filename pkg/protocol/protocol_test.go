package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }

func TestExchangeOverSocket(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		var req ClientRequest
		if err := Read(server, &req); err != nil {
			done <- err
			return
		}
		resp := DaemonResponse{NeedToPrepare: 1, Path: "/mnt/huge/seg"}
		if req.Identity != 0x1122334455667788 || req.Vaddr != 0x400000 {
			resp.NeedToPrepare = 0
		}
		if err := Write(server, &resp); err != nil {
			done <- err
			return
		}
		var c ClientCompletion
		if err := Read(server, &c); err != nil {
			done <- err
			return
		}
		if !c.OK() {
			done <- errors.New("completion not ok")
			return
		}
		done <- nil
	}()

	require.NoError(t, Write(client, &ClientRequest{Identity: 0x1122334455667788, Vaddr: 0x400000}))
	var resp DaemonResponse
	require.NoError(t, Read(client, &resp))
	assert.Equal(t, DaemonResponse{NeedToPrepare: 1, Path: "/mnt/huge/seg"}, resp)
	c := Completion(nil)
	require.NoError(t, Write(client, &c))
	require.NoError(t, <-done)
}

func TestEncodedSizes(t *testing.T) {
	for _, m := range []Message{
		&ClientRequest{Identity: 1, Vaddr: 2},
		&DaemonResponse{Path: "x"},
		&ClientCompletion{Succeeded: 1},
	} {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, m))
		assert.Equal(t, m.Size(), buf.Len())
	}
}

func TestShortRead(t *testing.T) {
	var req ClientRequest
	err := Read(bytes.NewReader(make([]byte, RequestSize-1)), &req)
	assert.ErrorIs(t, err, ErrShort)

	err = Read(bytes.NewReader(nil), &req)
	assert.ErrorIs(t, err, ErrShort)
}

func TestShortWrite(t *testing.T) {
	err := Write(shortWriter{}, &ClientRequest{})
	assert.ErrorIs(t, err, ErrShort)
}

func TestReadError(t *testing.T) {
	r, w := io.Pipe()
	_ = w.CloseWithError(errors.New("boom"))
	var c ClientCompletion
	err := Read(r, &c)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrShort)
}

func TestResponseValidation(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, &DaemonResponse{Path: strings.Repeat("a", PathSize)})
	assert.ErrorIs(t, err, ErrPathLong)
	err = Write(&buf, &DaemonResponse{NeedToPrepare: 2, Path: "p"})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Zero(t, buf.Len())

	// Longest path that still leaves room for the terminator.
	require.NoError(t, Write(&buf, &DaemonResponse{Path: strings.Repeat("a", PathSize-1)}))
	var resp DaemonResponse
	require.NoError(t, Read(&buf, &resp))
	assert.Len(t, resp.Path, PathSize-1)

	raw := make([]byte, ResponseSize)
	err = Read(bytes.NewReader(raw), &resp)
	assert.ErrorIs(t, err, ErrMalformed, "empty path")

	for i := range raw {
		raw[i] = 'a'
	}
	order.PutUint32(raw, 1)
	err = Read(bytes.NewReader(raw), &resp)
	assert.ErrorIs(t, err, ErrMalformed, "unterminated path")

	order.PutUint32(raw, 7)
	raw[10] = 0
	err = Read(bytes.NewReader(raw), &resp)
	assert.ErrorIs(t, err, ErrMalformed, "bad verdict")
}

func TestCompletion(t *testing.T) {
	assert.True(t, Completion(nil).OK())
	assert.False(t, Completion(errors.New("copy failed")).OK())
	assert.False(t, ClientCompletion{Succeeded: -1}.OK())
}
