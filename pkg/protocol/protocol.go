// Package protocol defines the three fixed-size messages exchanged between a
// client and the sharing daemon over one unix socket connection:
//
//	client -> daemon  ClientRequest     identity 8 byte | vaddr 8 byte
//	daemon -> client  DaemonResponse    need_to_prepare 4 byte | path 4096 byte
//	client -> daemon  ClientCompletion  succeeded 4 byte   (only if asked to prepare)
//
// Integers are in host byte order; both ends run on the same machine. The
// path is NUL terminated and NUL padded. Every message is read and written
// whole; a short read or write is a protocol failure.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// PathSize is the size of the path field of DaemonResponse.
const PathSize = 4096

const (
	RequestSize    = 16
	ResponseSize   = 4 + PathSize
	CompletionSize = 4
)

// DefaultSocket is where the daemon listens unless configured otherwise.
const DefaultSocket = "/tmp/hugeremap.sock"

var (
	ErrShort     = errors.New("protocol: short message")
	ErrMalformed = errors.New("protocol: malformed message")
	ErrPathLong  = errors.New("protocol: path does not fit the response")
)

var order = binary.NativeEndian

// Message is implemented by the three wire messages.
type Message interface {
	// Size is the encoded size in bytes.
	Size() int
	encode(b *bytebufferpool.ByteBuffer) error
	decode(b []byte) error
}

// ClientRequest asks for the backing file of one segment of one executable.
type ClientRequest struct {
	Identity uint64
	Vaddr    uint64
}

func (m *ClientRequest) Size() int { return RequestSize }

func (m *ClientRequest) encode(b *bytebufferpool.ByteBuffer) error {
	b.B = order.AppendUint64(b.B, m.Identity)
	b.B = order.AppendUint64(b.B, m.Vaddr)
	return nil
}

func (m *ClientRequest) decode(b []byte) error {
	m.Identity = order.Uint64(b[0:])
	m.Vaddr = order.Uint64(b[8:])
	return nil
}

// DaemonResponse names the backing file. NeedToPrepare is 1 when the client
// is the single preparer of a new file and 0 when the file is ready.
type DaemonResponse struct {
	NeedToPrepare int32
	Path          string
}

func (m *DaemonResponse) Size() int { return ResponseSize }

func (m *DaemonResponse) encode(b *bytebufferpool.ByteBuffer) error {
	if len(m.Path) >= PathSize {
		return fmt.Errorf("%w: %d bytes", ErrPathLong, len(m.Path))
	}
	if m.NeedToPrepare != 0 && m.NeedToPrepare != 1 {
		return fmt.Errorf("%w: need_to_prepare=%d", ErrMalformed, m.NeedToPrepare)
	}
	b.B = order.AppendUint32(b.B, uint32(m.NeedToPrepare))
	b.B = append(b.B, m.Path...)
	b.B = append(b.B, make([]byte, PathSize-len(m.Path))...)
	return nil
}

func (m *DaemonResponse) decode(b []byte) error {
	need := int32(order.Uint32(b[0:]))
	if need != 0 && need != 1 {
		return fmt.Errorf("%w: need_to_prepare=%d", ErrMalformed, need)
	}
	path := b[4:]
	end := bytes.IndexByte(path, 0)
	if end <= 0 {
		return fmt.Errorf("%w: path is empty or unterminated", ErrMalformed)
	}
	m.NeedToPrepare = need
	m.Path = string(path[:end])
	return nil
}

// ClientCompletion reports the outcome of local preparation. Succeeded is 0
// on success, matching a process exit status.
type ClientCompletion struct {
	Succeeded int32
}

// Completion returns the completion message for the outcome err.
func Completion(err error) ClientCompletion {
	if err != nil {
		return ClientCompletion{Succeeded: 1}
	}
	return ClientCompletion{}
}

// OK reports whether the client prepared the file successfully.
func (m ClientCompletion) OK() bool { return m.Succeeded == 0 }

func (m *ClientCompletion) Size() int { return CompletionSize }

func (m *ClientCompletion) encode(b *bytebufferpool.ByteBuffer) error {
	b.B = order.AppendUint32(b.B, uint32(m.Succeeded))
	return nil
}

func (m *ClientCompletion) decode(b []byte) error {
	m.Succeeded = int32(order.Uint32(b))
	return nil
}

// Write encodes m and writes it in one call.
func Write(w io.Writer, m Message) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := m.encode(buf); err != nil {
		return err
	}
	n, err := w.Write(buf.B)
	if err != nil {
		return fmt.Errorf("write %d byte message: %w", m.Size(), err)
	}
	if n != m.Size() {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShort, n, m.Size())
	}
	return nil
}

// Read reads exactly m.Size() bytes and decodes them into m.
func Read(r io.Reader, m Message) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	size := m.Size()
	if cap(buf.B) < size {
		buf.B = make([]byte, size)
	}
	buf.B = buf.B[:size]
	n, err := io.ReadFull(r, buf.B)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: read %d of %d bytes", ErrShort, n, size)
		}
		return fmt.Errorf("read %d byte message: %w", size, err)
	}
	return m.decode(buf.B)
}
