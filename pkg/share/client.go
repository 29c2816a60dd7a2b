// Package share is the client side of the segment sharing protocol. A
// client asks the daemon for the backing file of one (executable, segment)
// pair and either reuses a file another process already prepared or becomes
// the single preparer of a new one.
package share

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/hugeremap/internal/debug"
	"github.com/srediag/hugeremap/pkg/protocol"
)

const (
	DefaultTimeout      = 60 * time.Second
	DefaultDialRetries  = 3
	DefaultDialInterval = 50 * time.Millisecond
)

var (
	ErrUnavailable = errors.New("share: daemon unavailable")
	ErrCompleted   = errors.New("share: lease already completed")
)

var log = debug.New("share", nil)

// Client talks to one daemon socket. The zero value is not usable; use
// NewClient.
type Client struct {
	Socket string
	// Timeout bounds every read and write on the connection.
	Timeout      time.Duration
	DialRetries  uint64
	DialInterval time.Duration
}

func NewClient(socket string) *Client {
	if socket == "" {
		socket = protocol.DefaultSocket
	}
	return &Client{
		Socket:       socket,
		Timeout:      DefaultTimeout,
		DialRetries:  DefaultDialRetries,
		DialInterval: DefaultDialInterval,
	}
}

// Lease is the daemon's answer for one segment. When NeedToPrepare is set
// the caller is the only process allowed to write File, and must call
// Complete once the segment is prepared and remapped, or has failed.
type Lease struct {
	Path          string
	NeedToPrepare bool
	File          *os.File

	conn    net.Conn
	timeout time.Duration
}

// Request asks the daemon for the backing file of (identity, vaddr). Any
// failure is reported as ErrUnavailable; callers fall back to a private
// file.
func (c *Client) Request(ctx context.Context, identity, vaddr uint64) (*Lease, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	lease, err := c.exchange(conn, identity, vaddr)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	log.Debugf("lease %s for %016x/%#x need_to_prepare=%v", lease.Path, identity, vaddr, lease.NeedToPrepare)
	return lease, nil
}

func (c *Client) exchange(conn net.Conn, identity, vaddr uint64) (*Lease, error) {
	if err := conn.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
		return nil, err
	}
	if err := protocol.Write(conn, &protocol.ClientRequest{Identity: identity, Vaddr: vaddr}); err != nil {
		return nil, err
	}
	var resp protocol.DaemonResponse
	if err := protocol.Read(conn, &resp); err != nil {
		return nil, err
	}

	lease := &Lease{Path: resp.Path, NeedToPrepare: resp.NeedToPrepare == 1, timeout: c.Timeout}
	flag := os.O_RDONLY
	if lease.NeedToPrepare {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(resp.Path, flag, 0)
	if err != nil {
		if lease.NeedToPrepare {
			// Tell the daemon to drop the tentative entry.
			fail := protocol.Completion(err)
			_ = protocol.Write(conn, &fail)
		}
		return nil, fmt.Errorf("open shared file: %w", err)
	}
	lease.File = f

	if lease.NeedToPrepare {
		lease.conn = conn
	} else {
		_ = conn.Close()
	}
	return lease, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	op := func() error {
		var d net.Dialer
		dctx, cancel := context.WithTimeout(ctx, c.Timeout)
		defer cancel()
		cn, err := d.DialContext(dctx, "unix", c.Socket)
		if err != nil {
			// A missing socket means no daemon; waiting will not help.
			if errors.Is(err, syscall.ENOENT) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = cn
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.DialInterval), c.DialRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return conn, nil
}

// Complete reports the outcome of preparation to the daemon and releases
// the connection. The backing file stays open. It is a no-op for leases
// that did not need preparing.
func (l *Lease) Complete(prepErr error) error {
	if !l.NeedToPrepare {
		return nil
	}
	if l.conn == nil {
		return ErrCompleted
	}
	conn := l.conn
	l.conn = nil
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(l.timeout)); err != nil {
		return err
	}
	c := protocol.Completion(prepErr)
	if err := protocol.Write(conn, &c); err != nil {
		return fmt.Errorf("send completion: %w", err)
	}
	return nil
}

// Close releases the lease and its file. An outstanding preparation is
// reported as failed.
func (l *Lease) Close() error {
	var err error
	if l.conn != nil {
		err = l.Complete(errors.New("lease closed"))
	}
	if l.File != nil {
		if cerr := l.File.Close(); err == nil {
			err = cerr
		}
		l.File = nil
	}
	return err
}
