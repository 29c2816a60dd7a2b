//go:build linux

// Package daemon implements hugetlbd, the sharing daemon. It matches
// identical (executable, segment) requests from many processes to one
// prepared huge page file, hands each new file to exactly one preparer, and
// unlinks files that go unused.
//
// The daemon serves one connection at a time from a single goroutine, so
// the registry needs no locking and at most one client can be preparing a
// given file. Every read and write on a client connection has its own
// deadline; a stalled client costs its own connection and nothing else.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sys/unix"

	"github.com/srediag/hugeremap/internal/hugetlbfs"
	"github.com/srediag/hugeremap/pkg/protocol"
)

var (
	// ErrListen is fatal: the daemon cannot take connections.
	ErrListen = errors.New("daemon: cannot listen")
	// ErrRunning means another daemon answers on the socket.
	ErrRunning = errors.New("daemon: another daemon is listening")
	// ErrStaleFile means a leftover file holds the name of a new entry and
	// could not be removed within the retry budget.
	ErrStaleFile = errors.New("daemon: stale shared file could not be replaced")
	ErrStopped   = errors.New("daemon: stopped")
)

type command int

const (
	cmdReap command = iota
	cmdStop
)

// Preparation describes a file handed to a client that has not confirmed
// it yet.
type Preparation struct {
	Key
	Started time.Time
}

// Server is the sharing daemon.
type Server struct {
	cfg      Config
	ln       *net.UnixListener
	registry *registry
	// pending is read by the metrics and admin handlers while the serve
	// loop writes it.
	pending   cmap.ConcurrentMap[string, Preparation]
	published cmap.ConcurrentMap[string, Key]
	cmds      *queue.RingBuffer
	metrics   *metrics
	ready     atomic.Bool
	stopped   atomic.Bool
}

// New validates cfg and builds a server. Call Listen, then Serve.
func New(cfg Config) (*Server, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		pending:   cmap.New[Preparation](),
		published: cmap.New[Key](),
		cmds:      queue.NewRingBuffer(16),
	}
	s.metrics = newMetrics(cfg.Registry, func() float64 { return float64(s.pending.Count()) })
	reg, err := newRegistry(cfg.MaxEntries, func(e *Entry, reason string) {
		log.Infof("removed %s (%s)", e.Path, reason)
		s.published.Remove(e.Path)
		s.metrics.removed.WithLabelValues(reason).Inc()
	})
	if err != nil {
		return nil, err
	}
	s.registry = reg
	return s, nil
}

// Config returns the effective configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Listen creates the share directory and binds the socket. A stale socket
// left by a dead daemon is replaced; a live one is an error.
func (s *Server) Listen() error {
	if err := os.MkdirAll(s.cfg.ShareDir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrListen, s.cfg.ShareDir, err)
	}
	if conn, err := net.DialTimeout("unix", s.cfg.Socket, time.Second); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrRunning, s.cfg.Socket)
	}
	if err := os.Remove(s.cfg.Socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove stale socket: %v", ErrListen, err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.cfg.Socket, Net: "unix"})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListen, err)
	}
	ln.SetUnlinkOnClose(true)
	if err := os.Chmod(s.cfg.Socket, 0o666); err != nil {
		_ = ln.Close()
		return fmt.Errorf("%w: chmod socket: %v", ErrListen, err)
	}
	s.ln = ln
	s.ready.Store(true)
	log.Infof("listening on %s, sharing from %s", s.cfg.Socket, s.cfg.ShareDir)
	return nil
}

// Reap asks the serve loop to remove idle entries.
func (s *Server) Reap() {
	s.send(cmdReap)
}

// Stop asks the serve loop to unlink every shared file and return.
func (s *Server) Stop() {
	s.send(cmdStop)
}

func (s *Server) send(c command) {
	if s.stopped.Load() {
		return
	}
	if _, err := s.cmds.Offer(c); err != nil {
		return
	}
	// Wake a blocked Accept.
	if s.ln != nil {
		_ = s.ln.SetDeadline(time.Now())
	}
}

// Serve runs the accept loop until Stop is called, ctx is done, or the
// listener fails. Every shared file is unlinked before it returns.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			s.cleanup()
			return err
		}
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()

	for {
		if stop := s.drain(); stop {
			s.cleanup()
			return nil
		}
		if err := s.ln.SetDeadline(time.Now().Add(s.cfg.PollTimeout)); err != nil {
			s.cleanup()
			return fmt.Errorf("%w: %v", ErrListen, err)
		}
		if s.cmds.Len() > 0 {
			continue
		}

		conn, err := s.ln.AcceptUnix()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if s.cmds.Len() == 0 {
					log.Debugf("idle for %v", s.cfg.PollTimeout)
					s.reap()
				}
				continue
			}
			s.cleanup()
			if errors.Is(err, net.ErrClosed) {
				return ErrStopped
			}
			return fmt.Errorf("%w: accept: %v", ErrListen, err)
		}
		s.handle(conn)
	}
}

// drain runs queued commands and reports whether the loop must stop.
func (s *Server) drain() bool {
	for s.cmds.Len() > 0 {
		item, err := s.cmds.Poll(time.Millisecond)
		if err != nil {
			return false
		}
		switch item.(command) {
		case cmdReap:
			s.reap()
		case cmdStop:
			return true
		}
	}
	return false
}

func (s *Server) reap() {
	if n := s.registry.reap(time.Now().Add(-s.cfg.ShareTimeout)); n > 0 {
		log.Infof("reaped %d idle entries", n)
	}
	s.metrics.entries.Set(float64(s.registry.len()))
}

func (s *Server) cleanup() {
	s.stopped.Store(true)
	s.ready.Store(false)
	s.registry.purge()
	for path := range s.pending.Items() {
		_ = os.Remove(path)
		s.pending.Remove(path)
	}
	s.metrics.entries.Set(0)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.cmds.Dispose()
	log.Infof("stopped")
}

// Published maps the path of every published shared file to its key. It
// is safe to call while Serve runs.
func (s *Server) Published() map[string]Key {
	return s.published.Items()
}

// Preparing lists files currently handed to a preparer. It is safe to call
// while Serve runs.
func (s *Server) Preparing() map[string]Preparation {
	return s.pending.Items()
}

func (s *Server) handle(conn *net.UnixConn) {
	defer conn.Close()

	var req protocol.ClientRequest
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout)); err != nil {
		return
	}
	if err := protocol.Read(conn, &req); err != nil {
		log.Warnf("read request: %v", err)
		s.metrics.requests.WithLabelValues("error").Inc()
		return
	}
	k := Key{Identity: req.Identity, Vaddr: req.Vaddr}

	if e, ok := s.registry.lookup(k, time.Now()); ok {
		if _, err := os.Stat(e.Path); err == nil {
			s.metrics.requests.WithLabelValues("hit").Inc()
			if err := s.respond(conn, 0, e.Path); err != nil {
				log.Warnf("respond %s: %v", e.Path, err)
			}
			return
		}
		log.Warnf("shared file %s vanished", e.Path)
		s.registry.remove(k, "vanished")
	}

	s.metrics.requests.WithLabelValues("miss").Inc()
	s.prepare(conn, k)
	s.metrics.entries.Set(float64(s.registry.len()))
}

func (s *Server) respond(conn *net.UnixConn, need int32, path string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.ResponseTimeout)); err != nil {
		return err
	}
	return protocol.Write(conn, &protocol.DaemonResponse{NeedToPrepare: need, Path: path})
}

// prepare hands a new file to the client and publishes it once the client
// confirms. The file is writable only between the response and the
// completion, and read-only once published.
func (s *Server) prepare(conn *net.UnixConn, k Key) {
	path, err := s.create(k)
	if err != nil {
		log.Errorf("create shared file for %016x/%#x: %v", k.Identity, k.Vaddr, err)
		s.metrics.discarded.WithLabelValues("create").Inc()
		return
	}
	s.pending.Set(path, Preparation{Key: k, Started: time.Now()})
	defer s.pending.Remove(path)

	discard := func(reason string, err error) {
		log.Warnf("discard %s: %s: %v", path, reason, err)
		_ = os.Remove(path)
		s.metrics.discarded.WithLabelValues(reason).Inc()
	}

	if err := os.Chmod(path, 0o666); err != nil {
		discard("chmod", err)
		return
	}
	if err := s.respond(conn, 1, path); err != nil {
		discard("response", err)
		return
	}

	var done protocol.ClientCompletion
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.CompletionTimeout)); err != nil {
		discard("completion", err)
		return
	}
	if err := protocol.Read(conn, &done); err != nil {
		discard("completion", err)
		return
	}
	if !done.OK() {
		discard("failed", fmt.Errorf("client reported %d", done.Succeeded))
		return
	}
	if err := os.Chmod(path, 0o444); err != nil {
		discard("chmod", err)
		return
	}

	s.registry.publish(&Entry{Key: k, Path: path, LastUsed: time.Now()})
	s.published.Set(path, k)
	s.metrics.prepared.Inc()
	log.Infof("published %s", path)
}

// create makes the file for a new entry, mode 000 until a preparer is
// chosen. A file already holding the name belongs to no entry and is
// removed; the attempt is retried a bounded number of times.
func (s *Server) create(k Key) (string, error) {
	path := filepath.Join(s.cfg.ShareDir, hugetlbfs.SharedFileName(k.Identity, k.Vaddr))
	op := func() error {
		fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			return unix.Close(fd)
		}
		if !errors.Is(err, unix.EEXIST) {
			return backoff.Permanent(err)
		}
		log.Warnf("removing stale %s", path)
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return fmt.Errorf("%w: %v", ErrStaleFile, rerr)
		}
		return ErrStaleFile
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.CreateInterval), s.cfg.CreateRetries)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, ErrStaleFile) {
			return "", err
		}
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	return path, nil
}
