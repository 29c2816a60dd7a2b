//go:build linux

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const maxGoroutines = 64

// AdminHandler serves /metrics, /live and /ready.
func (s *Server) AdminHandler() http.Handler {
	health := healthcheck.NewMetricsHandler(s.cfg.Registry, namespace)
	health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	health.AddReadinessCheck("listening", func() error {
		if !s.ready.Load() {
			return errors.New("not accepting connections")
		}
		return nil
	})
	health.AddReadinessCheck("share-dir", func() error {
		_, err := os.Stat(s.cfg.ShareDir)
		return err
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	return mux
}

// Run listens, serves clients and the admin endpoint, and handles signals
// until ctx is done or a terminating signal arrives: SIGHUP reaps idle
// entries, SIGINT and SIGTERM stop the daemon.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		s.cleanup()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return s.Serve(gctx)
	})
	g.Go(func() error {
		s.handleSignals(gctx)
		return nil
	})
	if s.cfg.AdminAddr != "" {
		g.Go(func() error {
			return s.serveAdmin(gctx)
		})
	}
	return g.Wait()
}

func (s *Server) handleSignals(ctx context.Context) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			log.Infof("received %v", sig)
			if sig == syscall.SIGHUP {
				s.Reap()
				continue
			}
			s.Stop()
			return
		}
	}
}

func (s *Server) serveAdmin(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.AdminAddr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.cfg.AdminAddr, err)
	}
	srv := &http.Server{
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Infof("admin endpoint on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
