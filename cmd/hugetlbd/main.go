//go:build linux

// Command hugetlbd is the sharing daemon. Processes running the same
// executable ask it for the huge page file of each read-only segment; the
// first one prepares the file and later ones map it as is.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/srediag/hugeremap/internal/debug"
	"github.com/srediag/hugeremap/internal/hugetlbfs"
	"github.com/srediag/hugeremap/pkg/daemon"
	"github.com/srediag/hugeremap/pkg/protocol"
	"github.com/srediag/hugeremap/pkg/remap"
)

type options struct {
	cfg     daemon.Config
	mount   string
	verbose int
}

func newDaemonCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "hugetlbd [OPTIONS]",
		Short:         "Share prepared huge page segment files between processes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.cfg.Socket, "socket", "s", envOr(remap.EnvShareSocket, protocol.DefaultSocket), "Unix socket clients connect to")
	flags.StringVar(&opts.cfg.ShareDir, "share-dir", os.Getenv(remap.EnvSharePath), "Directory for shared files (default: a per-user directory on the hugetlbfs mount)")
	flags.StringVar(&opts.mount, "mount", os.Getenv(remap.EnvPath), "Hugetlbfs mount to put the share directory on (default: first mount found)")
	flags.DurationVar(&opts.cfg.PollTimeout, "poll-timeout", daemon.DefaultPollTimeout, "Reap idle entries after this long without a connection")
	flags.DurationVar(&opts.cfg.ShareTimeout, "share-timeout", daemon.DefaultShareTimeout, "Remove shared files unused for this long")
	flags.DurationVar(&opts.cfg.RequestTimeout, "request-timeout", daemon.DefaultRequestTimeout, "Time allowed for a client to send its request")
	flags.DurationVar(&opts.cfg.CompletionTimeout, "completion-timeout", daemon.DefaultCompletionTimeout, "Time allowed for a preparer to report back")
	flags.IntVar(&opts.cfg.MaxEntries, "max-entries", daemon.DefaultMaxEntries, "Maximum number of shared files kept")
	flags.StringVar(&opts.cfg.AdminAddr, "admin-addr", "", "Serve /metrics, /live and /ready on this address")
	flags.CountVarP(&opts.verbose, "verbose", "v", "Log more; repeat for more detail")

	return cmd
}

func runDaemon(ctx context.Context, opts options) error {
	if opts.verbose > 0 {
		debug.SetLevel(max(debug.LevelError-opts.verbose, debug.LevelTrace))
	}
	cfg := opts.cfg
	cfg.ResponseTimeout = cfg.RequestTimeout
	if cfg.ShareDir == "" {
		mnt, err := hugetlbfs.FindMount(opts.mount)
		if err != nil {
			return fmt.Errorf("no share directory given: %w", err)
		}
		cfg.ShareDir = hugetlbfs.ShareDir(mnt)
	}

	srv, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := newDaemonCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "hugetlbd: %v\n", err)
		os.Exit(1)
	}
}
