// Package api defines the contracts between the remap pipeline and the
// collaborators it can be given in place of the defaults.
package api

import (
	"context"

	"github.com/srediag/hugeremap/pkg/share"
)

// Sharer hands out shared backing files for one segment of one executable.
// share.Client talks to the sharing daemon; tests and embedders may supply
// their own.
type Sharer interface {
	Request(ctx context.Context, identity, vaddr uint64) (*share.Lease, error)
}
