package app

import (
	"context"

	"github.com/tumanvpn/tuman/internal/util"
)

// RunServer runs the server role: it polls the client pool for frames,
// dials the requested destinations and relays responses back. Blocks
// until the context ends.
func RunServer(ctx context.Context, opts Options) error {
	sess, err := buildSession(ctx, opts)
	if err != nil {
		return err
	}

	util.StartStatsReporter(ctx)
	util.Infof("server role up, polling for streams")

	return sess.Run()
}
