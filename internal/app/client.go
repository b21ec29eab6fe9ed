package app

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/tumanvpn/tuman/internal/proxy"
	"github.com/tumanvpn/tuman/internal/util"
)

// RunClient runs the client role: a local SOCKS5/HTTP proxy whose
// connections ride the mailbox to the server. Blocks until the context
// ends or either the session or the proxy fails.
func RunClient(ctx context.Context, opts Options) error {
	sess, err := buildSession(ctx, opts)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", opts.Config.Settings.ProxyPort)
	srv := proxy.NewServer(addr, func(conn net.Conn, host string, port int) {
		sess.Open(conn, host, port)
	})

	util.StartStatsReporter(ctx)
	util.Infof("client role up, proxy on %s", addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(sess.Run)
	g.Go(func() error {
		defer sess.Close()
		return srv.Serve(gctx)
	})
	return g.Wait()
}
