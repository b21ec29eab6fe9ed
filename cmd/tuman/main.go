// Tuman — CLI entry point.
//
// This tool relays proxied TCP traffic between a client and a server
// through a third-party document store: neither endpoint ever opens a
// connection toward the other. The client side exposes a local
// SOCKS5/HTTP proxy; the server side dials the requested destinations.
//
// It is configured either from files (-config, -pool, cookie path in
// the config) or from a single tuman:// connection string (-bundle,
// inline or @file).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/tumanvpn/tuman/internal/app"
	"github.com/tumanvpn/tuman/internal/config"
	"github.com/tumanvpn/tuman/internal/observability"
	"github.com/tumanvpn/tuman/internal/store"
	"github.com/tumanvpn/tuman/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to the JSON config file")
	poolPath := flag.String("pool", "", "Path to the JSON slot pool document")
	bundleFlag := flag.String("bundle", "", "tuman:// connection string, or @file containing one")
	modeFlag := flag.String("mode", "", "Override role: client or server")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9090)")
	encodeFlag := flag.Bool("encode", false, "Print the tuman:// bundle for -config/-pool and exit")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Tuman — v%s", version))
	pterm.Println()

	opts, err := loadOptions(*configPath, *poolPath, *bundleFlag, *modeFlag)
	if err != nil {
		util.Errorf("%v", err)
		os.Exit(1)
	}

	if *encodeFlag {
		if err := printBundle(opts); err != nil {
			util.Errorf("%v", err)
			os.Exit(1)
		}
		return
	}

	if *metricsAddr != "" {
		observability.MustRegister()
		go func() {
			if err := observability.Serve(*metricsAddr); err != nil {
				util.Errorf("metrics server: %v", err)
			}
		}()
	}

	switch opts.Config.Mode {
	case config.ModeClient:
		err = app.RunClient(ctx, opts)
	case config.ModeServer:
		err = app.RunServer(ctx, opts)
	}
	if err != nil && ctx.Err() == nil {
		util.Errorf("tunnel failed: %v", err)
		os.Exit(1)
	}

	util.Infof("tunnel closed")
}

// loadOptions resolves configuration from either a bundle or the
// config/pool file pair. The -mode flag wins over the config.
func loadOptions(configPath, poolPath, bundleFlag, modeFlag string) (app.Options, error) {
	var opts app.Options

	switch {
	case bundleFlag != "":
		raw := bundleFlag
		if rest, ok := strings.CutPrefix(raw, "@"); ok {
			data, err := os.ReadFile(rest)
			if err != nil {
				return opts, fmt.Errorf("read bundle file: %w", err)
			}
			raw = strings.TrimSpace(string(data))
		}
		b, err := config.DecodeBundle(raw)
		if err != nil {
			return opts, err
		}
		cookies, err := store.ParseCookies(strings.NewReader(string(b.Cookies)))
		if err != nil {
			return opts, err
		}
		opts.Config = b.Config
		opts.Pool = b.Pool
		opts.Cookies = cookies

	case configPath != "" && poolPath != "":
		cfg, err := config.Load(configPath)
		if err != nil {
			return opts, err
		}
		pl, err := config.LoadPool(poolPath)
		if err != nil {
			return opts, err
		}
		opts.Config = cfg
		opts.Pool = pl

	default:
		return opts, fmt.Errorf("either -bundle or both -config and -pool are required")
	}

	switch modeFlag {
	case "":
	case "client":
		opts.Config.Mode = config.ModeClient
	case "server":
		opts.Config.Mode = config.ModeServer
	default:
		return opts, fmt.Errorf("invalid -mode: must be 'client' or 'server'")
	}
	return opts, nil
}

// printBundle emits the connection string for the loaded config, pool
// and cookie file, for handing to the other side out-of-band.
func printBundle(opts app.Options) error {
	cookies, err := os.ReadFile(opts.Config.Storage.CookiesPath)
	if err != nil {
		return fmt.Errorf("read cookie file: %w", err)
	}
	s, err := config.EncodeBundle(&config.Bundle{
		Cookies: cookies,
		Config:  opts.Config,
		Pool:    opts.Pool,
	})
	if err != nil {
		return err
	}
	fmt.Println(s)
	return nil
}
