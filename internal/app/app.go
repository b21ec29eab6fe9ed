// Package app wires configuration, store, session and proxy into the
// two runnable roles of the tunnel.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/tumanvpn/tuman/internal/config"
	"github.com/tumanvpn/tuman/internal/protocol"
	"github.com/tumanvpn/tuman/internal/store"
	"github.com/tumanvpn/tuman/internal/tunnel"
)

// Options carries everything a role needs to run. Cookies take
// precedence over the cookie path in the config, which lets a bundle
// run without touching the filesystem.
type Options struct {
	Config  *config.Config
	Pool    *config.Pool
	Cookies []*http.Cookie

	// StoreBaseURL overrides the document store endpoint. Empty means
	// the production endpoint.
	StoreBaseURL string

	// Dial overrides outbound dialing on the server role. Nil means
	// plain TCP.
	Dial tunnel.DialFunc
}

// buildSession assembles the shared plumbing of both roles: cipher,
// store client and multiplexer session.
func buildSession(ctx context.Context, opts Options) (*tunnel.Session, error) {
	cfg := opts.Config

	cookies := opts.Cookies
	if cookies == nil {
		var err error
		cookies, err = store.LoadCookies(cfg.Storage.CookiesPath)
		if err != nil {
			return nil, err
		}
	}

	codec, err := protocol.NewCodec(cfg.Storage.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	marker := byte(protocol.ClientToServer)
	if cfg.Mode == config.ModeServer {
		marker = byte(protocol.ServerToClient)
	}

	notes, err := store.NewNotesStore(store.NotesOptions{
		BaseURL: opts.StoreBaseURL,
		Cookies: cookies,
		Marker:  marker,
		Tag:     uuid.NewString()[:8],
		Timeout: cfg.Settings.Timeout.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	return tunnel.NewSession(ctx, cfg, opts.Pool, codec, notes, opts.Dial), nil
}
