package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tumanvpn/tuman/internal/util"
)

// DefaultBaseURL is the notes endpoint of the document store.
const DefaultBaseURL = "https://cloud-api.yandex.ru/yadisk_web/v1"

// requestTimeout bounds a single HTTP attempt; retries are governed
// separately by the backoff budget.
const requestTimeout = 30 * time.Second

// NotesOptions configures a NotesStore.
type NotesOptions struct {
	BaseURL string        // store API root; DefaultBaseURL when empty
	Cookies []*http.Cookie
	Marker  byte          // direction marker written into slot titles
	Tag     string        // session tag written into slot titles
	Timeout time.Duration // total retry budget for Write/Clear
}

// NotesStore talks to the document store's notes API over a
// cookie-authenticated HTTP session. Each slot is one note; the note
// snippet carries the base64 payload and the title a direction marker
// plus session tag for operator visibility.
type NotesStore struct {
	client  *http.Client
	base    string
	title   string
	timeout time.Duration
}

var _ Storage = (*NotesStore)(nil)

// NewNotesStore builds a store client. The cookie session is assumed
// valid for the lifetime of the tunnel; expiry surfaces later as
// ErrTransport.
func NewNotesStore(opts NotesOptions) (*NotesStore, error) {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid store base URL %q: %w", base, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("init cookie jar: %w", err)
	}
	jar.SetCookies(u, opts.Cookies)

	return &NotesStore{
		client: &http.Client{
			Jar:     jar,
			Timeout: requestTimeout,
		},
		base:    base,
		title:   string(opts.Marker) + opts.Tag,
		timeout: opts.Timeout,
	}, nil
}

// noteDocument is the wire shape of one note.
type noteDocument struct {
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Revision int64  `json:"revision"`
}

// Write places a payload into a slot, retrying transient failures with
// exponential backoff until the configured timeout.
func (s *NotesStore) Write(ctx context.Context, slot string, payload []byte) error {
	doc := noteDocument{
		Title:   s.title,
		Snippet: base64.StdEncoding.EncodeToString(payload),
	}
	if err := s.patch(ctx, slot, doc); err != nil {
		return fmt.Errorf("%w: write slot %s: %v", ErrTransport, slot, err)
	}
	return nil
}

// Clear empties a slot so the peer's scheduler can reuse it.
func (s *NotesStore) Clear(ctx context.Context, slot string) error {
	if err := s.patch(ctx, slot, noteDocument{}); err != nil {
		return fmt.Errorf("%w: clear slot %s: %v", ErrTransport, slot, err)
	}
	return nil
}

// Read fetches a slot in a single attempt. The poller treats a failed
// read as "nothing new" and retries naturally on the next scan, so no
// backoff is applied here.
func (s *NotesStore) Read(ctx context.Context, slot string) (Record, error) {
	req, err := s.newRequest(ctx, http.MethodGet, slot, nil)
	if err != nil {
		return Record{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("%w: read slot %s: %v", ErrTransport, slot, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Record{}, fmt.Errorf("%w: read slot %s: HTTP %d", ErrTransport, slot, resp.StatusCode)
	}

	var doc noteDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&doc); err != nil {
		return Record{}, fmt.Errorf("%w: read slot %s: decode: %v", ErrTransport, slot, err)
	}

	rec := Record{Revision: doc.Revision}
	if doc.Snippet == "" {
		return rec, nil
	}

	rec.Payload, err = base64.StdEncoding.DecodeString(doc.Snippet)
	if err != nil {
		return Record{}, fmt.Errorf("%w: read slot %s: snippet is not base64: %v", ErrTransport, slot, err)
	}
	return rec, nil
}

// patch updates a note with backoff. 4xx responses are permanent (the
// session cookie died or the slot is gone); 5xx and network errors are
// retried until the budget runs out.
func (s *NotesStore) patch(ctx context.Context, slot string, doc noteDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	attempt := 0
	op := func() (struct{}, error) {
		attempt++

		req, err := s.newRequest(ctx, http.MethodPatch, slot, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			util.Debugf("slot %s: attempt %d failed: %v", slot, attempt, err)
			return struct{}{}, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			return struct{}{}, nil
		case resp.StatusCode >= 500:
			util.Debugf("slot %s: attempt %d: HTTP %d", slot, attempt, resp.StatusCode)
			return struct{}{}, fmt.Errorf("HTTP %d", resp.StatusCode)
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("HTTP %d", resp.StatusCode))
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.Multiplier = 2

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxElapsedTime(s.timeout),
	)
	return err
}

func (s *NotesStore) newRequest(ctx context.Context, method, slot string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s/notes/notes/%s", s.base, slot), body)
	if err != nil {
		return nil, err
	}

	// The store only honours requests that look like its own web client.
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Origin", "https://disk.yandex.ru")
	req.Header.Set("Referer", "https://disk.yandex.ru/")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
