package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testBundle(t *testing.T) *Bundle {
	t.Helper()

	cfg, err := Parse([]byte(`{
		"mode": "client",
		"storage": {"cookies_path": "cookies.txt", "encryption_key": "secret"}
	}`))
	require.NoError(t, err)

	pool, err := ParsePool([]byte(`{
		"client_pool": ["note-a", "note-b"],
		"server_pool": ["note-c", "note-d"]
	}`))
	require.NoError(t, err)

	return &Bundle{
		Cookies: []byte(".yandex.ru\tTRUE\t/\tTRUE\t2000000000\tSession_id\tabc123\n"),
		Config:  cfg,
		Pool:    pool,
	}
}

func TestBundleRoundTrip(t *testing.T) {
	b := testBundle(t)

	s, err := EncodeBundle(b)
	require.NoError(t, err)
	require.True(t, len(s) > len("tuman://"))
	require.Equal(t, "tuman://", s[:8])

	back, err := DecodeBundle(s)
	require.NoError(t, err)
	require.Equal(t, b.Cookies, back.Cookies)
	require.Equal(t, b.Config.Mode, back.Config.Mode)
	require.Equal(t, b.Config.Storage, back.Config.Storage)
	require.Equal(t, b.Pool.ClientPool, back.Pool.ClientPool)
	require.Equal(t, b.Pool.ServerPool, back.Pool.ServerPool)
}

func TestDecodeBundleTrimsWhitespace(t *testing.T) {
	s, err := EncodeBundle(testBundle(t))
	require.NoError(t, err)

	_, err = DecodeBundle("  " + s + "\n")
	require.NoError(t, err)
}

func TestDecodeBundleRejectsGarbage(t *testing.T) {
	cases := map[string]string{
		"wrong scheme": "vpn://abcdef",
		"bad base64":   "tuman://!!!not-base64!!!",
		"no markers":   "tuman://aGVsbG8gd29ybGQ=",
	}
	for name, s := range cases {
		_, err := DecodeBundle(s)
		require.ErrorIs(t, err, ErrFormat, name)
	}
}

func TestParsePoolValidation(t *testing.T) {
	cases := map[string]string{
		"empty client pool": `{"client_pool":[],"server_pool":["a"]}`,
		"empty server pool": `{"client_pool":["a"],"server_pool":[]}`,
		"duplicate in pool": `{"client_pool":["a","a"],"server_pool":["b"]}`,
		"overlapping pools": `{"client_pool":["a"],"server_pool":["a"]}`,
		"empty slot id":     `{"client_pool":[""],"server_pool":["b"]}`,
	}
	for name, doc := range cases {
		_, err := ParsePool([]byte(doc))
		require.ErrorIs(t, err, ErrFormat, name)
	}
}

func TestPoolSlotSelection(t *testing.T) {
	p, err := ParsePool([]byte(`{"client_pool":["a","b"],"server_pool":["c"]}`))
	require.NoError(t, err)

	require.Equal(t, []string{"a", "b"}, p.WriteSlots(ModeClient))
	require.Equal(t, []string{"c"}, p.ReadSlots(ModeClient))
	require.Equal(t, []string{"c"}, p.WriteSlots(ModeServer))
	require.Equal(t, []string{"a", "b"}, p.ReadSlots(ModeServer))
}
