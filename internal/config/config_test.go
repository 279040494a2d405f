package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "config.json"))
	require.NoError(t, err)

	require.Equal(t, filepath.Join(dir, "identity.key"), cfg.Identity.KeyFile)
	require.Equal(t, "duocall", cfg.P2P.MdnsTag)
	require.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Call.STUNServers)
	require.Equal(t, 30*time.Second, cfg.InviteTimeout())
	require.Equal(t, 5*time.Second, cfg.DisconnectedGrace())
	require.Equal(t, "127.0.0.1:8970", cfg.API.Bind)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"p2p": {"listen_port": 4411, "bootstrap": ["/ip4/10.0.0.7/tcp/4001"]},
		"call": {"invite_timeout_sec": 10, "disconnected_grace_sec": 2},
		"api": {"bind": "127.0.0.1:9001"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4411, cfg.P2P.ListenPort)
	require.Equal(t, 10*time.Second, cfg.InviteTimeout())
	require.Equal(t, 2*time.Second, cfg.DisconnectedGrace())
	require.Equal(t, "127.0.0.1:9001", cfg.API.Bind)
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"bad port":      `{"p2p": {"listen_port": 70000}}`,
		"bad timeout":   `{"call": {"invite_timeout_sec": -1}}`,
		"bad bootstrap": `{"p2p": {"bootstrap": ["not-a-multiaddr"]}}`,
		"bad json":      `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}
