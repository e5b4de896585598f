package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	pion "github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME at an empty directory so no real ~/.duocall.yaml leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("LOG_LEVEL", "")
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })
	return home
}

func flagSet(t *testing.T, v *viper.Viper, args ...string) {
	t.Helper()
	fs := pflag.NewFlagSet("duocall", pflag.ContinueOnError)
	fs.String(KeySignalURL, "", "")
	fs.String(KeySTUN, "", "")
	fs.Bool(KeyNoReconnect, false, "")
	fs.StringSlice(KeyTransports, nil, "")
	require.NoError(t, v.BindPFlags(fs))
	require.NoError(t, fs.Parse(args))
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	v := viper.New()
	flagSet(t, v)

	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, DefaultSignalURL, cfg.SignalURL)
	assert.Equal(t, []string{"websocket", "polling"}, cfg.Transports)
	assert.Equal(t, 10*time.Second, cfg.RelayTimeout)
	assert.True(t, cfg.Reconnect)
	assert.Equal(t, pion.ICETransportPolicyAll, cfg.ICETransportPolicy())
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{DefaultSTUN}, cfg.ICEServers[0].URLs)
	assert.False(t, cfg.HasVideo())
	assert.False(t, cfg.HasAudio())
	assert.Equal(t, DefaultLogFile, cfg.LogFile)
	assert.Equal(t, "error", cfg.LogLevel)
}

func TestLoadLogLevelFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadPrecedence(t *testing.T) {
	home := isolate(t)
	yaml := "signal-url: http://file.example:1\nstun: stun:file.example:3478\nrelay-timeout: 3s\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, ".duocall.yaml"), []byte(yaml), 0o600))

	t.Run("file over defaults", func(t *testing.T) {
		v := viper.New()
		flagSet(t, v)
		cfg, err := Load(v, "")
		require.NoError(t, err)
		assert.Equal(t, "http://file.example:1", cfg.SignalURL)
		assert.Equal(t, 3*time.Second, cfg.RelayTimeout)
		assert.Equal(t, []string{"stun:file.example:3478"}, cfg.ICEServers[0].URLs)
	})

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("DUOCALL_SIGNAL_URL", "http://env.example:2")
		t.Setenv("DUOCALL_TRANSPORTS", "polling")
		v := viper.New()
		flagSet(t, v)
		cfg, err := Load(v, "")
		require.NoError(t, err)
		assert.Equal(t, "http://env.example:2", cfg.SignalURL)
		assert.Equal(t, []string{"polling"}, cfg.Transports)
		assert.Equal(t, []string{"stun:file.example:3478"}, cfg.ICEServers[0].URLs)
	})

	t.Run("flag over env", func(t *testing.T) {
		t.Setenv("DUOCALL_SIGNAL_URL", "http://env.example:2")
		v := viper.New()
		flagSet(t, v, "--signal-url=http://flag.example:3", "--no-reconnect")
		cfg, err := Load(v, "")
		require.NoError(t, err)
		assert.Equal(t, "http://flag.example:3", cfg.SignalURL)
		assert.False(t, cfg.Reconnect)
	})
}

func TestLoadExplicitConfigFile(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "call.yaml")
	require.NoError(t, os.WriteFile(path, []byte("video: cam.ivf\naudio: mic.ogg\nrecord-dir: out\n"), 0o600))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "cam.ivf", cfg.VideoSource)
	assert.Equal(t, "mic.ogg", cfg.AudioSource)
	assert.Equal(t, "out", cfg.RecordDir)
	assert.True(t, cfg.HasVideo())
	assert.True(t, cfg.HasAudio())

	_, err = Load(viper.New(), filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	isolate(t)

	tests := map[string]map[string]string{
		"unknown transport": {"DUOCALL_TRANSPORTS": "carrier-pigeon"},
		"zero timeout":      {"DUOCALL_RELAY_TIMEOUT": "0s"},
		"turn without auth": {"DUOCALL_TURN": "turn:turn.example.com"},
		"bad ice json":      {"DUOCALL_ICE_SERVERS_JSON": "{"},
		"bad stun scheme":   {"DUOCALL_STUN": "http://stun.example.com"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			for k, val := range env {
				t.Setenv(k, val)
			}
			_, err := Load(viper.New(), "")
			assert.Error(t, err)
		})
	}
}

func TestForceRelay(t *testing.T) {
	isolate(t)
	t.Setenv("DUOCALL_RELAY", "true")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, pion.ICETransportPolicyRelay, cfg.ICETransportPolicy())
	assert.Error(t, cfg.CheckRelay())

	t.Setenv("DUOCALL_TURN", "turn:turn.example.com")
	t.Setenv("DUOCALL_TURN_USER", "user")
	t.Setenv("DUOCALL_TURN_PASS", "pass")
	cfg, err = Load(viper.New(), "")
	require.NoError(t, err)
	assert.NoError(t, cfg.CheckRelay())
}
