package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pywatt/pywatt-sdk-go/metrics"
	"github.com/pywatt/pywatt-sdk-go/transport"
)

func TestMissingFileIsNotAnError(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	prefs := transport.DefaultPreferences()
	require.Equal(t, prefs, f.ApplyPreferences(prefs))
	sla := metrics.DefaultSLAConfig()
	require.Equal(t, sla, f.ApplySLA(sla))
}

func TestOverridesApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pywatt.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[channels]
use_tcp = false
prefer_ipc_for_local = true

[sla]
target_availability = 0.999
max_latency_ms = 250
`), 0o600))

	f, err := Load(path)
	require.NoError(t, err)

	prefs := f.ApplyPreferences(transport.DefaultPreferences())
	require.False(t, prefs.UseTCP)
	require.True(t, prefs.UseIPC, "unset fields keep their defaults")
	require.True(t, prefs.PreferIPCForLocal)

	sla := f.ApplySLA(metrics.DefaultSLAConfig())
	require.Equal(t, 0.999, sla.TargetAvailability)
	require.Equal(t, 250*time.Millisecond, sla.MaxLatency)
	require.Equal(t, metrics.DefaultSLAConfig().MaxErrorRate, sla.MaxErrorRate)
}

func TestMalformedFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[channels\nuse_tcp ="), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
