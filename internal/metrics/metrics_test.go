package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	require.NotNil(t, m.Registry())
	assert.NotNil(t, m.PluginLoadsTotal)
	assert.NotNil(t, m.HookInvocationsTotal)
	assert.NotNil(t, m.HookDuration)
	assert.NotNil(t, m.CommandExecutionsTotal)
}

func TestRecorder(t *testing.T) {
	m := NewMetrics()

	m.PluginLoad("auto-replace", "ok")
	m.PluginLoad("broken", "evaluation")
	m.PluginLoad("broken", "evaluation")

	m.HookInvocation("beforeSendMessage", "auto-replace", "ok", 3*time.Millisecond)
	m.HookInvocation("beforeSendMessage", "slow", "timeout", 5*time.Second)

	m.CommandExecution("stats", true)
	m.CommandExecution("missing", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PluginLoadsTotal.WithLabelValues("auto-replace", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PluginLoadsTotal.WithLabelValues("broken", "evaluation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookInvocationsTotal.WithLabelValues("beforeSendMessage", "slow", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandExecutionsTotal.WithLabelValues("stats", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandExecutionsTotal.WithLabelValues("missing", "false")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HookDuration))
}

func TestTrackPlugins(t *testing.T) {
	m := NewMetrics()
	loaded := 2
	m.TrackPlugins(func() int { return loaded })

	expected := `
# HELP nouschat_plugins_loaded Number of plugins currently loaded
# TYPE nouschat_plugins_loaded gauge
nouschat_plugins_loaded 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "nouschat_plugins_loaded"))

	loaded = 3
	expected = strings.Replace(expected, "loaded 2", "loaded 3", 1)
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "nouschat_plugins_loaded"))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.PluginLoad("auto-replace", "ok")
	m.HookInvocation("afterReceiveMessage", "auto-replace", "error", time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `nouschat_plugin_loads_total{outcome="ok",plugin_id="auto-replace"} 1`)
	assert.Contains(t, string(body), "nouschat_hook_duration_seconds_bucket")
}
