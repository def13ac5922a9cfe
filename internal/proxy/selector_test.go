package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/trafficpacer/internal/config"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

func snapshotWithProxies(countries map[string]string) *config.Snapshot {
	cfg := config.Default()
	cfg.Proxy.Countries = countries
	return &config.Snapshot{Config: cfg, Location: time.UTC}
}

func TestResolveKnownCountryIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	sel := NewSelector(zap.NewNop())
	snap := snapshotWithProxies(map[string]string{"US": "http://us.proxy:8080"})

	res := sel.Resolve(snap, "us")
	assert.False(t, res.Direct)
	assert.Equal(t, "http://us.proxy:8080", res.Endpoint)
	assert.Equal(t, "http://us.proxy:8080", res.Label())
	assert.NoError(t, res.Err)
}

func TestResolveMissingCountryFallsBackToDirect(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sel := NewSelector(zap.New(core))
	snap := snapshotWithProxies(map[string]string{"US": "http://us.proxy:8080"})

	res := sel.Resolve(snap, "FR")
	assert.True(t, res.Direct)
	assert.Equal(t, DirectLabel, res.Label())
	require.ErrorIs(t, res.Err, pacer.ErrProxyUnavailable)

	entries := logs.FilterMessage("proxy fallback to direct connection").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "FR", entries[0].ContextMap()["country"])
}

func TestResolveWithoutCountryIsDirectSilently(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sel := NewSelector(zap.New(core))
	res := sel.Resolve(snapshotWithProxies(nil), "")
	assert.True(t, res.Direct)
	assert.NoError(t, res.Err)
	assert.Zero(t, logs.Len())
}

func TestValidateThroughProxy(t *testing.T) {
	t.Parallel()

	// A forward proxy receives the absolute probe URL; answering directly is enough.
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "probe.test", r.URL.Host)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer proxySrv.Close()

	sel := NewSelector(zap.NewNop())
	probe, err := sel.Validate(context.Background(), proxySrv.URL, "http://probe.test/generate_204", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, probe.OK)
	assert.Equal(t, http.StatusNoContent, probe.StatusCode)
}

func TestValidateRejectsBadEndpoint(t *testing.T) {
	t.Parallel()

	sel := NewSelector(zap.NewNop())
	_, err := sel.Validate(context.Background(), "::not a url", "http://probe.test/", time.Second)
	require.ErrorIs(t, err, pacer.ErrConfiguration)
}

func TestValidateAllSortsByCountry(t *testing.T) {
	t.Parallel()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusProxyAuthRequired)
	}))
	defer bad.Close()

	sel := NewSelector(zap.NewNop())
	probes := sel.ValidateAll(context.Background(), map[string]string{"us": good.URL, "de": bad.URL}, "http://probe.test/", 2*time.Second)
	require.Len(t, probes, 2)
	assert.Equal(t, "DE", probes[0].Country)
	assert.False(t, probes[0].OK)
	assert.Equal(t, "US", probes[1].Country)
	assert.True(t, probes[1].OK)
}
