// Package proxy resolves per-country proxy endpoints and probes them.
package proxy

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/config"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// DirectLabel names the no-proxy route in attempts and logs.
const DirectLabel = "direct"

// Resolution is the route chosen for one visit.
type Resolution struct {
	Country  string
	Endpoint string
	Direct   bool
	// Err wraps pacer.ErrProxyUnavailable when a requested country had no proxy.
	Err error
}

// Label returns the endpoint or "direct".
func (r Resolution) Label() string {
	if r.Direct {
		return DirectLabel
	}
	return r.Endpoint
}

// Selector maps country codes to proxies from the current snapshot.
type Selector struct {
	logger *zap.Logger
}

// NewSelector builds a selector.
func NewSelector(logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{logger: logger.Named("proxy")}
}

// Resolve returns the proxy for country, falling back to a direct route when
// none is configured. The fallback is logged, never returned as an error.
func (s *Selector) Resolve(snap *config.Snapshot, country string) Resolution {
	code := strings.ToUpper(strings.TrimSpace(country))
	if code == "" {
		return Resolution{Direct: true}
	}
	if snap != nil {
		if endpoint, ok := snap.Proxy.Countries[code]; ok && endpoint != "" {
			return Resolution{Country: code, Endpoint: endpoint}
		}
	}
	err := fmt.Errorf("%w for country %s", pacer.ErrProxyUnavailable, code)
	s.logger.Info("proxy fallback to direct connection", zap.String("country", code), zap.Error(err))
	return Resolution{Country: code, Direct: true, Err: err}
}

// Probe is the result of validating one proxy.
type Probe struct {
	Country    string        `json:"country,omitempty"`
	Endpoint   string        `json:"endpoint"`
	OK         bool          `json:"ok"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// Validate sends one request to probeURL through endpoint.
func (s *Selector) Validate(ctx context.Context, endpoint, probeURL string, timeout time.Duration) (Probe, error) {
	probe := Probe{Endpoint: endpoint}
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil || u.Host == "" {
			probe.Error = "invalid proxy url"
			return probe, fmt.Errorf("%w: invalid proxy url %q", pacer.ErrConfiguration, endpoint)
		}
	}

	client := resty.New().SetTimeout(timeout)
	if endpoint == "" {
		client.RemoveProxy()
	} else {
		client.SetProxy(endpoint)
	}

	start := time.Now()
	resp, err := client.R().SetContext(ctx).Get(probeURL)
	probe.Latency = time.Since(start)
	if err != nil {
		probe.Error = err.Error()
		return probe, fmt.Errorf("%w: probe %s: %w", pacer.ErrNetwork, endpoint, err)
	}
	probe.StatusCode = resp.StatusCode()
	probe.OK = probe.StatusCode >= 200 && probe.StatusCode < 400
	if !probe.OK {
		probe.Error = resp.Status()
	}
	return probe, nil
}

// ValidateAll probes every country endpoint concurrently and returns the
// results sorted by country.
func (s *Selector) ValidateAll(ctx context.Context, countries map[string]string, probeURL string, timeout time.Duration) []Probe {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		probes = make([]Probe, 0, len(countries))
	)
	for code, endpoint := range countries {
		wg.Add(1)
		go func(code, endpoint string) {
			defer wg.Done()
			probe, err := s.Validate(ctx, endpoint, probeURL, timeout)
			probe.Country = strings.ToUpper(code)
			if err != nil {
				s.logger.Warn("proxy probe failed", zap.String("country", probe.Country), zap.String("endpoint", endpoint), zap.Error(err))
			}
			mu.Lock()
			probes = append(probes, probe)
			mu.Unlock()
		}(code, endpoint)
	}
	wg.Wait()
	sort.Slice(probes, func(i, j int) bool { return probes[i].Country < probes[j].Country })
	return probes
}
