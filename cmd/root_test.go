package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trafficpacer/internal/server"
	"github.com/JakeFAU/trafficpacer/internal/tick"
)

const testConfig = `
engine:
  http_concurrency: 2
  browser_concurrency: 1
  max_steps_per_tick: 5
  owner_rpm: 60
  hourly_variance: 0.2
logging:
  level: error
`

func TestTickCommandPrintsReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "tick"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var report tick.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Equal(t, 0, report.Tasks)
	require.EqualValues(t, 2, report.ConfigVersion)
}

func TestDiagnoseRequiresURL(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"diagnose"})
	require.Error(t, root.ExecuteContext(context.Background()))
}

func TestAppFactoryFailure(t *testing.T) {
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(context.Context, string) (*server.App, error) {
		return nil, errors.New("no database")
	}

	root := newRootCmd()
	root.SetArgs([]string{"tick"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "no database")
}
