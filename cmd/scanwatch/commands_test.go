package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanwatch/internal/app/scanning"
	"github.com/ahrav/scanwatch/internal/config"
)

// run executes the root command against the in-memory backend.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--backend", config.BackendMemory}, args...))

	err := cmd.Execute()
	return stdout.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = oldVersion, oldCommit })

	Version = "1.2.3"
	GitCommit = "abcdef"

	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "scanwatch 1.2.3")
	assert.Contains(t, out, "Commit: abcdef")
	assert.NotContains(t, out, "Built:")
}

func TestScanCreate(t *testing.T) {
	out, err := run(t, "scan", "create", "--site", "site-1", "--user", "user-1", "--status", "running")
	require.NoError(t, err)

	var res scanning.CreateScanResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.NotEqual(t, uuid.Nil, res.ScanID)
}

func TestScanCreateRejectsTerminalStatus(t *testing.T) {
	out, err := run(t, "scan", "create", "--site", "site-1", "--user", "user-1", "--status", "completed")
	require.Error(t, err)

	var res scanning.CreateScanResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Success)
}

func TestSweepDryRunOnEmptyStore(t *testing.T) {
	out, err := run(t, "sweep", "--dry-run", "--max-runtime", "1m")
	require.NoError(t, err)

	var report scanning.CleanupReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.DryRun)
	assert.Zero(t, report.CleanedCount)
	assert.Empty(t, report.Errors)
}

func TestHealthOutputFormats(t *testing.T) {
	out, err := run(t, "health")
	require.NoError(t, err)

	var res scanning.HealthMetricsResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.InDelta(t, 100.0, res.HealthScore, 0.001)

	out, err = run(t, "health", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "health_score: 100")

	_, err = run(t, "health", "-o", "xml")
	require.ErrorContains(t, err, "unsupported output format")
}

func TestArgumentErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "invalid scan id", args: []string{"validate", "not-a-uuid"}, wantErr: "invalid scan id"},
		{name: "unknown scan", args: []string{"validate", uuid.NewString()}, wantErr: "not found"},
		{name: "fail without reason", args: []string{"fail", uuid.NewString()}, wantErr: "reason"},
		{
			name:    "complete with invalid results",
			args:    []string{"scan", "complete", uuid.NewString(), "--results", "{"},
			wantErr: "valid JSON",
		},
		{
			name:    "update with unknown status",
			args:    []string{"scan", "update", uuid.NewString(), "--status", "paused"},
			wantErr: "paused",
		},
		{name: "migrate without database", args: []string{"migrate"}, wantErr: "database.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
