package cli

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing_harvester/models"
	"listing_harvester/storage"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "harvester.db")
	t.Setenv("DB_PATH", dbPath)
	t.Setenv("SOURCE_CONFIG_DIR", filepath.Join("..", "config", "testdata"))
	t.Setenv("LOG_FILE", filepath.Join(dir, "harvester.log"))
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("HARVEST_PAGE_DELAY", "0s")
	t.Setenv("RESULTS_DB_URL", "")
	t.Setenv("ARCHIVE_S3_BUCKET", "")
	t.Setenv("METRICS_ADDR", "")
	return dbPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := BuildCLI()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestCreateRunAndInspect(t *testing.T) {
	dbPath := setupEnv(t)

	out, err := run(t, "create-job",
		"--source", "mock", "--seller", "abc123",
		"--from", "2024-01-01", "--to", "2024-01-02", "--name", "smoke")
	require.NoError(t, err)

	var jobID string
	var tasks int
	_, err = fmt.Sscanf(strings.TrimSpace(out), "created job %s with %d tasks", &jobID, &tasks)
	require.NoError(t, err, out)
	assert.Equal(t, 2, tasks)

	out, err = run(t, "tasks", "--job", jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "pending"))

	out, err = run(t, "run-once")
	require.NoError(t, err)
	assert.Contains(t, out, "completed: 2")

	out, err = run(t, "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, jobID)
	assert.Contains(t, out, "smoke")
	assert.Contains(t, out, "completed")

	out, err = run(t, "budget")
	require.NoError(t, err)
	assert.Contains(t, out, "mock")

	out, err = run(t, "pause", "--job", jobID)
	require.NoError(t, err)
	assert.Contains(t, out, "queued pause_job command")

	store, err := storage.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()
	cmds, err := store.GetPendingCommands(context.Background())
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, models.CmdPauseJob, cmds[0].Command)
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "create-job", "--source", "mock", "--seller", "abc123",
		"--from", "2024-01-05", "--to", "2024-01-01")
	require.Error(t, err)
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = run(t, "create-job", "--source", "mock", "--seller", "abc123",
		"--from", "01/05/2024", "--to", "2024-01-06")
	assert.ErrorContains(t, err, "--from")

	out, err := run(t, "jobs")
	require.NoError(t, err)
	assert.NotContains(t, out, "2024-01-05")
}

func TestPauseNeedsExactlyOneTarget(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "pause")
	assert.ErrorContains(t, err, "--job or --task is required")

	_, err = run(t, "resume", "--job", "j", "--task", "t")
	assert.ErrorContains(t, err, "not both")

	out, err := run(t, "resume", "--task", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "queued resume_task command")
}

func TestMaskConnectionString(t *testing.T) {
	cases := map[string]string{
		"postgres://user:secret@db:5432/listings": "postgres://user:****@db:5432/listings",
		"postgres://user@db/listings":            "postgres://user@db/listings",
		"host=db user=app":                       "host=db user=app",
	}
	for in, want := range cases {
		assert.Equal(t, want, maskConnectionString(in))
	}
}
