package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/di"
)

// testMu serializes tests because cobra flags live in package variables.
var testMu sync.Mutex

const receipt = "From: Shop <noreply@shop.example>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: Your receipt\r\n" +
	"Message-ID: <r-1@shop.example>\r\n" +
	"Date: Mon, 01 Jun 2026 09:30:00 +0200\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Thanks for your order.\r\n"

// setup isolates the CLI from real providers and points it at a fresh database.
func setup(t *testing.T) string {
	t.Helper()
	testMu.Lock()
	t.Cleanup(testMu.Unlock)

	t.Setenv("TRIAGE_OPENAI_API_KEY", "")
	t.Setenv("TRIAGE_GEMINI_API_KEY", "")
	t.Setenv("TRIAGE_BEDROCK_ENABLED", "false")

	saved := struct {
		flags                          di.CLIFlags
		output, file, user, win, iuser string
		persist                        bool
		limit                          int
	}{flags, outputFormat, scoreFile, scoreUser, usageWindow, ingestUser, scorePersist, batchLimit}
	t.Cleanup(func() {
		flags, outputFormat = saved.flags, saved.output
		scoreFile, scoreUser, usageWindow, ingestUser = saved.file, saved.user, saved.win, saved.iuser
		scorePersist, batchLimit = saved.persist, saved.limit
	})
	scorePersist = false
	scoreFile = ""

	return filepath.Join(t.TempDir(), "triage.db")
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestScoreFromStdin(t *testing.T) {
	dsn := setup(t)

	out, err := execute(t, receipt, "score", "--dsn", dsn, "--user", "alice@example.com", "-o", "json")
	require.NoError(t, err)

	var result core.ScoringResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Fallback)
	assert.Equal(t, core.FallbackModelIdentifier, result.ModelIdentifier)
	assert.GreaterOrEqual(t, result.Score, core.MinScore)
	assert.LessOrEqual(t, result.Score, core.MaxScore)
}

func TestScoreTable(t *testing.T) {
	dsn := setup(t)
	path := filepath.Join(t.TempDir(), "receipt.eml")
	require.NoError(t, os.WriteFile(path, []byte(receipt), 0o600))

	out, err := execute(t, "", "score", "--dsn", dsn, "--user", "alice@example.com", "--file", path, "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "Subject:")
	assert.Contains(t, out, "Your receipt")
	assert.Contains(t, out, core.FallbackModelIdentifier)
}

func TestIngestThenBatch(t *testing.T) {
	dsn := setup(t)
	path := filepath.Join(t.TempDir(), "receipt.eml")
	require.NoError(t, os.WriteFile(path, []byte(receipt), 0o600))

	out, err := execute(t, "", "ingest", "--dsn", dsn, "--user", "alice@example.com", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Ingested 1 of 1")

	out, err = execute(t, "", "ingest", "--dsn", dsn, "--user", "alice@example.com", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Ingested 0 of 1")

	out, err = execute(t, "", "batch", "--dsn", dsn, "--user", "alice@example.com", "-o", "json")
	require.NoError(t, err)

	var outcome core.BatchOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.Equal(t, 1, outcome.Requested)
	assert.Equal(t, 1, outcome.Scored)
	assert.Equal(t, 1, outcome.Persisted)
	assert.Zero(t, outcome.Failed)

	// Nothing is pending once scored.
	out, err = execute(t, "", "batch", "--dsn", dsn, "--user", "alice@example.com", "-o", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.Zero(t, outcome.Requested)
}

func TestUsage(t *testing.T) {
	dsn := setup(t)

	_, err := execute(t, "", "usage", "--dsn", dsn, "--user", "alice@example.com", "--window", "weekly")
	assert.ErrorContains(t, err, "window must be one of")

	out, err := execute(t, "", "usage", "--dsn", dsn, "--user", "alice@example.com", "--window", "monthly", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "Usage Summary")
	assert.Contains(t, out, "monthly since")
}

func TestHealth(t *testing.T) {
	dsn := setup(t)

	out, err := execute(t, "", "health", "--dsn", dsn, "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "database")
	assert.Contains(t, out, "models")
}
