package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohans/researchx/researchx"
	"github.com/mohans/researchx/verify"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "researchx", cmd.Use)
	assert.Equal(t, version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
		assert.NotNil(t, c.RunE, c.Name())
	}
	for _, want := range []string{"worker", "migrate", "submit", "status", "resume", "history", "verify"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("owner"))
}

func TestBuildSubmitCommand_Flags(t *testing.T) {
	cmd := buildSubmitCommand(&rootOptions{})

	depth := cmd.Flags().Lookup("depth")
	require.NotNil(t, depth)
	assert.Equal(t, "quick", depth.DefValue)
	assert.Equal(t, "d", depth.Shorthand)
	assert.NotNil(t, cmd.Flags().Lookup("follow"))
	assert.NotNil(t, cmd.Flags().Lookup("meta"))
}

// fakeUpstream answers research requests with a report and JSON-mode
// requests with a verdict.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ResponseFormat json.RawMessage `json:"response_format"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		content := "## Summary\nAcme Corp holds the second largest share of the regional market.\n\n## Key Findings\n- 23% share"
		if len(req.ResponseFormat) > 0 {
			content = `{"status":"reliable","confidence":80,"summary":"Consistent with filings.","freshness":"fresh"}`
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "sonar",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"citations": []string{"https://example.com/acme-annual-report"},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupEnv(t *testing.T) {
	t.Helper()
	redis := miniredis.RunT(t)
	upstream := fakeUpstream(t)
	dbPath := filepath.Join(t.TempDir(), "researchx.db")

	t.Setenv("CONFIG_PATH", "")
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("RESEARCHX_OWNER", "")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	t.Setenv("REDIS_ADDR", redis.Addr())
	t.Setenv("RESEARCH_API_KEY", "test-key")
	t.Setenv("RESEARCH_BASE_URL", upstream.URL+"/")
	t.Setenv("VERIFY_STAGGER", "1ms")
	t.Setenv("LOG_LEVEL", "error")
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := BuildCLI()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestCLI_JobCommands(t *testing.T) {
	setupEnv(t)

	out, _, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema at version 1 (sqlite, dirty=false)")
	out, _, err = run(t, "migrate")
	require.NoError(t, err, "migrating an up-to-date schema")
	assert.Contains(t, out, "schema at version 1")

	out, _, err = run(t, "submit", "--owner", "owner-1", "Acme", "Corp", "market", "position")
	require.NoError(t, err)
	var quick researchx.Job
	require.NoError(t, json.Unmarshal([]byte(out), &quick))
	assert.Equal(t, researchx.StatusCompleted, quick.Status)
	assert.Equal(t, "Acme Corp market position", quick.Query)
	require.NotNil(t, quick.Result)
	assert.Contains(t, quick.Result.Summary, "second largest share")
	require.Len(t, quick.Result.Citations, 1)
	assert.Equal(t, "acme annual report", quick.Result.Citations[0].Title)

	out, stderr, err := run(t, "status", "--owner", "owner-1", "--follow", quick.ID)
	require.NoError(t, err)
	assert.Contains(t, out, quick.ID)
	assert.Contains(t, stderr, "completed")
	assert.Contains(t, stderr, "finished in")

	_, _, err = run(t, "status", "--owner", "owner-2", quick.ID)
	assert.ErrorIs(t, err, researchx.ErrForbidden)

	out, _, err = run(t, "resume", "--owner", "owner-1")
	require.NoError(t, err)
	assert.Contains(t, out, "no unfinished research jobs")

	out, stderr, err = run(t, "history", "--owner", "owner-1")
	require.NoError(t, err)
	var past []researchx.Job
	require.NoError(t, json.Unmarshal([]byte(out), &past))
	require.Len(t, past, 1)
	assert.Equal(t, quick.ID, past[0].ID)
	assert.Contains(t, stderr, quick.ID+" completed")

	_, _, err = run(t, "history")
	assert.ErrorIs(t, err, researchx.ErrAuthRequired)

	_, _, err = run(t, "submit", "--depth", "deep", "anonymous deep query")
	assert.ErrorIs(t, err, researchx.ErrAuthRequired)

	out, _, err = run(t, "submit", "--owner", "owner-1", "--depth", "deep", "-m", "source=cli", "deep query")
	require.NoError(t, err)
	var deep researchx.Job
	require.NoError(t, json.Unmarshal([]byte(out), &deep))
	assert.Equal(t, researchx.StatusPending, deep.Status)
	assert.Equal(t, "cli", deep.Metadata["source"])

	out, stderr, err = run(t, "resume", "--owner", "owner-1")
	require.NoError(t, err)
	assert.Contains(t, out, deep.ID)
	assert.Contains(t, stderr, "resuming "+deep.ID+" (pending, submitted")
}

func TestCLI_Verify(t *testing.T) {
	setupEnv(t)

	dir := t.TempDir()
	in := filepath.Join(dir, "claims.json")
	outPath := filepath.Join(dir, "verified.json")
	claims := `[
  {"id": "c0", "title": "Share", "text": "Acme holds 23% of the market"},
  {"id": "c1", "title": "Entrants", "text": "Two competitors entered last year"},
  {"id": "c2", "title": "Old", "text": "Checked before", "verification": {"status": "unreliable", "confidence": 20, "attempts": 1}}
]`
	require.NoError(t, os.WriteFile(in, []byte(claims), 0o600))

	_, stderr, err := run(t, "verify", "--file", in, "--out", outPath)
	require.NoError(t, err)
	assert.Contains(t, stderr, "c0 reliable")
	assert.False(t, strings.Contains(stderr, "c2 "), "claims with a verification are not rechecked")

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var got []verify.Claim
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 3)
	assert.Equal(t, verify.StatusReliable, got[0].Verification.Status)
	assert.Equal(t, 80, got[0].Verification.Confidence)
	assert.Equal(t, []string{"https://example.com/acme-annual-report"}, got[0].Verification.Sources)
	assert.Equal(t, verify.StatusReliable, got[1].Verification.Status)
	assert.Equal(t, verify.StatusUnreliable, got[2].Verification.Status)
}

func TestCLI_VerifyRetryFailed(t *testing.T) {
	setupEnv(t)

	in := filepath.Join(t.TempDir(), "claims.json")
	claims := `[
  {"id": "c0", "title": "Share", "text": "Acme holds 23% of the market", "verification": {"status": "unable_to_verify", "attempts": 3}},
  {"id": "c1", "title": "Old", "text": "Checked before", "verification": {"status": "unreliable", "confidence": 20, "attempts": 1}}
]`
	require.NoError(t, os.WriteFile(in, []byte(claims), 0o600))

	out, stderr, err := run(t, "verify", "--file", in)
	require.NoError(t, err)
	assert.False(t, strings.Contains(stderr, "c0 "), "settled claims are left alone without --retry-failed")
	var got []verify.Claim
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)
	assert.Equal(t, verify.StatusUnableToVerify, got[0].Verification.Status)

	out, stderr, err = run(t, "verify", "--retry-failed", "--file", in)
	require.NoError(t, err)
	assert.Contains(t, stderr, "c0 reliable")
	assert.False(t, strings.Contains(stderr, "c1 "), "only unable_to_verify claims are retried")
	got = nil
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)
	assert.Equal(t, verify.StatusReliable, got[0].Verification.Status)
	assert.Equal(t, 1, got[0].Verification.Attempts)
	assert.Equal(t, verify.StatusUnreliable, got[1].Verification.Status)
}

func TestCLI_VerifyRequiresFile(t *testing.T) {
	setupEnv(t)
	_, _, err := run(t, "verify")
	assert.Error(t, err)
}
