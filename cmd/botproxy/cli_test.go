package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BotProxy/internal/assistant"
	"BotProxy/internal/store"
)

const seedTOML = `
[[secrets]]
name = "GPTUNNEL_API_KEY"
value = "seeded-key"

[[tools]]
id = "rentals"
name = "search"
description = "Search rentals"
parameters = '{"type":"object","required":["city"]}'
response_mode = "json"

[[assistants]]
id = "a1"
name = "Rentals"
model = "gpt-4o-mini"
instructions = "Помогай с арендой."
context_length = 3

[[assistants]]
id = "a2"
name = "Rentals with search"
model = "gpt-4o-mini"
tool_id = "rentals"
`

type env struct {
	dir        string
	configPath string
	dbPath     string
}

func newEnv(t *testing.T, gatewayURL string) *env {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	e := &env{dir: dir, dbPath: filepath.Join(dir, "botproxy.db"), configPath: filepath.Join(dir, "botproxy.toml")}
	cfg := fmt.Sprintf(`
[log]
dir = %q

[database]
driver = "sqlite3"
dsn = %q

[gateway]
base_url = %q
api_key = "config-key"
timeout = "2s"
`, filepath.Join(dir, "logs"), e.dbPath, gatewayURL)
	require.NoError(t, os.WriteFile(e.configPath, []byte(cfg), 0o600))
	return e
}

func (e *env) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *env) writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(e.dir, "seed.toml")
	require.NoError(t, os.WriteFile(path, []byte(seedTOML), 0o600))
	return path
}

func TestParseSeedValidates(t *testing.T) {
	_, err := parseSeed(strings.NewReader(`
[[assistants]]
id = "a1"
tool_id = "missing"
`))
	assert.ErrorContains(t, err, "unknown tool missing")

	_, err = parseSeed(strings.NewReader(`
[[tools]]
id = "t"
parameters = "{not json"
`))
	assert.ErrorContains(t, err, "not valid JSON")

	_, err = parseSeed(strings.NewReader(`
[[assistants]]
id = "a1"
colour = "red"
`))
	assert.Error(t, err)

	seed, err := parseSeed(strings.NewReader(seedTOML))
	require.NoError(t, err)
	assert.Len(t, seed.Assistants, 2)
	assert.Len(t, seed.Tools, 1)
	assert.Len(t, seed.Secrets, 1)
}

func TestSeedCommandPopulatesStore(t *testing.T) {
	e := newEnv(t, "http://127.0.0.1:1")

	out, err := e.run(t, "", "seed", e.writeSeed(t))
	require.NoError(t, err)
	assert.Contains(t, out, "seeded 2 assistants, 1 tools, 1 secrets")

	ctx := context.Background()
	st, err := store.Open(ctx, store.DriverSQLite, e.dbPath)
	require.NoError(t, err)
	defer st.Close()

	a2, err := st.GetAssistant(ctx, "a2")
	require.NoError(t, err)
	require.NotNil(t, a2.Tool)
	assert.Equal(t, assistant.ResponseJSON, a2.Tool.Mode())
	assert.Equal(t, []string{"city"}, a2.Tool.RequiredParams())
	assert.Equal(t, assistant.StatusActive, a2.Status)

	key, err := st.GetSecret(ctx, "GPTUNNEL_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "seeded-key", key)
}

func TestChatCommandRunsTurnsAndRecordsHistory(t *testing.T) {
	var auth string
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "Здравствуйте!"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10},
		})
	}))
	defer gw.Close()

	e := newEnv(t, gw.URL)
	_, err := e.run(t, "", "seed", e.writeSeed(t))
	require.NoError(t, err)

	out, err := e.run(t, "Привет\n/quit\n", "chat", "--assistant", "a1", "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "Bot: Здравствуйте!")
	assert.Contains(t, out, "Goodbye!")
	assert.Equal(t, "Bearer seeded-key", auth)

	out, err = e.run(t, "", "history", "--assistant", "a1", "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "user: Привет")
	assert.Contains(t, out, "assistant: Здравствуйте!")
}

func TestChatCommandRequiresAssistant(t *testing.T) {
	e := newEnv(t, "http://127.0.0.1:1")
	_, err := e.run(t, "", "chat")
	assert.ErrorContains(t, err, `required flag(s) "assistant" not set`)
}

func TestMigrateAndPurgeCache(t *testing.T) {
	e := newEnv(t, "http://127.0.0.1:1")

	out, err := e.run(t, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema ready (sqlite3)")

	out, err = e.run(t, "", "purge-cache")
	require.NoError(t, err)
	assert.Contains(t, out, "purged 0 expired entries")
}

func TestMissingConfigFileFails(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.toml"), "migrate"})
	assert.Error(t, cmd.Execute())
}
