package main

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

	"github.com/RichardoC/relaychat/internal/config"
	"github.com/RichardoC/relaychat/internal/db"
	"github.com/RichardoC/relaychat/internal/history"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	for _, k := range []string{"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "RELAYCHAT_SESSION_MODE"} {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_FlagsOverrideConfig(t *testing.T) {
	isolate(t)

	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{
		"--model", "gpt-4o-mini",
		"--addr", ":7000",
		"--session-mode", "shared",
		"--store", "sqlite",
		"--dsn", "chat.db",
	}))

	f := &flags{}
	f.model, _ = cmd.Flags().GetString("model")
	f.addr, _ = cmd.Flags().GetString("addr")
	f.sessionMode, _ = cmd.Flags().GetString("session-mode")
	f.storeDriver, _ = cmd.Flags().GetString("store")
	f.storeDSN, _ = cmd.Flags().GetString("dsn")

	cfg, err := loadConfig(cmd, f)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	require.Equal(t, ":7000", cfg.Addr)
	require.Equal(t, config.SessionModeShared, cfg.SessionMode)
	require.Equal(t, config.StoreSQLite, cfg.Store.Driver)
	require.Equal(t, "chat.db", cfg.Store.DSN)
}

func TestLoadConfig_RejectsUnknownStore(t *testing.T) {
	isolate(t)

	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--store", "redis"}))
	_, err := loadConfig(cmd, &flags{storeDriver: "redis"})
	require.ErrorContains(t, err, "unknown store driver")
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug", false)
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = newLogger("loud", false)
	require.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	s, err := openStore(config.StoreConfig{Driver: config.StoreMemory})
	require.NoError(t, err)
	require.IsType(t, &history.MemoryStore{}, s)

	s, err = openStore(config.StoreConfig{Driver: config.StoreSQLite, DSN: filepath.Join(t.TempDir(), "h.db")})
	require.NoError(t, err)
	require.IsType(t, &db.Database{}, s)
	require.NoError(t, s.Close())
}

func TestAskCommand(t *testing.T) {
	isolate(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","created":1,"model":"gpt-3.5-turbo",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Sock Pop"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()
	t.Setenv("OPENAI_API_KEY", "sk-test")

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"ask", "--base-url", srv.URL, "name", "a", "sock", "company"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.Equal(t, "Sock Pop\n", out.String())
}
