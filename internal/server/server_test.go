package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tiermux/tiermux/internal/config"
	"github.com/tiermux/tiermux/internal/sandbox"
	"github.com/tiermux/tiermux/internal/task"
	"github.com/tiermux/tiermux/internal/tools"
)

const addTool = `description = "adds two numbers"
handler = function(args)
  return args.a + args.b
end`

const failTool = `handler = function(args)
  error("scripted failure")
end`

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "add.lua"), []byte(addTool), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boom.lua"), []byte(failTool), 0o644))

	manager := tools.NewManager(dir, tools.NewScanner(""))
	require.NoError(t, manager.Initialize())

	if cfg == nil {
		cfg = &config.Config{
			Role: "fast",
			Sandbox: config.SandboxConfig{
				Enabled:          true,
				MaxExecutionTime: 5 * time.Second,
				MaxMemoryMB:      128,
			},
		}
	}

	return New(cfg, manager, sandbox.New(sandbox.Config{MaxExecutionTime: 5 * time.Second}))
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPingRoute(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/ping", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReportsStartingThenHealthy(t *testing.T) {
	srv := newTestServer(t, nil)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health task.ServerHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, task.StateStarting, health.Status)
	require.Equal(t, "fast", health.Role)

	srv.Ready()
	rec = doJSON(t, router, http.MethodGet, "/health", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, task.StateHealthy, health.Status)
	require.Greater(t, health.MemoryBytes, uint64(0))
}

func TestExecuteToolTask(t *testing.T) {
	srv := newTestServer(t, nil)

	work := task.New("tool")
	work.Tool = "add"
	work.Args = map[string]interface{}{"a": 2, "b": 5}

	rec := doJSON(t, srv.Router(), http.MethodPost, "/execute", work, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result task.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result.Success)
	require.Equal(t, float64(7), result.Data)
	require.Equal(t, "fast", result.ExecutedBy)
}

func TestExecuteTaskFailuresAreStillHTTP200(t *testing.T) {
	srv := newTestServer(t, nil)
	router := srv.Router()

	cases := []struct {
		name string
		work *task.Task
	}{
		{"unknown tool", func() *task.Task {
			w := task.New("tool")
			w.Tool = "missing"
			return w
		}()},
		{"handler failure", func() *task.Task {
			w := task.New("tool")
			w.Tool = "boom"
			return w
		}()},
		{"unsupported type", task.New("teleport")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/execute", tc.work, nil)
			require.Equal(t, http.StatusOK, rec.Code, "task-level failure is a result, not a protocol error")

			var result task.Result
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
			require.False(t, result.Success)
			require.NotEmpty(t, result.Error)
			require.Equal(t, "fast", result.ExecutedBy)
		})
	}
}

func TestExecuteMalformedPayloadIs400(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteWithSandboxDisabled(t *testing.T) {
	cfg := &config.Config{
		Role:    "fast",
		Sandbox: config.SandboxConfig{Enabled: false},
	}
	srv := newTestServer(t, cfg)

	work := task.New("tool")
	work.Tool = "add"

	rec := doJSON(t, srv.Router(), http.MethodPost, "/execute", work, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result task.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.False(t, result.Success)
	require.Contains(t, result.Error, "disabled")
}

func TestCallRoute(t *testing.T) {
	srv := newTestServer(t, nil)
	router := srv.Router()

	t.Run("success", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/call", map[string]interface{}{
			"tool": "add",
			"args": map[string]interface{}{"a": 1, "b": 2},
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Output interface{} `json:"output"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, float64(3), resp.Output)
	})

	t.Run("unknown tool is 404", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/call", map[string]interface{}{"tool": "missing"}, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("handler failure is 500", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/call", map[string]interface{}{"tool": "boom"}, nil)
		require.Equal(t, http.StatusInternalServerError, rec.Code)

		var resp struct {
			Error string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Contains(t, resp.Error, "scripted failure")
	})
}

func TestToolsRoute(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Router(), http.MethodGet, "/tools", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var defs []task.ToolDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &defs))
	require.Len(t, defs, 2)
	require.Equal(t, "add", defs[0].Name)
}

func TestFallbackRoute(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/fallback", map[string]string{
		"from":    "supervisor",
		"task_id": "t1",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestControlGuard(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sesame"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{
		Role:       "fast",
		Sandbox:    config.SandboxConfig{Enabled: true, MaxExecutionTime: 5 * time.Second},
		ControlKey: string(hash),
	}
	srv := newTestServer(t, cfg)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/reload", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/reload", nil, map[string]string{"X-Control-Key": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/reload", nil, map[string]string{"X-Control-Key": "sesame"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestControlGuardOpenWithoutKey(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/reload", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
