package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/remgo/remgo/internal/bus"
	"github.com/remgo/remgo/internal/catalog"
	"github.com/remgo/remgo/internal/config"
	"github.com/remgo/remgo/internal/coordinator"
	"github.com/remgo/remgo/internal/history"
	"github.com/remgo/remgo/internal/metrics"
	"github.com/remgo/remgo/internal/scheduler"
	"github.com/remgo/remgo/internal/supervisor"
)

// instantPool is a worker pool whose tasks finish on the first progress
// poll.
type instantPool struct{}

func (instantPool) Ready(int) bool { return true }
func (instantPool) Generate(context.Context, int, string, []any) error { return nil }
func (instantPool) Progress(_ context.Context, _ int, taskID string) (*supervisor.Progress, error) {
	return &supervisor.Progress{
		Percentage: 100, StatusText: "Done", Finished: true,
		Results: []string{taskID + ".png"},
	}, nil
}
func (instantPool) Stop(context.Context, int) (bool, error) { return true, nil }

// busyPool never finishes until stopped.
type busyPool struct {
	mu      sync.Mutex
	stopped bool
}

func (p *busyPool) Ready(int) bool                                     { return true }
func (p *busyPool) Generate(context.Context, int, string, []any) error { return nil }
func (p *busyPool) Progress(context.Context, int, string) (*supervisor.Progress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return &supervisor.Progress{Percentage: 100, StatusText: "Stopped", Finished: true}, nil
	}
	return &supervisor.Progress{Percentage: 25, StatusText: "Sampling"}, nil
}
func (p *busyPool) Stop(context.Context, int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return true, nil
}

type fixture struct {
	engine  *gin.Engine
	coord   *coordinator.Coordinator
	outputs string
}

func newFixture(t *testing.T, specs []scheduler.SlotSpec, pool coordinator.WorkerPool) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	sched := scheduler.New(specs, len(specs) > 1, true, log)
	b := bus.New(log)
	coord := coordinator.New(coordinator.Config{
		PollInterval: 5 * time.Millisecond,
	}, sched, pool, b, metrics.NewRecorder(log), log)
	t.Cleanup(coord.Close)

	root := t.TempDir()
	outputs := filepath.Join(root, "outputs")
	require.NoError(t, os.MkdirAll(outputs, 0o755))
	tutorial := filepath.Join(root, "user_config.tutorial.json")
	require.NoError(t, os.WriteFile(tutorial, []byte(`{"default_sampler": "dpmpp_2m_sde_gpu"}`), 0o644))

	srv := New(Deps{
		Coordinator: coord,
		Scheduler:   sched,
		Bus:         b,
		Catalog:     catalog.New(catalog.Paths{}, log),
		History:     history.NewReader(outputs, log),
		Editor:      config.NewEditor(filepath.Join(root, "user_config.json"), tutorial, log),
		OutputsDir:  outputs,
		Log:         log,
	})
	return &fixture{engine: srv.Engine(), coord: coord, outputs: outputs}
}

func (f *fixture) request(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	var payload map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	}
	return w, payload
}

func singleGPU() []scheduler.SlotSpec {
	return []scheduler.SlotSpec{{Device: 0, Name: "gpu0", Weight: 1, Port: 9000}}
}

func TestSettingsEndpoint(t *testing.T) {
	f := newFixture(t, singleGPU(), instantPool{})
	w, payload := f.request(t, http.MethodGet, "/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(12), payload["clip_skip_max"])
	assert.Equal(t, float64(5), payload["default_lora_count"])
	assert.Contains(t, payload, "models")
	assert.Contains(t, payload, "samplers")
}

func TestGpusEndpoint(t *testing.T) {
	f := newFixture(t, []scheduler.SlotSpec{
		{Device: 0, Name: "RTX 4090", Weight: 3, Port: 9000},
		{Device: 1, Name: "RTX 3060", Weight: 1, Port: 9001},
	}, instantPool{})

	w, payload := f.request(t, http.MethodGet, "/gpus", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, payload["multi_gpu_enabled"])
	assert.Equal(t, float64(2), payload["gpu_count"])
	gpus := payload["gpus"].([]any)
	first := gpus[0].(map[string]any)
	assert.Equal(t, "RTX 4090", first["name"])
	assert.Equal(t, float64(3), first["weight"])
	assert.Equal(t, false, first["busy"])
}

func TestGenerateAndStatus(t *testing.T) {
	f := newFixture(t, singleGPU(), instantPool{})

	w, payload := f.request(t, http.MethodPost, "/generate",
		`{"prompt": "a cat", "image_number": 1, "image_seed": 5, "seed_random": false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Started", payload["status"])
	assert.Equal(t, float64(1), payload["total_images"])
	taskID := payload["task_id"].(string)
	require.NotEmpty(t, taskID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		w, payload = f.request(t, http.MethodGet, "/status/"+taskID, "")
		require.Equal(t, http.StatusOK, w.Code)
		if payload["status"] == "finished" {
			break
		}
		require.True(t, time.Now().Before(deadline), "task never finished: %v", payload)
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, float64(100), payload["percentage"])
	assert.Equal(t, "Finished (1/1 images)", payload["statusText"])
}

func TestGenerateRejectsBadBody(t *testing.T) {
	f := newFixture(t, singleGPU(), instantPool{})
	w, payload := f.request(t, http.MethodPost, "/generate", `{"prompt": 42}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Error", payload["status"])
}

func TestGenerateWithoutGPUs(t *testing.T) {
	f := newFixture(t, nil, instantPool{})
	w, payload := f.request(t, http.MethodPost, "/generate", `{"prompt": "a cat"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Error", payload["status"])
}

func TestSubmitErrorStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable,
		submitErrorStatus(coordinator.ErrNoResource))
	assert.Equal(t, http.StatusServiceUnavailable,
		submitErrorStatus(errors.Wrap(coordinator.ErrNoResource, "scheduler returned no assignment")))
	assert.Equal(t, http.StatusBadRequest,
		submitErrorStatus(errors.WithMessage(coordinator.ErrInvalidArgs, "sub-task 1_0: args vector has length 151")))
	assert.Equal(t, http.StatusInternalServerError,
		submitErrorStatus(errors.New("worker rejected generate")))
}

func TestStatusUnknownTask(t *testing.T) {
	f := newFixture(t, singleGPU(), instantPool{})
	w, _ := f.request(t, http.MethodGet, "/status/999999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopEndpoint(t *testing.T) {
	f := newFixture(t, singleGPU(), &busyPool{})

	_, payload := f.request(t, http.MethodPost, "/generate", `{"prompt": "a cat", "image_number": 1}`)
	taskID := payload["task_id"].(string)

	w, payload := f.request(t, http.MethodPost, "/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, float64(1), payload["requested"])

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, payload = f.request(t, http.MethodGet, "/status/"+taskID, "")
		if payload["status"] == "canceled" {
			break
		}
		require.True(t, time.Now().Before(deadline), "task never canceled: %v", payload)
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t, singleGPU(), instantPool{})
	require.NoError(t, os.WriteFile(
		filepath.Join(f.outputs, "2025-08-01_10-00-00_a.png"), []byte("img"), 0o644))

	w, payload := f.request(t, http.MethodGet, "/history?limit=10&offset=0", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), payload["total"])
	items := payload["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "2025-08-01_10-00-00_a.png", items[0].(map[string]any)["filename"])
}

func TestConfigEditorEndpoints(t *testing.T) {
	f := newFixture(t, singleGPU(), instantPool{})

	w, payload := f.request(t, http.MethodGet, "/config/editor", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dpmpp_2m_sde_gpu", payload["default_sampler"])

	w, payload = f.request(t, http.MethodPost, "/config/editor", `{"default_sampler": "euler"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, payload["restart_required"])
	cfg := payload["config"].(map[string]any)
	assert.Equal(t, "euler", cfg["default_sampler"])

	w, _ = f.request(t, http.MethodPost, "/config/editor", `{"unknown_key": 1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, singleGPU(), instantPool{})
	w, payload := f.request(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", payload["status"])
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, singleGPU(), instantPool{})
	req := httptest.NewRequest(http.MethodOptions, "/generate", nil)
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketStreamsProgress(t *testing.T) {
	f := newFixture(t, singleGPU(), instantPool{})
	ts := httptest.NewServer(f.engine)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Arbitrary inbound JSON must be tolerated.
	require.NoError(t, conn.WriteJSON(map[string]any{"hello": "server"}))

	_, payload := f.request(t, http.MethodPost, "/generate",
		`{"prompt": "a cat", "image_number": 1, "image_seed": 5, "seed_random": false}`)
	taskID := payload["task_id"].(string)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var u map[string]any
		require.NoError(t, conn.ReadJSON(&u))
		if u["task_id"] != taskID {
			continue
		}
		assert.Equal(t, "progress", u["type"])
		if u["finished"] == true {
			assert.Equal(t, float64(100), u["percentage"])
			results := u["results"].([]any)
			require.Len(t, results, 1)
			assert.Equal(t, taskID+"_0.png", results[0])
			break
		}
	}
}
