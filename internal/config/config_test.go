package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadGPUConfig(t *testing.T) {
	log := zap.NewNop().Sugar()

	t.Run("full document", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "gpu_config.json", `{
			"enabled": true,
			"gpus": [
				{"device": 0, "name": "RTX 4090", "weight": 3},
				{"device": 1, "weight": 0}
			]
		}`)
		cfg := LoadGPUConfig(path, log)
		require.True(t, cfg.Enabled)
		assert.True(t, cfg.Distribute, "distribute defaults to true when omitted")
		require.Len(t, cfg.GPUs, 2)
		assert.Equal(t, "RTX 4090", cfg.GPUs[0].Name)
		assert.Equal(t, 3, cfg.GPUs[0].Weight)
		assert.Equal(t, "GPU 1", cfg.GPUs[1].Name, "missing name derived from device index")
		assert.Equal(t, 1, cfg.GPUs[1].Weight, "weight clamped to at least 1")
		assert.Equal(t, defaultWorkerBasePort, cfg.GPUs[0].Port)
		assert.Equal(t, defaultWorkerBasePort+1, cfg.GPUs[1].Port)
	})

	t.Run("distribute off", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "gpu_config.json",
			`{"enabled": true, "distribute": false, "gpus": [{"device": 0, "weight": 1}]}`)
		cfg := LoadGPUConfig(path, log)
		assert.True(t, cfg.Enabled)
		assert.False(t, cfg.Distribute)
	})

	t.Run("disabled keeps gpu list empty", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "gpu_config.json",
			`{"enabled": false, "gpus": [{"device": 0, "weight": 2}]}`)
		cfg := LoadGPUConfig(path, log)
		assert.False(t, cfg.Enabled)
		assert.Empty(t, cfg.GPUs)
	})

	t.Run("enabled with no gpus disables", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "gpu_config.json", `{"enabled": true, "gpus": []}`)
		cfg := LoadGPUConfig(path, log)
		assert.False(t, cfg.Enabled)
	})
}

func TestEditorDocumentMergesTutorialAndSaved(t *testing.T) {
	dir := t.TempDir()
	tutorial := writeFile(t, dir, "user_config.tutorial.json", `{
		"default_sampler": "dpmpp_2m_sde_gpu",
		"default_cfg_scale": 4.0,
		"default_save_metadata_to_images": false
	}`)
	user := writeFile(t, dir, "user_config.json", `{"default_cfg_scale": 7.5}`)

	e := NewEditor(user, tutorial, zap.NewNop().Sugar())
	doc, err := e.Document()
	require.NoError(t, err)
	assert.Equal(t, "dpmpp_2m_sde_gpu", doc["default_sampler"])
	assert.Equal(t, 7.5, doc["default_cfg_scale"])
	assert.Equal(t, false, doc["default_save_metadata_to_images"])
}

func TestEditorApply(t *testing.T) {
	newEditor := func(t *testing.T) (*Editor, string) {
		dir := t.TempDir()
		tutorial := writeFile(t, dir, "user_config.tutorial.json", `{
			"default_sampler": "dpmpp_2m_sde_gpu",
			"default_cfg_scale": 4.0,
			"default_styles": ["Fooocus V2"]
		}`)
		user := filepath.Join(dir, "user_config.json")
		return NewEditor(user, tutorial, zap.NewNop().Sugar()), user
	}

	t.Run("persists valid changes", func(t *testing.T) {
		e, userPath := newEditor(t)
		doc, err := e.Apply(map[string]any{"default_cfg_scale": 7.0, "default_sampler": "euler"})
		require.NoError(t, err)
		assert.Equal(t, 7.0, doc["default_cfg_scale"])
		assert.Equal(t, "euler", doc["default_sampler"])

		raw, err := os.ReadFile(userPath)
		require.NoError(t, err)
		var saved map[string]any
		require.NoError(t, json.Unmarshal(raw, &saved))
		assert.Equal(t, 7.0, saved["default_cfg_scale"])
		_, ok := saved["default_styles"]
		assert.False(t, ok, "untouched defaults stay out of the user file")
	})

	t.Run("rejects unknown key", func(t *testing.T) {
		e, _ := newEditor(t)
		_, err := e.Apply(map[string]any{"no_such_key": 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown config key")
	})

	t.Run("rejects type mismatch", func(t *testing.T) {
		e, _ := newEditor(t)
		_, err := e.Apply(map[string]any{"default_cfg_scale": "high"})
		require.Error(t, err)
	})

	t.Run("list values round-trip", func(t *testing.T) {
		e, _ := newEditor(t)
		doc, err := e.Apply(map[string]any{"default_styles": []any{"Fooocus V2", "Fooocus Sharp"}})
		require.NoError(t, err)
		assert.Equal(t, []any{"Fooocus V2", "Fooocus Sharp"}, doc["default_styles"])
	})

	t.Run("no tutorial file skips validation", func(t *testing.T) {
		dir := t.TempDir()
		e := NewEditor(filepath.Join(dir, "user_config.json"), "", zap.NewNop().Sugar())
		doc, err := e.Apply(map[string]any{"anything": 42})
		require.NoError(t, err)
		assert.Equal(t, 42, doc["anything"])
	})
}
