package config

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// defaultWorkerBasePort is the informational port handed to workers when the
// config file does not pin one. Workers in stdio RPC mode never listen on it.
const defaultWorkerBasePort = 9000

// GPU describes one schedulable CUDA device.
type GPU struct {
	Device int    `json:"device"`
	Name   string `json:"name"`
	Weight int    `json:"weight"`
	Port   int    `json:"port,omitempty"`
}

// GPUConfig is the normalized scheduler configuration. Distribute defaults
// to true when the file omits it.
type GPUConfig struct {
	Enabled    bool
	Distribute bool
	GPUs       []GPU
}

type gpuConfigDoc struct {
	Enabled    bool  `json:"enabled"`
	Distribute *bool `json:"distribute"`
	GPUs       []GPU `json:"gpus"`
}

// LoadGPUConfig reads gpu_config.json from path. A missing or unreadable
// file falls back to NVML auto-detection; a file with enabled=false keeps
// the scheduler off even when GPUs are listed.
func LoadGPUConfig(path string, log *zap.SugaredLogger) *GPUConfig {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Infow("gpu config not readable, auto-detecting", "path", path, "err", err)
		return DetectGPUs(log)
	}

	var doc gpuConfigDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Errorw("gpu config malformed, auto-detecting", "path", path, "err", err)
		return DetectGPUs(log)
	}

	cfg := &GPUConfig{Enabled: doc.Enabled, Distribute: true}
	if doc.Distribute != nil {
		cfg.Distribute = *doc.Distribute
	}
	if !cfg.Enabled {
		log.Info("gpu scheduler disabled in config")
		return cfg
	}

	for _, g := range doc.GPUs {
		cfg.GPUs = append(cfg.GPUs, normalizeGPU(g))
	}
	if len(cfg.GPUs) == 0 {
		log.Warn("gpu config enabled but lists no gpus")
		cfg.Enabled = false
		return cfg
	}

	log.Infow("gpu config loaded", "count", len(cfg.GPUs))
	for _, g := range cfg.GPUs {
		log.Infow("gpu slot", "device", g.Device, "name", g.Name, "weight", g.Weight)
	}
	return cfg
}

func normalizeGPU(g GPU) GPU {
	if g.Name == "" {
		g.Name = fmt.Sprintf("GPU %d", g.Device)
	}
	if g.Weight < 1 {
		g.Weight = 1
	}
	if g.Port == 0 {
		g.Port = defaultWorkerBasePort + g.Device
	}
	return g
}
