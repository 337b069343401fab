package config

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"go.uber.org/zap"
)

// weightBytesPerUnit grants one scheduling weight unit per 4 GiB of VRAM.
const weightBytesPerUnit = 4 << 30

// DetectGPUs enumerates CUDA devices through NVML and derives weights from
// their memory size. A single detected GPU leaves the multi-GPU scheduler
// disabled; the caller still gets that one slot for dispatch.
func DetectGPUs(log *zap.SugaredLogger) *GPUConfig {
	cfg := &GPUConfig{Distribute: true}

	if ret := nvml.Init(); ret != nvml.SUCCESS {
		log.Warnw("nvml init failed, no gpus detected", "err", nvml.ErrorString(ret))
		return cfg
	}
	defer func() { _ = nvml.Shutdown() }()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		log.Warnw("nvml device count failed", "err", nvml.ErrorString(ret))
		return cfg
	}

	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			log.Warnw("nvml device handle failed", "device", i, "err", nvml.ErrorString(ret))
			continue
		}
		g := GPU{Device: i, Weight: 1}
		if name, ret := dev.GetName(); ret == nvml.SUCCESS {
			g.Name = name
		}
		if mem, ret := dev.GetMemoryInfo(); ret == nvml.SUCCESS {
			if w := int(mem.Total / weightBytesPerUnit); w > 1 {
				g.Weight = w
			}
		}
		cfg.GPUs = append(cfg.GPUs, normalizeGPU(g))
	}

	cfg.Enabled = len(cfg.GPUs) > 1
	log.Infow("gpu auto-detection finished", "count", len(cfg.GPUs), "enabled", cfg.Enabled)
	for _, g := range cfg.GPUs {
		log.Infow("detected gpu", "device", g.Device, "name", g.Name, "weight", g.Weight)
	}
	return cfg
}
