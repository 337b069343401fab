package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// DefaultVaeOption is always the first VAE choice: use the VAE baked into
// the selected checkpoint.
const DefaultVaeOption = "Default (model)"

// modelExtensions are the file suffixes counted as loadable weights.
var modelExtensions = []string{".safetensors", ".ckpt", ".pth", ".pt", ".bin", ".gguf"}

// pseudoStyles are appended to the style list when the style files do not
// declare them; the worker resolves them dynamically.
var pseudoStyles = []string{"Fooocus V2", "Random Style"}

var (
	Samplers = []string{
		"euler", "euler_ancestral", "heun", "heunpp2", "dpm_2", "dpm_2_ancestral",
		"lms", "dpm_fast", "dpm_adaptive", "dpmpp_2s_ancestral", "dpmpp_sde",
		"dpmpp_sde_gpu", "dpmpp_2m", "dpmpp_2m_sde", "dpmpp_2m_sde_gpu",
		"dpmpp_3m_sde", "dpmpp_3m_sde_gpu", "ddpm", "lcm", "tcd", "restart",
		"ddim", "uni_pc", "uni_pc_bh2",
	}
	Schedulers = []string{
		"normal", "karras", "exponential", "sgm_uniform", "simple", "ddim_uniform",
		"lcm", "turbo", "align_your_steps", "tcd", "edm_playground_v2.5",
	}
	PerformanceOptions = []string{"Quality", "Speed", "Extreme Speed", "Lightning", "Hyper-SD"}
	AspectRatios       = []string{
		"704×1408", "704×1344", "768×1344", "768×1280", "832×1216", "832×1152",
		"896×1152", "896×1088", "960×1088", "960×1024", "1024×1024", "1024×960",
		"1088×960", "1088×896", "1152×896", "1152×832", "1216×832", "1280×768",
		"1344×768", "1344×704", "1408×704", "1472×704", "1536×640", "1600×640",
		"1664×576", "1728×576",
	}
	OutputFormats      = []string{"png", "jpeg", "webp"}
	RefinerSwapMethods = []string{"joint", "separate", "vae"}
	MetadataSchemes    = []string{"fooocus", "a1111"}
)

// Paths names the directories the catalog enumerates. Multiple checkpoint
// and LoRA roots are supported, matching the preset layout on disk.
type Paths struct {
	Checkpoints []string
	Loras       []string
	Vaes        []string
	Styles      string
	Presets     string
}

// Snapshot is the control-population payload served on /settings. It is
// recomputed from disk on every request.
type Snapshot struct {
	Models             []string `json:"models"`
	Loras              []string `json:"loras"`
	Vaes               []string `json:"vaes"`
	Presets            []string `json:"presets"`
	Styles             []string `json:"styles"`
	AspectRatios       []string `json:"aspect_ratios"`
	PerformanceOptions []string `json:"performance_options"`
	Samplers           []string `json:"samplers"`
	Schedulers         []string `json:"schedulers"`
	OutputFormats      []string `json:"output_formats"`
	ClipSkipMax        int      `json:"clip_skip_max"`
	DefaultLoraCount   int      `json:"default_lora_count"`
	RefinerSwapMethods []string `json:"refiner_swap_methods"`
	MetadataSchemes    []string `json:"metadata_schemes"`
}

// Catalog reads the model inventory off the filesystem.
type Catalog struct {
	paths Paths
	log   *zap.SugaredLogger
}

func New(paths Paths, log *zap.SugaredLogger) *Catalog {
	return &Catalog{paths: paths, log: log}
}

// Snapshot walks the configured directories and assembles the payload.
// Missing directories contribute nothing rather than failing the call.
func (c *Catalog) Snapshot() *Snapshot {
	return &Snapshot{
		Models:             c.listModels(c.paths.Checkpoints),
		Loras:              c.listModels(c.paths.Loras),
		Vaes:               append([]string{DefaultVaeOption}, c.listModels(c.paths.Vaes)...),
		Presets:            c.listPresets(),
		Styles:             c.listStyles(),
		AspectRatios:       AspectRatios,
		PerformanceOptions: PerformanceOptions,
		Samplers:           Samplers,
		Schedulers:         Schedulers,
		OutputFormats:      OutputFormats,
		ClipSkipMax:        12,
		DefaultLoraCount:   5,
		RefinerSwapMethods: RefinerSwapMethods,
		MetadataSchemes:    MetadataSchemes,
	}
}

// listModels collects weight files across the given roots, relative to
// their root, sorted and deduplicated.
func (c *Catalog) listModels(roots []string) []string {
	var names []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if !lo.Contains(modelExtensions, strings.ToLower(filepath.Ext(path))) {
				return nil
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = d.Name()
			}
			names = append(names, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			c.log.Debugw("model directory not walkable", "root", root, "err", err)
		}
	}
	names = lo.Uniq(names)
	sort.Strings(names)
	return names
}

// styleFile is one sdxl_styles JSON document: an array of named templates.
type styleFile []struct {
	Name string `json:"name"`
}

// listStyles parses every style file, skipping the ones that fail, and
// guarantees the pseudo styles are present.
func (c *Catalog) listStyles() []string {
	var styles []string
	entries, err := os.ReadDir(c.paths.Styles)
	if err != nil {
		c.log.Debugw("style directory not readable", "dir", c.paths.Styles, "err", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		path := filepath.Join(c.paths.Styles, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			c.log.Warnw("style file unreadable, skipped", "path", path, "err", err)
			continue
		}
		var sf styleFile
		if err := json.Unmarshal(raw, &sf); err != nil {
			c.log.Warnw("style file malformed, skipped", "path", path, "err", err)
			continue
		}
		for _, s := range sf {
			if s.Name != "" {
				styles = append(styles, s.Name)
			}
		}
	}

	styles = lo.Uniq(styles)
	sort.Strings(styles)
	for _, p := range pseudoStyles {
		if !lo.Contains(styles, p) {
			styles = append(styles, p)
		}
	}
	return styles
}

// listPresets returns the preset names, the file stems of presets/*.json.
func (c *Catalog) listPresets() []string {
	entries, err := os.ReadDir(c.paths.Presets)
	if err != nil {
		c.log.Debugw("preset directory not readable", "dir", c.paths.Presets, "err", err)
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
	sort.Strings(names)
	return names
}
