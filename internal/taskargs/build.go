package taskargs

import (
	"strings"

	"github.com/samber/lo"
)

// LoraConfig is one user-selected LoRA slot.
type LoraConfig struct {
	Enabled bool    `json:"enabled"`
	Name    string  `json:"name"`
	Weight  float64 `json:"weight"`
}

// Request is the structured generation request accepted over HTTP. Decode
// JSON into DefaultRequest() so absent fields keep their typed defaults.
type Request struct {
	Prompt               string       `json:"prompt"`
	NegativePrompt       string       `json:"negative_prompt"`
	StyleSelections      []string     `json:"style_selections"`
	PerformanceSelection string       `json:"performance_selection"`
	AspectRatiosSelection string      `json:"aspect_ratios_selection"`
	ImageNumber          int          `json:"image_number"`
	ImageSeed            int64        `json:"image_seed"`
	SeedRandom           bool         `json:"seed_random"`
	ImageSharpness       float64      `json:"image_sharpness"`
	GuidanceScale        float64      `json:"guidance_scale"`
	BaseModelName        string       `json:"base_model_name"`
	RefinerModelName     string       `json:"refiner_model_name"`
	RefinerSwitch        float64      `json:"refiner_switch"`
	SamplerName          string       `json:"sampler_name"`
	SchedulerName        string       `json:"scheduler_name"`
	VaeName              string       `json:"vae_name"`
	OutputFormat         string       `json:"output_format"`
	ClipSkip             int          `json:"clip_skip"`
	Loras                []LoraConfig `json:"loras"`
	AdaptiveCfg          float64      `json:"adaptive_cfg"`
	OverwriteStep        int          `json:"overwrite_step"`
	OverwriteSwitch      int          `json:"overwrite_switch"`
	OverwriteWidth       int          `json:"overwrite_width"`
	OverwriteHeight      int          `json:"overwrite_height"`
	DisableSeedIncrement bool         `json:"disable_seed_increment"`
	AdmScalerPositive    float64      `json:"adm_scaler_positive"`
	AdmScalerNegative    float64      `json:"adm_scaler_negative"`
	AdmScalerEnd         float64      `json:"adm_scaler_end"`
	RefinerSwapMethod    string       `json:"refiner_swap_method"`
	ControlNetSoftness   float64      `json:"controlnet_softness"`
	FreeUEnabled         bool         `json:"freeu_enabled"`
	FreeUB1              float64      `json:"freeu_b1"`
	FreeUB2              float64      `json:"freeu_b2"`
	FreeUS1              float64      `json:"freeu_s1"`
	FreeUS2              float64      `json:"freeu_s2"`
	SaveMetadataToImages bool         `json:"save_metadata_to_images"`
	MetadataScheme       string       `json:"metadata_scheme"`
}

// DefaultRequest returns a Request carrying the schema defaults, so that a
// JSON body only overrides what it names.
func DefaultRequest() Request {
	return Request{
		StyleSelections:       []string{"Fooocus V2", "Fooocus Enhance", "Fooocus Sharp"},
		PerformanceSelection:  schema[IdxPerformance].Default.(string),
		AspectRatiosSelection: schema[IdxAspectRatio].Default.(string),
		ImageNumber:           1,
		ImageSeed:             -1,
		SeedRandom:            true,
		ImageSharpness:        schema[IdxSharpness].Default.(float64),
		GuidanceScale:         schema[IdxGuidance].Default.(float64),
		BaseModelName:         schema[IdxBaseModel].Default.(string),
		RefinerModelName:      schema[IdxRefinerModel].Default.(string),
		RefinerSwitch:         schema[IdxRefinerSwitch].Default.(float64),
		SamplerName:           schema[IdxSampler].Default.(string),
		SchedulerName:         schema[IdxScheduler].Default.(string),
		VaeName:               schema[IdxVae].Default.(string),
		OutputFormat:          schema[IdxOutputFormat].Default.(string),
		ClipSkip:              2,
		AdaptiveCfg:           schema[IdxAdaptiveCfg].Default.(float64),
		OverwriteStep:         -1,
		OverwriteSwitch:       -1,
		OverwriteWidth:        -1,
		OverwriteHeight:       -1,
		AdmScalerPositive:     schema[IdxAdmScalerPositive].Default.(float64),
		AdmScalerNegative:     schema[IdxAdmScalerNegative].Default.(float64),
		AdmScalerEnd:          schema[IdxAdmScalerEnd].Default.(float64),
		RefinerSwapMethod:     RefinerSwapMethods[0],
		ControlNetSoftness:    schema[IdxControlNetSoftness].Default.(float64),
		FreeUB1:               schema[IdxFreeUB1].Default.(float64),
		FreeUB2:               schema[IdxFreeUB2].Default.(float64),
		FreeUS1:               schema[IdxFreeUS1].Default.(float64),
		FreeUS2:               schema[IdxFreeUS2].Default.(float64),
		SaveMetadataToImages:  true,
		MetadataScheme:        MetadataSchemes[0],
	}
}

// NormalizeAspectRatio rewrites any of the separators "x", "X" and "*" to
// the multiplication sign the worker splits on.
func NormalizeAspectRatio(s string) string {
	return strings.NewReplacer("x", "×", "X", "×", "*", "×").Replace(s)
}

// Build translates a Request into the versioned positional vector. Build
// never fails: every position has a typed default and out-of-set strings
// fall back to their default.
func Build(req Request) []any {
	args := make([]any, ExpectedLength)
	for i, f := range schema {
		args[i] = f.Default
	}

	args[IdxPrompt] = req.Prompt
	args[IdxNegative] = req.NegativePrompt
	if req.StyleSelections != nil {
		args[IdxStyles] = req.StyleSelections
	}
	args[IdxPerformance] = req.PerformanceSelection
	args[IdxAspectRatio] = NormalizeAspectRatio(req.AspectRatiosSelection)
	if req.ImageNumber > 0 {
		args[IdxImageCount] = req.ImageNumber
	}
	if req.OutputFormat != "" {
		args[IdxOutputFormat] = req.OutputFormat
	}
	args[IdxSeed] = req.ImageSeed
	args[IdxSeedRandom] = req.SeedRandom
	args[IdxSharpness] = req.ImageSharpness
	args[IdxGuidance] = req.GuidanceScale
	args[IdxBaseModel] = req.BaseModelName
	args[IdxRefinerModel] = req.RefinerModelName
	args[IdxRefinerSwitch] = req.RefinerSwitch

	// LoRA list padded or truncated to the fixed slot count.
	for i := 0; i < LoraSlotCount; i++ {
		base := IdxLoraStart + i*3
		if i < len(req.Loras) {
			args[base] = req.Loras[i].Enabled
			args[base+1] = req.Loras[i].Name
			args[base+2] = req.Loras[i].Weight
		}
	}

	args[IdxDisableSeedIncrement] = req.DisableSeedIncrement
	args[IdxAdmScalerPositive] = req.AdmScalerPositive
	args[IdxAdmScalerNegative] = req.AdmScalerNegative
	args[IdxAdmScalerEnd] = req.AdmScalerEnd
	args[IdxAdaptiveCfg] = req.AdaptiveCfg
	args[IdxClipSkip] = req.ClipSkip
	if req.SamplerName != "" {
		args[IdxSampler] = req.SamplerName
	}
	if req.SchedulerName != "" {
		args[IdxScheduler] = req.SchedulerName
	}
	if req.VaeName != "" {
		args[IdxVae] = req.VaeName
	}
	args[IdxOverwriteStep] = req.OverwriteStep
	args[IdxOverwriteSwitch] = req.OverwriteSwitch
	args[IdxOverwriteWidth] = req.OverwriteWidth
	args[IdxOverwriteHeight] = req.OverwriteHeight
	if lo.Contains(RefinerSwapMethods, req.RefinerSwapMethod) {
		args[IdxRefinerSwapMethod] = req.RefinerSwapMethod
	}
	args[IdxControlNetSoftness] = req.ControlNetSoftness
	args[IdxFreeUEnabled] = req.FreeUEnabled
	args[IdxFreeUB1] = req.FreeUB1
	args[IdxFreeUB2] = req.FreeUB2
	args[IdxFreeUS1] = req.FreeUS1
	args[IdxFreeUS2] = req.FreeUS2
	args[IdxSaveMetadata] = req.SaveMetadataToImages
	if lo.Contains(MetadataSchemes, req.MetadataScheme) {
		args[IdxMetadataScheme] = req.MetadataScheme
	}

	return args
}
