package taskargs

import "fmt"

// ContractVersion is bumped whenever an index or its semantics changes.
// The worker refuses generate calls carrying any other version.
const ContractVersion = 1

// ExpectedLength is the exact number of positions in the args vector.
const ExpectedLength = 152

// LoraSlotCount is the fixed number of LoRA triples in the vector.
const LoraSlotCount = 5

const (
	controlNetImageCount = 4
	enhanceTabCount      = 3
)

// Kind classifies the value a position may hold.
type Kind int

const (
	// KindAny accepts anything, including nil. Used for image payload
	// positions the backend never fills.
	KindAny Kind = iota
	KindBool
	KindString
	KindStrings
	KindNumber
)

// Field describes one position of the args vector. The schema below is the
// single source of truth: the builder emits defaults from it and the
// validator enforces the Kind of every position marked checked.
type Field struct {
	Name    string
	Kind    Kind
	Default any
	// checked positions are type-enforced on both producer and consumer
	// sides; the remainder are carried opaquely to the worker.
	Checked bool
}

// Index constants for the positions the builder overrides per request.
const (
	IdxImageGrid     = 0
	IdxPrompt        = 1
	IdxNegative      = 2
	IdxStyles        = 3
	IdxPerformance   = 4
	IdxAspectRatio   = 5
	IdxImageCount    = 6
	IdxOutputFormat  = 7
	IdxSeed          = 8
	IdxSeedRandom    = 9
	IdxSharpness     = 10
	IdxGuidance      = 11
	IdxBaseModel     = 12
	IdxRefinerModel  = 13
	IdxRefinerSwitch = 14
	IdxLoraStart     = 15

	IdxDisableSeedIncrement = 40
	IdxAdmScalerPositive    = 42
	IdxAdmScalerNegative    = 43
	IdxAdmScalerEnd         = 44
	IdxAdaptiveCfg          = 45
	IdxClipSkip             = 46
	IdxSampler              = 47
	IdxScheduler            = 48
	IdxVae                  = 49
	IdxOverwriteStep        = 50
	IdxOverwriteSwitch      = 51
	IdxOverwriteWidth       = 52
	IdxOverwriteHeight      = 53
	IdxRefinerSwapMethod    = 62
	IdxControlNetSoftness   = 63
	IdxFreeUEnabled         = 64
	IdxFreeUB1              = 65
	IdxFreeUB2              = 66
	IdxFreeUS1              = 67
	IdxFreeUS2              = 68
	IdxSaveMetadata         = 78
	IdxMetadataScheme       = 79
)

// Closed-set options. Out-of-set user values fall back to the first entry.
var (
	RefinerSwapMethods = []string{"joint", "separate", "vae"}
	MetadataSchemes    = []string{"fooocus", "a1111"}
)

// Schema returns the full positional table. Callers must not mutate the
// returned slice; Build copies defaults before overriding.
func Schema() []Field {
	return schema
}

var schema = buildSchema()

func buildSchema() []Field {
	s := make([]Field, 0, ExpectedLength)

	add := func(name string, kind Kind, def any, checked bool) {
		s = append(s, Field{Name: name, Kind: kind, Default: def, Checked: checked})
	}

	// 0..14: the user-facing head of the vector. These positions carry the
	// checked contract of spec version 1.
	add("generate_image_grid", KindBool, false, true)
	add("prompt", KindString, "", true)
	add("negative_prompt", KindString, "", true)
	add("style_selections", KindStrings, []string{}, true)
	add("performance_selection", KindString, "Speed", true)
	add("aspect_ratios_selection", KindString, "1024×1024", true)
	add("image_number", KindNumber, 1, true)
	add("output_format", KindString, "png", true)
	add("image_seed", KindNumber, -1, true)
	add("seed_random", KindBool, true, true)
	add("image_sharpness", KindNumber, 2.0, true)
	add("guidance_scale", KindNumber, 4.0, true)
	add("base_model_name", KindString, "juggernautXL_v8Rundiffusion.safetensors", true)
	add("refiner_model_name", KindString, "None", true)
	add("refiner_switch", KindNumber, 0.5, true)

	// 15..29: five LoRA triples.
	for i := 0; i < LoraSlotCount; i++ {
		add(fmt.Sprintf("lora_%d_enabled", i+1), KindBool, false, false)
		add(fmt.Sprintf("lora_%d_name", i+1), KindString, "None", false)
		add(fmt.Sprintf("lora_%d_weight", i+1), KindNumber, 1.0, false)
	}

	// 30..79: fixed mid block. Image payload positions stay nil; everything
	// else carries the compile-time defaults of the worker UI.
	add("input_image_checkbox", KindBool, false, false)
	add("current_tab", KindString, "uov", false)
	add("uov_method", KindString, "Disabled", false)
	add("uov_input_image", KindAny, nil, false)
	add("outpaint_selections", KindStrings, []string{}, false)
	add("inpaint_input_image", KindAny, nil, false)
	add("inpaint_additional_prompt", KindString, "", false)
	add("inpaint_mask_image_upload", KindAny, nil, false)
	add("disable_preview", KindBool, false, false)
	add("disable_intermediate_results", KindBool, false, false)
	add("disable_seed_increment", KindBool, false, false)
	add("black_out_nsfw", KindBool, false, false)
	add("adm_scaler_positive", KindNumber, 1.5, false)
	add("adm_scaler_negative", KindNumber, 0.8, false)
	add("adm_scaler_end", KindNumber, 0.3, false)
	add("adaptive_cfg", KindNumber, 7.0, false)
	add("clip_skip", KindNumber, 2, false)
	add("sampler_name", KindString, "dpmpp_2m_sde_gpu", false)
	add("scheduler_name", KindString, "karras", false)
	add("vae_name", KindString, "Default (model)", false)
	add("overwrite_step", KindNumber, -1, false)
	add("overwrite_switch", KindNumber, -1, false)
	add("overwrite_width", KindNumber, -1, false)
	add("overwrite_height", KindNumber, -1, false)
	add("overwrite_vary_strength", KindNumber, -1, false)
	add("overwrite_upscale_strength", KindNumber, -1, false)
	add("mixing_image_prompt_and_vary_upscale", KindBool, false, false)
	add("mixing_image_prompt_and_inpaint", KindBool, false, false)
	add("debugging_cn_preprocessor", KindBool, false, false)
	add("skipping_cn_preprocessor", KindBool, false, false)
	add("canny_low_threshold", KindNumber, 64, false)
	add("canny_high_threshold", KindNumber, 128, false)
	add("refiner_swap_method", KindString, RefinerSwapMethods[0], false)
	add("controlnet_softness", KindNumber, 0.25, false)
	add("freeu_enabled", KindBool, false, false)
	add("freeu_b1", KindNumber, 1.1, false)
	add("freeu_b2", KindNumber, 1.2, false)
	add("freeu_s1", KindNumber, 0.9, false)
	add("freeu_s2", KindNumber, 0.2, false)
	add("debugging_inpaint_preprocessor", KindBool, false, false)
	add("inpaint_disable_initial_latent", KindBool, false, false)
	add("inpaint_engine", KindString, "None", false)
	add("inpaint_strength", KindNumber, 1.0, false)
	add("inpaint_respective_field", KindNumber, 0.0, false)
	add("inpaint_advanced_masking_checkbox", KindBool, false, false)
	add("invert_mask_checkbox", KindBool, false, false)
	add("inpaint_erode_or_dilate", KindNumber, 0, false)
	add("save_final_enhanced_image_only", KindBool, false, false)
	add("save_metadata_to_images", KindBool, true, false)
	add("metadata_scheme", KindString, MetadataSchemes[0], false)

	// 80..95: four ControlNet image entries.
	for i := 0; i < controlNetImageCount; i++ {
		add(fmt.Sprintf("cn_%d_image", i+1), KindAny, nil, false)
		add(fmt.Sprintf("cn_%d_weight", i+1), KindNumber, 1.0, false)
		add(fmt.Sprintf("cn_%d_stop", i+1), KindNumber, 1.0, false)
		add(fmt.Sprintf("cn_%d_type", i+1), KindString, "ImagePrompt", false)
	}

	// 96..103: enhancement control block.
	add("debugging_dino", KindBool, false, false)
	add("dino_erode_or_dilate", KindNumber, 0, false)
	add("debugging_enhance_masks_checkbox", KindBool, false, false)
	add("enhance_input_image", KindAny, nil, false)
	add("enhance_checkbox", KindBool, false, false)
	add("enhance_uov_method", KindString, "Disabled", false)
	add("enhance_uov_processing_order", KindString, "Before First Enhancement", false)
	add("enhance_uov_prompt_type", KindString, "Original Prompts", false)

	// 104..151: three enhancement tabs of sixteen entries each.
	for i := 0; i < enhanceTabCount; i++ {
		p := fmt.Sprintf("enhance_tab_%d_", i+1)
		add(p+"enabled", KindBool, false, false)
		add(p+"mask_dino_prompt", KindString, "", false)
		add(p+"prompt", KindString, "", false)
		add(p+"negative_prompt", KindString, "", false)
		add(p+"mask_model", KindString, "None", false)
		add(p+"mask_cloth_category", KindString, "None", false)
		add(p+"mask_sam_model", KindString, "None", false)
		add(p+"mask_text_threshold", KindNumber, 0.3, false)
		add(p+"mask_box_threshold", KindNumber, 0.25, false)
		add(p+"mask_sam_max_detections", KindNumber, 0, false)
		add(p+"inpaint_disable_initial_latent", KindBool, false, false)
		add(p+"inpaint_engine", KindString, "None", false)
		add(p+"inpaint_strength", KindNumber, 1.0, false)
		add(p+"inpaint_respective_field", KindNumber, 0.618, false)
		add(p+"inpaint_erode_or_dilate", KindNumber, 0, false)
		add(p+"invert_mask", KindBool, false, false)
	}

	if len(s) != ExpectedLength {
		panic(fmt.Sprintf("taskargs: schema has %d positions, want %d", len(s), ExpectedLength))
	}
	return s
}
