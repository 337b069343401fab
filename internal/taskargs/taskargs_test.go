package taskargs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canonicalRequest() Request {
	req := DefaultRequest()
	req.Prompt = "a cat"
	req.ImageSeed = 12345
	req.SeedRandom = false
	return req
}

// roundtrip normalizes a vector through JSON so in-process ints compare
// equal to the float64 values a decode produces.
func roundtrip(t *testing.T, args []any) []any {
	t.Helper()
	data, err := json.Marshal(args)
	require.NoError(t, err)
	var out []any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestBuildMatchesGolden(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("testdata", "canonical_args.json"))
	require.NoError(t, err)

	var golden []any
	require.NoError(t, json.Unmarshal(raw, &golden))
	require.Len(t, golden, ExpectedLength)

	got := roundtrip(t, Build(canonicalRequest()))
	assert.Equal(t, golden, got)
}

func TestBuildValidateRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  func() Request
	}{
		{"defaults", DefaultRequest},
		{"canonical", canonicalRequest},
		{"with loras", func() Request {
			req := DefaultRequest()
			req.Loras = []LoraConfig{{Enabled: true, Name: "detail.safetensors", Weight: 0.7}}
			return req
		}},
		{"odd strings", func() Request {
			req := DefaultRequest()
			req.Prompt = "über-prompt \"quoted\""
			req.StyleSelections = []string{}
			return req
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			args := Build(tc.req())
			require.Len(t, args, ExpectedLength)
			assert.NoError(t, Validate(args))
			// The decoded form must validate too.
			assert.NoError(t, Validate(roundtrip(t, args)))
		})
	}
}

func TestAspectRatioNormalization(t *testing.T) {
	for _, sep := range []string{"*", "x", "X"} {
		req := DefaultRequest()
		req.AspectRatiosSelection = "1152" + sep + "896"
		args := Build(req)
		assert.Equal(t, "1152×896", args[IdxAspectRatio], "separator %q", sep)
	}
}

func TestLoraPaddingAndTruncation(t *testing.T) {
	req := DefaultRequest()
	req.Loras = []LoraConfig{
		{Enabled: true, Name: "a", Weight: 0.5},
		{Enabled: true, Name: "b", Weight: 1.5},
	}
	args := Build(req)

	assert.Equal(t, true, args[IdxLoraStart])
	assert.Equal(t, "a", args[IdxLoraStart+1])
	assert.Equal(t, 0.5, args[IdxLoraStart+2])

	// Unfilled slots carry the disabled default triple.
	for i := 2; i < LoraSlotCount; i++ {
		base := IdxLoraStart + i*3
		assert.Equal(t, false, args[base])
		assert.Equal(t, "None", args[base+1])
		assert.Equal(t, 1.0, args[base+2])
	}

	// A seventh LoRA is silently dropped.
	for i := 0; i < 7; i++ {
		req.Loras = append(req.Loras, LoraConfig{Name: "x"})
	}
	assert.Len(t, Build(req), ExpectedLength)
}

func TestClosedSetFallback(t *testing.T) {
	req := DefaultRequest()
	req.RefinerSwapMethod = "sideways"
	req.MetadataScheme = "exif"
	args := Build(req)
	assert.Equal(t, "joint", args[IdxRefinerSwapMethod])
	assert.Equal(t, "fooocus", args[IdxMetadataScheme])

	req.RefinerSwapMethod = "vae"
	req.MetadataScheme = "a1111"
	args = Build(req)
	assert.Equal(t, "vae", args[IdxRefinerSwapMethod])
	assert.Equal(t, "a1111", args[IdxMetadataScheme])
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]any)
		wantErr string
	}{
		{"short vector", func(a []any) {}, "length"},
		{"prompt not string", func(a []any) { a[IdxPrompt] = 7 }, "prompt"},
		{"styles not strings", func(a []any) { a[IdxStyles] = []any{"ok", 3} }, "style_selections"},
		{"seed not number", func(a []any) { a[IdxSeed] = "12345" }, "image_seed"},
		{"grid not bool", func(a []any) { a[IdxImageGrid] = "false" }, "generate_image_grid"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			args := Build(DefaultRequest())
			if tc.name == "short vector" {
				args = args[:ExpectedLength-1]
			} else {
				tc.mutate(args)
			}
			err := Validate(args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateVersion(t *testing.T) {
	args := Build(DefaultRequest())
	assert.NoError(t, ValidateVersion(ContractVersion, args))

	err := ValidateVersion(ContractVersion+1, args)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContractMismatch)
}

func TestRequestJSONDecodeKeepsDefaults(t *testing.T) {
	req := DefaultRequest()
	require.NoError(t, json.Unmarshal([]byte(`{"prompt":"hills","image_number":4}`), &req))
	assert.Equal(t, "hills", req.Prompt)
	assert.Equal(t, 4, req.ImageNumber)
	assert.Equal(t, "Speed", req.PerformanceSelection)
	assert.Equal(t, "dpmpp_2m_sde_gpu", req.SamplerName)
	assert.True(t, req.SeedRandom)
}
