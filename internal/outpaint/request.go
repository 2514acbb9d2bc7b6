package outpaint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	ExpandModePixels     = "pixels"
	ExpandModePercentage = "percentage"

	ReprocessModeOverwrite = "overwrite"
	ReprocessModeIncrement = "increment"

	// output sizes above the hard limit fail before any adapter is contacted
	maxOutputPixels  = 100_000_000
	warnOutputPixels = 50_000_000
)

var supportedInputFormats = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".webp": {}, ".bmp": {}, ".tiff": {}, ".tif": {},
}

var supportedOutputFormats = map[string]struct{}{
	"png": {}, "jpeg": {}, "webp": {},
}

var validate = validator.New()

// OutpaintRequest identifies one unit of work. Immutable once created: the
// queue hands copies around and never mutates an admitted request.
type OutpaintRequest struct {
	ID        string `json:"id"`
	ImagePath string `json:"image_path"`

	ZoomOutPercentage int    `json:"zoom_out_percentage" validate:"min=0,max=90"`
	ExpandMode        string `json:"expand_mode" validate:"oneof=pixels percentage"`
	ExpandPercentage  int    `json:"expand_percentage" validate:"min=0,max=200"`
	ExpandLeft        int    `json:"expand_left" validate:"min=0,max=700"`
	ExpandRight       int    `json:"expand_right" validate:"min=0,max=700"`
	ExpandTop         int    `json:"expand_top" validate:"min=0,max=700"`
	ExpandBottom      int    `json:"expand_bottom" validate:"min=0,max=700"`
	NumImages         int    `json:"num_images" validate:"min=1,max=4"`
	Prompt            string `json:"prompt"`

	OutputFormat string `json:"output_format" validate:"oneof=png jpeg webp"`
	OutputSuffix string `json:"output_suffix"`
	// OutputFolder empty means the source image's folder.
	OutputFolder string `json:"output_folder"`

	AllowReprocess bool   `json:"allow_reprocess"`
	ReprocessMode  string `json:"reprocess_mode" validate:"oneof=overwrite increment"`

	EnableSafetyChecker bool `json:"enable_safety_checker"`
}

// Validate checks parameter ranges and the output naming fields. A validation
// failure here is a ConfigurationError: it fails the request before any
// adapter is contacted.
func (r OutpaintRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return NewConfigurationError(err.Error())
	}
	suffix := strings.TrimSpace(r.OutputSuffix)
	if suffix == "" {
		return NewConfigurationError("output_suffix must not be empty")
	}
	if strings.ContainsAny(suffix, "/\\:") || strings.ContainsRune(suffix, 0) {
		return NewConfigurationError("output_suffix contains invalid characters")
	}
	ext := strings.ToLower(filepath.Ext(r.ImagePath))
	if _, ok := supportedInputFormats[ext]; !ok {
		return NewConfigurationError(fmt.Sprintf("unsupported input format: %s", ext))
	}
	if _, err := os.Stat(r.ImagePath); err != nil {
		return NewConfigurationError(fmt.Sprintf("input image not found: %s", r.ImagePath))
	}
	return nil
}

// OutputDir returns the destination folder for this request's outputs.
func (r OutpaintRequest) OutputDir() string {
	if r.OutputFolder != "" {
		return r.OutputFolder
	}
	return filepath.Dir(r.ImagePath)
}

func (r OutpaintRequest) stem() string {
	base := filepath.Base(r.ImagePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// OutputPath returns the conventional path for the idx-th output (1-based):
// {stem}{suffix}.{format} for a single image, {stem}{suffix}_{idx}.{format}
// for several.
func (r OutpaintRequest) OutputPath(idx, total int) string {
	numbered := ""
	if total > 1 {
		numbered = fmt.Sprintf("_%d", idx)
	}
	name := fmt.Sprintf("%s%s%s.%s", r.stem(), r.OutputSuffix, numbered, r.OutputFormat)
	return filepath.Join(r.OutputDir(), name)
}

// ExpectedOutputPaths lists the conventional target paths for all requested
// images, used for duplicate detection before admission.
func (r OutpaintRequest) ExpectedOutputPaths() []string {
	paths := make([]string, 0, r.NumImages)
	for i := 1; i <= r.NumImages; i++ {
		paths = append(paths, r.OutputPath(i, r.NumImages))
	}
	return paths
}

// ResolveExpand converts a percentage-mode request to explicit pixel values
// against the source image dimensions. Pixel-mode requests pass through.
func (r OutpaintRequest) ResolveExpand(width, height int) OutpaintRequest {
	if r.ExpandMode != ExpandModePercentage {
		return r
	}
	pct := float64(r.ExpandPercentage) / 100.0
	r.ExpandLeft = int(float64(width) * pct)
	r.ExpandRight = int(float64(width) * pct)
	r.ExpandTop = int(float64(height) * pct)
	r.ExpandBottom = int(float64(height) * pct)
	r.ExpandMode = ExpandModePixels
	return r
}

// CheckOutputSize verifies the expanded output stays within the pixel budget.
// Returns a warning message for large-but-allowed outputs.
func (r OutpaintRequest) CheckOutputSize(width, height int) (warning string, err error) {
	scale := 1.0
	if r.ZoomOutPercentage > 0 {
		scale = 1.0 / (1.0 - float64(r.ZoomOutPercentage)/100.0)
	}
	newW := int(float64(width)*scale) + r.ExpandLeft + r.ExpandRight
	newH := int(float64(height)*scale) + r.ExpandTop + r.ExpandBottom
	total := newW * newH
	if total > maxOutputPixels {
		return "", NewConfigurationError(fmt.Sprintf("output %dx%d (%.1fMP) exceeds %dMP limit", newW, newH, float64(total)/1e6, maxOutputPixels/1_000_000))
	}
	if total > warnOutputPixels {
		return fmt.Sprintf("large output: %dx%d (%.1fMP), generation may be slow", newW, newH, float64(total)/1e6), nil
	}
	return "", nil
}
