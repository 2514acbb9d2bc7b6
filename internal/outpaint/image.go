package outpaint

import (
	"fmt"
	"image"
	"os"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const maxInputSide = 4096

// InspectInputImage reads the image header and enforces the source size
// limit. Decoding the full pixel data is left to the adapters.
func InspectInputImage(path string) (width, height int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, NewConfigurationError(fmt.Sprintf("cannot open image: %s", err))
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, NewConfigurationError(fmt.Sprintf("cannot read image %s: %s", path, err))
	}
	if cfg.Width*cfg.Height > maxInputSide*maxInputSide {
		return 0, 0, NewConfigurationError(fmt.Sprintf("image too large: %dx%d (max %dx%d)", cfg.Width, cfg.Height, maxInputSide, maxInputSide))
	}
	return cfg.Width, cfg.Height, nil
}
