package falai

import (
	"bytes"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/seefan21/outpaint-batch/internal/outpaint"
)

const maxUploadSide = 4096

// encodeUploadJPEG prepares the source image for the upload host: downscale
// anything over 4096px, flatten transparency onto white, encode JPEG q85.
func encodeUploadJPEG(imagePath string) ([]byte, error) {
	img, err := imaging.Open(imagePath)
	if err != nil {
		return nil, outpaint.NewConfigurationError("cannot read image: " + err.Error())
	}
	bounds := img.Bounds()
	if bounds.Dx() > maxUploadSide || bounds.Dy() > maxUploadSide {
		img = imaging.Fit(img, maxUploadSide, maxUploadSide, imaging.Lanczos)
	}
	if hasAlpha(img) {
		background := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), color.White)
		img = imaging.Overlay(background, img, image.Pt(0, 0), 1.0)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, outpaint.NewConfigurationError("cannot encode upload image: " + err.Error())
	}
	return buf.Bytes(), nil
}

func hasAlpha(img image.Image) bool {
	switch img.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.RGBA, *image.RGBA64, *image.Paletted:
		return !opaque(img)
	}
	return false
}

func opaque(img image.Image) bool {
	type opaquer interface {
		Opaque() bool
	}
	if o, ok := img.(opaquer); ok {
		return o.Opaque()
	}
	return true
}
