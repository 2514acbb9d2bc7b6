package outpaint

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// SaveOutputs persists raw backend image bytes under the request's naming
// convention and returns the written paths in order. Adapters call this after
// retrieving results; the dispatcher and queue manager never touch files.
func SaveOutputs(req OutpaintRequest, images [][]byte) ([]string, error) {
	if len(images) == 0 {
		return nil, NewRemoteRejectedError("backend returned no images")
	}
	outDir := req.OutputDir()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("cannot create output folder %s: %s", outDir, err))
	}

	paths := make([]string, 0, len(images))
	for idx, raw := range images {
		target := req.OutputPath(idx+1, len(images))
		if _, err := os.Stat(target); err == nil {
			if !req.AllowReprocess {
				// an earlier duplicate check normally catches this; keep
				// the existing file rather than clobbering it
				paths = append(paths, target)
				continue
			}
			if req.ReprocessMode == ReprocessModeIncrement {
				next, err := nextAvailablePath(target)
				if err != nil {
					return nil, NewConfigurationError(err.Error())
				}
				target = next
			}
		}
		if err := writeImage(target, raw, req.OutputFormat); err != nil {
			return nil, err
		}
		paths = append(paths, target)
	}
	return paths, nil
}

// nextAvailablePath finds the first free {stem}_{k}{ext} sibling, k from 2.
func nextAvailablePath(path string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	dir := filepath.Dir(path)
	for k := 2; k < 1000; k++ {
		cand := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, k, ext))
		if _, err := os.Stat(cand); os.IsNotExist(err) {
			return cand, nil
		}
	}
	return "", fmt.Errorf("too many versions of %s", filepath.Base(path))
}

// writeImage normalizes the bytes to the requested format. webp passes
// through untouched since the backends already encode it and the toolchain
// has no webp encoder.
func writeImage(target string, raw []byte, format string) error {
	if format == "webp" {
		if err := os.WriteFile(target, raw, 0o644); err != nil {
			return NewConfigurationError(fmt.Sprintf("cannot write %s: %s", target, err))
		}
		return nil
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return NewRemoteRejectedError(fmt.Sprintf("backend returned undecodable image: %s", err))
	}
	var encoded bytes.Buffer
	switch format {
	case "jpeg":
		err = imaging.Encode(&encoded, img, imaging.JPEG, imaging.JPEGQuality(95))
	default:
		err = imaging.Encode(&encoded, img, imaging.PNG)
	}
	if err != nil {
		return NewConfigurationError(fmt.Sprintf("cannot encode %s output: %s", format, err))
	}
	if err := os.WriteFile(target, encoded.Bytes(), 0o644); err != nil {
		return NewConfigurationError(fmt.Sprintf("cannot write %s: %s", target, err))
	}
	return nil
}
