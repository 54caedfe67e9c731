// Package photo normalizes uploaded evidence photographs: decode, bound the
// dimensions, re-encode as JPEG and wrap the result in a portable inline
// data URI. Keeping images inline is what lets the whole store travel as a
// single snapshot document.
package photo

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// Normalizer re-encodes photos to a bounded JPEG.
type Normalizer struct {
	// MaxDim bounds the longest edge; smaller images pass through unscaled.
	MaxDim int
	// Quality is the JPEG quality (1-100).
	Quality int
}

// New returns a Normalizer with the given bounds.
func New(maxDim, quality int) *Normalizer {
	return &Normalizer{MaxDim: maxDim, Quality: quality}
}

// Normalize decodes data (JPEG, PNG or WEBP), downsamples it so the longest
// edge does not exceed MaxDim and returns a data:image/jpeg;base64 string.
func (n *Normalizer) Normalize(data []byte, contentType string) (string, error) {
	img, err := decode(data, contentType)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() > n.MaxDim || bounds.Dy() > n.MaxDim {
		img = imaging.Fit(img, n.MaxDim, n.MaxDim, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.Quality)); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decode(data []byte, contentType string) (image.Image, error) {
	if strings.Contains(contentType, "webp") {
		return webp.Decode(bytes.NewReader(data))
	}
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

// DecodeDataURI returns the raw bytes of an inline image produced by
// Normalize. Used by tests and by surfaces that re-serve stored images.
func DecodeDataURI(uri string) ([]byte, error) {
	_, b64, ok := strings.Cut(uri, ";base64,")
	if !ok {
		return nil, fmt.Errorf("not a base64 data uri")
	}
	return base64.StdEncoding.DecodeString(b64)
}
