package webrun

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// compressFrame downscales a base64 screenshot to at most maxWidth pixels
// wide and re-encodes it as JPEG at quality. A zero maxWidth keeps the size.
func compressFrame(frame string, maxWidth, quality int) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}
	img := src
	if b := src.Bounds(); maxWidth > 0 && b.Dx() > maxWidth {
		h := b.Dy() * maxWidth / b.Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		img = dst
	}
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.Bytes()), nil
}
