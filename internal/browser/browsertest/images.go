package browsertest

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
)

// SolidJPEG encodes a w×h image filled with c.
func SolidJPEG(w, h int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return encode(img)
}

// StripedJPEG encodes a w×h image of alternating black and white horizontal bands,
// each band tall pixels high.
func StripedJPEG(w, h, band int) []byte {
	if band < 1 {
		band = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		c := color.RGBA{A: 255}
		if (y/band)%2 == 1 {
			c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
		}
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return encode(img)
}

func encode(img image.Image) []byte {
	var buf bytes.Buffer
	// Encoding an in-memory RGBA image cannot fail.
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	return buf.Bytes()
}
