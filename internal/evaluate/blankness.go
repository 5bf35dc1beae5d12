package evaluate

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

// Deviation decodes a JPEG screenshot, samples it on a grid x grid lattice and
// returns the mean absolute per-channel distance of the samples from their mean
// colour, on the 0-255 scale. A uniformly coloured page scores close to zero.
func Deviation(screenshot []byte, grid int) (float64, error) {
	img, err := jpeg.Decode(bytes.NewReader(screenshot))
	if err != nil {
		return 0, fmt.Errorf("decode screenshot: %w", err)
	}
	return imageDeviation(img, grid)
}

// isBlank reports whether a page measured at deviation counts as blank. A deviation
// equal to the threshold is content.
func isBlank(deviation, threshold float64) bool {
	return deviation < threshold
}

func imageDeviation(img image.Image, grid int) (float64, error) {
	if grid < 1 {
		grid = 1
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0, errors.New("empty screenshot")
	}

	samples := make([][3]float64, 0, grid*grid)
	var sum [3]float64
	for gy := 0; gy < grid; gy++ {
		y := b.Min.Y + min(h-1, (2*gy+1)*h/(2*grid))
		for gx := 0; gx < grid; gx++ {
			x := b.Min.X + min(w-1, (2*gx+1)*w/(2*grid))
			r, g, bl, _ := img.At(x, y).RGBA()
			px := [3]float64{float64(r >> 8), float64(g >> 8), float64(bl >> 8)}
			for c := range px {
				sum[c] += px[c]
			}
			samples = append(samples, px)
		}
	}

	n := float64(len(samples))
	mean := [3]float64{sum[0] / n, sum[1] / n, sum[2] / n}
	var dev float64
	for _, px := range samples {
		for c := range px {
			d := px[c] - mean[c]
			if d < 0 {
				d = -d
			}
			dev += d
		}
	}
	return dev / (3 * n), nil
}
