package phantomjs

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
)

// scalePNG shrinks a PNG to fit within maxW x maxH, keeping its aspect
// ratio. Smaller images are returned unchanged.
func scalePNG(data []byte, maxW, maxH int) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return data, nil
	}
	ratio := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	dw, dh := max(1, int(float64(w)*ratio)), max(1, int(float64(h)*ratio))

	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < dh; y++ {
		sy := b.Min.Y + y*h/dh
		for x := 0; x < dw; x++ {
			dst.Set(x, y, src.At(b.Min.X+x*w/dw, sy))
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}
