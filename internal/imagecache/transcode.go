package imagecache

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Transcode decodes src, scales it to fit within maxDim on its longest side
// (never upscaling) and encodes it as JPEG.
func Transcode(src []byte, maxDim, quality int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("decode image: empty bounds %dx%d", w, h)
	}
	tw, th := fitWithin(w, h, maxDim)

	// Draw onto white so transparent PNG/WebP previews do not turn black.
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return out.Bytes(), nil
}

// TranscodeFile is Transcode over a file on disk.
func TranscodeFile(path string, maxDim, quality int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Transcode(raw, maxDim, quality)
}

func fitWithin(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		th := h * maxDim / w
		if th < 1 {
			th = 1
		}
		return maxDim, th
	}
	tw := w * maxDim / h
	if tw < 1 {
		tw = 1
	}
	return tw, maxDim
}
