package media

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // ffmpeg may be asked for PNG frames
	"os"

	"golang.org/x/image/draw"
)

type resizeSpec struct {
	maxWidth  int
	maxHeight int
	quality   int
}

// fit returns the size that fits w x h inside the bounds while keeping the aspect ratio.
// Images already inside the bounds are never enlarged.
func (r resizeSpec) fit(w, h int) (int, int) {
	if w <= r.maxWidth && h <= r.maxHeight {
		return w, h
	}
	scale := min(float64(r.maxWidth)/float64(w), float64(r.maxHeight)/float64(h))
	nw := max(int(float64(w)*scale+0.5), 1)
	nh := max(int(float64(h)*scale+0.5), 1)
	return nw, nh
}

// scale returns src resized to fit the bounds.
func (r resizeSpec) scale(src image.Image) image.Image {
	b := src.Bounds()
	w, h := r.fit(b.Dx(), b.Dy())
	if w == b.Dx() && h == b.Dy() {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// file decodes src, resizes it, and writes a JPEG to dst.
func (r resizeSpec) file(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	img, _, err := image.Decode(in)
	_ = in.Close()
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return errors.New("frame has no pixels")
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(out, r.scale(img), &jpeg.Options{Quality: r.quality}); err != nil {
		_ = out.Close()
		return fmt.Errorf("encode frame: %w", err)
	}
	return out.Close()
}
