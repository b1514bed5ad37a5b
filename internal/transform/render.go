package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"strings"

	"golang.org/x/image/draw"

	"github.com/dharsanguruparan/mediaguard/internal/imaging"
)

const (
	// MaxDimension bounds requested output sizes.
	MaxDimension   = 5000
	defaultQuality = 85
)

var (
	ErrUnsupportedFormat = errors.New("unsupported output format")
	ErrTooLarge          = errors.New("requested dimensions too large")
	ErrDecode            = errors.New("cannot decode source image")
)

var padColor = color.White

// render decodes src, applies o and encodes the result.
func render(src []byte, o imaging.Options) (*Rendition, error) {
	if o.Width > MaxDimension || o.Height > MaxDimension {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooLarge, o.Width, o.Height)
	}
	img, srcFormat, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	format, err := outputFormat(o.Format, srcFormat)
	if err != nil {
		return nil, err
	}

	out, err := transformImage(img, o)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, out)
	case "gif":
		err = gif.Encode(&buf, out, nil)
	default:
		q := o.Quality
		if q <= 0 {
			q = defaultQuality
		}
		err = jpeg.Encode(&buf, out, &jpeg.Options{Quality: q})
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	b := out.Bounds()
	return newRendition(buf.Bytes(), "image/"+format, b.Dx(), b.Dy()), nil
}

func outputFormat(requested, source string) (string, error) {
	f := strings.ToLower(requested)
	if f == "" {
		f = source
	}
	switch f {
	case "jpg", "jpeg":
		return "jpeg", nil
	case "png", "gif":
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
}

// transformImage applies the crop box, then fits the result into the target
// box according to the resize mode. A target box derived from the request
// may not exceed MaxDimension on either side.
func transformImage(img image.Image, o imaging.Options) (image.Image, error) {
	src := cropBox(img.Bounds(), o.Crop)
	sw, sh := float64(src.Dx()), float64(src.Dy())
	if sw == 0 || sh == 0 {
		return img, nil
	}

	w, h := float64(o.Width), float64(o.Height)
	switch {
	case w == 0 && h == 0:
		w, h = sw, sh
	case w == 0:
		w = h * sw / sh
	case h == 0:
		h = w * sh / sw
	}
	if (o.Width > 0 || o.Height > 0) && (round(w) > MaxDimension || round(h) > MaxDimension) {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooLarge, round(w), round(h))
	}

	mode := o.Mode
	if mode == "" {
		mode = imaging.ModeCrop
	}

	switch mode {
	case imaging.ModeStretch:
		return scale(img, src, round(w), round(h)), nil
	case imaging.ModeMax:
		f := math.Min(w/sw, h/sh)
		return scale(img, src, round(sw*f), round(sh*f)), nil
	case imaging.ModeMin:
		f := math.Min(math.Max(w/sw, h/sh), 1)
		return scale(img, src, round(sw*f), round(sh*f)), nil
	case imaging.ModePad, imaging.ModeBoxPad:
		f := math.Min(w/sw, h/sh)
		if mode == imaging.ModeBoxPad && f > 1 {
			f = 1
		}
		return pad(img, src, round(w), round(h), round(sw*f), round(sh*f), o.Anchor), nil
	default:
		f := math.Max(w/sw, h/sh)
		cw, ch := w/f, h/f
		x := position(sw, cw, o.FocalPoint, o.Anchor, true)
		y := position(sh, ch, o.FocalPoint, o.Anchor, false)
		r := image.Rect(
			src.Min.X+round(x), src.Min.Y+round(y),
			src.Min.X+round(x+cw), src.Min.Y+round(y+ch),
		).Intersect(src)
		return scale(img, r, round(w), round(h)), nil
	}
}

// cropBox trims the given fractions from each edge of b.
func cropBox(b image.Rectangle, c *imaging.Coordinates) image.Rectangle {
	if c == nil {
		return b
	}
	w, h := float64(b.Dx()), float64(b.Dy())
	r := image.Rect(
		b.Min.X+round(clamp01(c.X1)*w),
		b.Min.Y+round(clamp01(c.Y1)*h),
		b.Max.X-round(clamp01(c.X2)*w),
		b.Max.Y-round(clamp01(c.Y2)*h),
	)
	if r.Empty() {
		return b
	}
	return r
}

// position returns the offset of a window of size inner inside outer. A focal
// point centres the window on it; otherwise the anchor decides.
func position(outer, inner float64, fp *imaging.FocalPoint, anchor imaging.CropAnchor, horizontal bool) float64 {
	slack := outer - inner
	if slack <= 0 {
		return 0
	}
	if fp != nil {
		c := fp.Top
		if horizontal {
			c = fp.Left
		}
		return math.Max(0, math.Min(slack, clamp01(c)*outer-inner/2))
	}
	a := string(anchor)
	if horizontal {
		switch {
		case strings.HasSuffix(a, "left"):
			return 0
		case strings.HasSuffix(a, "right"):
			return slack
		}
		return slack / 2
	}
	switch {
	case strings.HasPrefix(a, "top"):
		return 0
	case strings.HasPrefix(a, "bottom"):
		return slack
	}
	return slack / 2
}

func scale(img image.Image, src image.Rectangle, w, h int) image.Image {
	w, h = max(w, 1), max(h, 1)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst
}

func pad(img image.Image, src image.Rectangle, w, h, iw, ih int, anchor imaging.CropAnchor) image.Image {
	w, h = max(w, 1), max(h, 1)
	iw, ih = min(max(iw, 1), w), min(max(ih, 1), h)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(padColor), image.Point{}, draw.Src)
	x := round(position(float64(w), float64(iw), nil, anchor, true))
	y := round(position(float64(h), float64(ih), nil, anchor, false))
	draw.CatmullRom.Scale(dst, image.Rect(x, y, x+iw, y+ih), img, src, draw.Over, nil)
	return dst
}

func round(f float64) int { return int(math.Round(f)) }

func clamp01(f float64) float64 { return math.Max(0, math.Min(1, f)) }
