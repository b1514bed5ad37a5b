package imaging

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dharsanguruparan/mediaguard/internal/canonical"
)

// CropMode selects how the engine fits an image into the requested box.
type CropMode string

const (
	ModeCrop    CropMode = "crop"
	ModePad     CropMode = "pad"
	ModeBoxPad  CropMode = "boxpad"
	ModeMin     CropMode = "min"
	ModeMax     CropMode = "max"
	ModeStretch CropMode = "stretch"
)

// CropAnchor positions the image when cropping or padding.
type CropAnchor string

const (
	AnchorCenter      CropAnchor = "center"
	AnchorTop         CropAnchor = "top"
	AnchorRight       CropAnchor = "right"
	AnchorBottom      CropAnchor = "bottom"
	AnchorLeft        CropAnchor = "left"
	AnchorTopLeft     CropAnchor = "topleft"
	AnchorTopRight    CropAnchor = "topright"
	AnchorBottomLeft  CropAnchor = "bottomleft"
	AnchorBottomRight CropAnchor = "bottomright"
)

// Query parameter names understood by the rendering engine.
const (
	ParamCrop        = "cc"
	ParamFormat      = "format"
	ParamHeight      = "height"
	ParamQuality     = "quality"
	ParamAnchor      = "ranchor"
	ParamMode        = "rmode"
	ParamFocalPoint  = "rxy"
	ParamCacheBuster = "v"
	ParamWidth       = "width"
)

var (
	ErrInvalidMode   = errors.New("invalid crop mode")
	ErrInvalidAnchor = errors.New("invalid crop anchor")
)

var modes = map[CropMode]struct{}{
	ModeCrop: {}, ModePad: {}, ModeBoxPad: {}, ModeMin: {}, ModeMax: {}, ModeStretch: {},
}

var anchors = map[CropAnchor]struct{}{
	AnchorCenter: {}, AnchorTop: {}, AnchorRight: {}, AnchorBottom: {}, AnchorLeft: {},
	AnchorTopLeft: {}, AnchorTopRight: {}, AnchorBottomLeft: {}, AnchorBottomRight: {},
}

// ParseCropMode accepts mode names in any case. Empty input yields "".
func ParseCropMode(s string) (CropMode, error) {
	m := CropMode(strings.ToLower(strings.TrimSpace(s)))
	if m == "" {
		return "", nil
	}
	if _, ok := modes[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	return m, nil
}

// ParseCropAnchor accepts anchor names in any case. Empty input yields "".
func ParseCropAnchor(s string) (CropAnchor, error) {
	a := CropAnchor(strings.ToLower(strings.TrimSpace(s)))
	if a == "" {
		return "", nil
	}
	if _, ok := anchors[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidAnchor, s)
	}
	return a, nil
}

// Options is a fully resolved transform request. Zero values mean "not set".
// Options are assembled once and then passed around by value.
type Options struct {
	Source         string
	Width          int
	Height         int
	Quality        int
	Mode           CropMode
	Anchor         CropAnchor
	FocalPoint     *FocalPoint
	Crop           *Coordinates
	Format         string
	FurtherOptions string
	CacheBuster    string
}

// Values renders the transform parameters as query values. Further options
// are merged in last and never override an explicit parameter. The MAC
// parameter is never carried over from them.
func (o Options) Values() url.Values {
	v := url.Values{}
	if o.Crop != nil {
		v.Set(ParamCrop, joinFloats(o.Crop.X1, o.Crop.Y1, o.Crop.X2, o.Crop.Y2))
	}
	if o.FocalPoint != nil {
		v.Set(ParamFocalPoint, joinFloats(o.FocalPoint.Left, o.FocalPoint.Top))
	}
	if o.Mode != "" {
		v.Set(ParamMode, string(o.Mode))
	}
	if o.Anchor != "" {
		v.Set(ParamAnchor, string(o.Anchor))
	}
	if o.Width > 0 {
		v.Set(ParamWidth, strconv.Itoa(o.Width))
	}
	if o.Height > 0 {
		v.Set(ParamHeight, strconv.Itoa(o.Height))
	}
	if o.Quality > 0 {
		v.Set(ParamQuality, strconv.Itoa(o.Quality))
	}
	if o.Format != "" {
		v.Set(ParamFormat, strings.ToLower(o.Format))
	}
	if extra, err := url.ParseQuery(strings.TrimLeft(o.FurtherOptions, "?&")); err == nil {
		for k, vals := range extra {
			if k == "" || k == canonical.MACParam {
				continue
			}
			if _, taken := v[k]; taken {
				continue
			}
			v[k] = vals
		}
	}
	if o.CacheBuster != "" {
		v.Set(ParamCacheBuster, o.CacheBuster)
	}
	return v
}

// GenerateURL builds the unsigned transform URL for o. Parameters are encoded
// sorted by name so the same options always produce the same string. An
// empty or unparsable source yields "". A MAC already on the source is
// dropped.
func GenerateURL(o Options) string {
	if strings.TrimSpace(o.Source) == "" {
		return ""
	}
	u, err := url.Parse(o.Source)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Del(canonical.MACParam)
	for k, vals := range o.Values() {
		q[k] = vals
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String()
}

// ParseOptions reads transform parameters from a request query.
func ParseOptions(q url.Values) (Options, error) {
	var (
		o   Options
		err error
	)
	if o.Width, err = parsePositive(q, ParamWidth); err != nil {
		return Options{}, err
	}
	if o.Height, err = parsePositive(q, ParamHeight); err != nil {
		return Options{}, err
	}
	if o.Quality, err = parsePositive(q, ParamQuality); err != nil {
		return Options{}, err
	}
	if o.Quality > 100 {
		o.Quality = 100
	}
	if o.Mode, err = ParseCropMode(q.Get(ParamMode)); err != nil {
		return Options{}, err
	}
	if o.Anchor, err = ParseCropAnchor(q.Get(ParamAnchor)); err != nil {
		return Options{}, err
	}
	if raw := q.Get(ParamFocalPoint); raw != "" {
		f, err := splitFloats(raw, 2)
		if err != nil {
			return Options{}, fmt.Errorf("%s: %w", ParamFocalPoint, err)
		}
		o.FocalPoint = &FocalPoint{Left: f[0], Top: f[1]}
	}
	if raw := q.Get(ParamCrop); raw != "" {
		f, err := splitFloats(raw, 4)
		if err != nil {
			return Options{}, fmt.Errorf("%s: %w", ParamCrop, err)
		}
		o.Crop = &Coordinates{X1: f[0], Y1: f[1], X2: f[2], Y2: f[3]}
	}
	o.Format = strings.ToLower(q.Get(ParamFormat))
	o.CacheBuster = q.Get(ParamCacheBuster)
	return o, nil
}

func parsePositive(q url.Values, key string) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return n, nil
}

func joinFloats(fs ...float64) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

func splitFloats(raw string, n int) ([]float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(parts))
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}
