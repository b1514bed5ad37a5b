// Package imaging holds the crop metadata and transform options shared by the
// URL signer and the rendering engine.
package imaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotJSON is returned by DecodeCropDataset for input that is clearly not a
// JSON object.
var ErrNotJSON = errors.New("crop data is not a json object")

// FocalPoint is a relative position inside the source image, 0..1 on each
// axis measured from the top left corner.
type FocalPoint struct {
	Left float64 `json:"left"`
	Top  float64 `json:"top"`
}

// Coordinates is a crop box expressed as fractions trimmed from each edge of
// the source image.
type Coordinates struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Crop is a predefined, named region of an image.
type Crop struct {
	Alias       string       `json:"alias"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// CropDataset is the stored cropper value for one media property.
type CropDataset struct {
	Src        string      `json:"src,omitempty"`
	FocalPoint *FocalPoint `json:"focalPoint,omitempty"`
	Crops      []Crop      `json:"crops,omitempty"`
}

// DecodeCropDataset parses stored crop JSON.
func DecodeCropDataset(raw string) (*CropDataset, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil, ErrNotJSON
	}
	var ds CropDataset
	if err := json.Unmarshal([]byte(trimmed), &ds); err != nil {
		return nil, fmt.Errorf("decode crop data: %w", err)
	}
	return &ds, nil
}

// ParsePropertyValue splits a stored media property into its URL and crop
// data. Plain values are a URL with no crops. JSON values carry the URL in
// "src"; a JSON value that fails to decode is returned as an error.
func ParsePropertyValue(raw string) (string, *CropDataset, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, nil, nil
	}
	ds, err := DecodeCropDataset(trimmed)
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSpace(ds.Src), ds, nil
}

// HasFocalPoint reports whether a focal point was stored.
func (d *CropDataset) HasFocalPoint() bool {
	return d != nil && d.FocalPoint != nil
}

// GetCrop looks a crop up by alias, ignoring case. An empty alias selects the
// first crop.
func (d *CropDataset) GetCrop(alias string) *Crop {
	if d == nil || len(d.Crops) == 0 {
		return nil
	}
	if strings.TrimSpace(alias) == "" {
		return &d.Crops[0]
	}
	for i := range d.Crops {
		if strings.EqualFold(d.Crops[i].Alias, alias) {
			return &d.Crops[i]
		}
	}
	return nil
}

// Merge overlays local on top of stored. Local crops win per alias; stored
// crops the local set does not define are appended. Either side may be nil.
func Merge(local, stored *CropDataset) *CropDataset {
	switch {
	case local == nil && stored == nil:
		return nil
	case local == nil:
		return stored.clone()
	case stored == nil:
		return local.clone()
	}
	out := local.clone()
	if out.Src == "" {
		out.Src = stored.Src
	}
	if out.FocalPoint == nil && stored.FocalPoint != nil {
		fp := *stored.FocalPoint
		out.FocalPoint = &fp
	}
	for _, c := range stored.Crops {
		if local.GetCrop(c.Alias) != nil && strings.TrimSpace(c.Alias) != "" {
			continue
		}
		out.Crops = append(out.Crops, c.clone())
	}
	return out
}

// BaseOptions derives the starting transform options for url from the
// dataset and the matched crop. The focal point is used when preferred, or
// when the crop has no stored box; otherwise the crop box is used.
func (d *CropDataset) BaseOptions(url string, crop *Crop, preferFocalPoint bool) Options {
	opts := Options{Source: url}
	if d == nil {
		return opts
	}
	if (preferFocalPoint && d.HasFocalPoint()) || (crop != nil && crop.Coordinates == nil && d.HasFocalPoint()) {
		fp := *d.FocalPoint
		opts.FocalPoint = &fp
		return opts
	}
	if crop != nil && crop.Coordinates != nil && !preferFocalPoint {
		box := *crop.Coordinates
		opts.Crop = &box
	}
	return opts
}

func (d *CropDataset) clone() *CropDataset {
	out := &CropDataset{Src: d.Src}
	if d.FocalPoint != nil {
		fp := *d.FocalPoint
		out.FocalPoint = &fp
	}
	if len(d.Crops) > 0 {
		out.Crops = make([]Crop, 0, len(d.Crops))
		for _, c := range d.Crops {
			out.Crops = append(out.Crops, c.clone())
		}
	}
	return out
}

func (c Crop) clone() Crop {
	if c.Coordinates != nil {
		box := *c.Coordinates
		c.Coordinates = &box
	}
	return c
}
