// Package mediaurl turns a media reference plus transform parameters into a
// signed URL that the request gate will accept.
package mediaurl

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dharsanguruparan/mediaguard/internal/canonical"
	"github.com/dharsanguruparan/mediaguard/internal/config"
	"github.com/dharsanguruparan/mediaguard/internal/imaging"
	"github.com/dharsanguruparan/mediaguard/internal/metrics"
)

// URLGenerator is the transform engine's URL builder. It returns "" when no
// URL can be produced.
type URLGenerator func(imaging.Options) string

// Request carries the transform parameters for one URL. Zero values mean
// "not requested".
type Request struct {
	Width             int
	Height            int
	CropAlias         string
	Quality           int
	Mode              imaging.CropMode
	Anchor            imaging.CropAnchor
	PreferFocalPoint  bool
	UseCropDimensions bool
	CacheBuster       string
	Format            string
	FurtherOptions    string
}

// Signer issues signed media URLs. Keys are read from the Source on every
// call so a config reload takes effect immediately.
type Signer struct {
	keys     config.Source
	generate URLGenerator
	logger   *slog.Logger
}

// NewSigner creates a Signer. A nil generator falls back to
// imaging.GenerateURL.
func NewSigner(keys config.Source, generate URLGenerator, logger *slog.Logger) *Signer {
	if generate == nil {
		generate = imaging.GenerateURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{keys: keys, generate: generate, logger: logger}
}

// SignURL resolves req against crops and returns the signed URL. The boolean
// is false whenever there is nothing to render: blank input, an unknown crop
// alias, or an empty generated URL.
func (s *Signer) SignURL(imageURL string, crops *imaging.CropDataset, req Request) (string, bool) {
	opts, ok := Resolve(imageURL, crops, req)
	if !ok {
		metrics.RecordIssued(false)
		return "", false
	}
	signed, ok := s.Sign(opts)
	metrics.RecordIssued(ok)
	return signed, ok
}

// SignURLWithCropJSON is SignURL for crop data still in its stored JSON form.
// Crop JSON is only consulted in crop mode; undecodable data is logged and
// treated as absent.
func (s *Signer) SignURLWithCropJSON(imageURL, cropJSON string, req Request) (string, bool) {
	if strings.TrimSpace(imageURL) == "" {
		return "", false
	}
	var crops *imaging.CropDataset
	if cropJSON != "" && (req.Mode == "" || req.Mode == imaging.ModeCrop) {
		ds, err := imaging.DecodeCropDataset(cropJSON)
		if err != nil {
			s.logger.Error("could not parse crop data", "json", cropJSON, "error", err)
		} else {
			crops = ds
		}
	}
	return s.SignURL(imageURL, crops, req)
}

// Sign generates the URL for opts and appends its MAC.
func (s *Signer) Sign(opts imaging.Options) (string, bool) {
	raw := s.generate(opts)
	if strings.TrimSpace(raw) == "" {
		return "", false
	}
	message, err := canonical.FromURL(raw)
	if err != nil {
		s.logger.Warn("generated media url is not parseable", "url", raw, "error", err)
		return "", false
	}
	mac := s.keys.Current().Signer().Sign(message)
	return canonical.Append(raw, mac), true
}

// Resolve turns a request into transform options without signing them.
func Resolve(imageURL string, crops *imaging.CropDataset, req Request) (imaging.Options, bool) {
	if strings.TrimSpace(imageURL) == "" {
		return imaging.Options{}, false
	}
	width, height := req.Width, req.Height

	var opts imaging.Options
	if crops != nil && (req.Mode == "" || req.Mode == imaging.ModeCrop) {
		crop := crops.GetCrop(req.CropAlias)
		if crop == nil && strings.TrimSpace(req.CropAlias) != "" {
			return imaging.Options{}, false
		}
		opts = crops.BaseOptions(imageURL, crop, req.PreferFocalPoint || strings.TrimSpace(req.CropAlias) == "")
		opts.Mode = imaging.ModeCrop

		if crop != nil && req.UseCropDimensions {
			width, height = crop.Width, crop.Height
		}
		if crop != nil && req.CropAlias != "" && crop.Coordinates == nil {
			width, height = deriveMissing(width, height, crop)
		}
	} else {
		mode := req.Mode
		if mode == "" {
			mode = imaging.ModePad
		}
		opts = imaging.Options{Source: imageURL, Mode: mode, Anchor: req.Anchor}
	}

	opts.Quality = req.Quality
	opts.Width = width
	opts.Height = height
	opts.Format = req.Format
	opts.FurtherOptions = req.FurtherOptions
	opts.CacheBuster = req.CacheBuster
	return opts, true
}

// deriveMissing fills in one missing dimension from the crop's aspect ratio.
func deriveMissing(width, height int, crop *imaging.Crop) (int, int) {
	switch {
	case width > 0 && height <= 0 && crop.Width > 0:
		height = int(math.Round(float64(width) * float64(crop.Height) / float64(crop.Width)))
	case width <= 0 && height > 0 && crop.Height > 0:
		width = int(math.Round(float64(height) * float64(crop.Width) / float64(crop.Height)))
	}
	return width, height
}

// ContentProvider resolves media items to their stored URL and crop data.
type ContentProvider interface {
	// ResolveBaseURL returns the media URL stored under propertyAlias. The
	// boolean is false when the property is missing or empty.
	ResolveBaseURL(ctx context.Context, item Item, propertyAlias string) (string, bool, error)
	// ResolveCropDataset returns the stored crops, or nil when none exist or
	// they cannot be decoded.
	ResolveCropDataset(ctx context.Context, item Item, propertyAlias string) (*imaging.CropDataset, error)
}

// Item identifies a media item.
type Item struct {
	ID        string
	UpdatedAt time.Time
}

// DefaultPropertyAlias is the property media files are stored under.
const DefaultPropertyAlias = "umbracoFile"

// MediaRequest is a Request against a stored media item.
type MediaRequest struct {
	Request
	PropertyAlias string
	// LocalCrops override the item's stored crops per alias.
	LocalCrops *imaging.CropDataset
	// LocalCropsOnly skips the stored crops entirely.
	LocalCropsOnly bool
	// CacheBust derives the cache buster from the item's update time.
	CacheBust bool
}

// SignMedia resolves item through provider and signs the result. Errors are
// only returned for provider failures; an item that cannot be rendered
// yields ("", false, nil).
func (s *Signer) SignMedia(ctx context.Context, provider ContentProvider, item Item, req MediaRequest) (string, bool, error) {
	alias := req.PropertyAlias
	if alias == "" {
		alias = DefaultPropertyAlias
	}
	baseURL, ok, err := provider.ResolveBaseURL(ctx, item, alias)
	if err != nil {
		return "", false, fmt.Errorf("resolve media url: %w", err)
	}
	if !ok {
		return "", false, nil
	}

	crops := req.LocalCrops
	if !req.LocalCropsOnly && (req.Mode == "" || req.Mode == imaging.ModeCrop) {
		stored, err := provider.ResolveCropDataset(ctx, item, alias)
		if err != nil {
			return "", false, fmt.Errorf("resolve crops: %w", err)
		}
		crops = imaging.Merge(crops, stored)
	}

	r := req.Request
	if req.CacheBust && !item.UpdatedAt.IsZero() {
		r.CacheBuster = CacheBusterFor(item.UpdatedAt)
	}
	signed, ok := s.SignURL(baseURL, crops, r)
	return signed, ok, nil
}

// fileTimeEpochOffset is the number of 100ns ticks between 1601-01-01 and the
// Unix epoch.
const fileTimeEpochOffset = 116444736000000000

// CacheBusterFor formats t as a Windows file time, which keeps cache busters
// identical to URLs issued by earlier deployments.
func CacheBusterFor(t time.Time) string {
	ticks := t.UTC().UnixNano()/100 + fileTimeEpochOffset
	return strconv.FormatInt(ticks, 10)
}
