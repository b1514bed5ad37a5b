package server

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dharsanguruparan/mediaguard/internal/imaging"
	"github.com/dharsanguruparan/mediaguard/internal/mediaurl"
)

// parseMediaRequest reads issuance parameters from the query string.
func parseMediaRequest(q url.Values) (mediaurl.MediaRequest, error) {
	var (
		req mediaurl.MediaRequest
		err error
	)
	if req.Width, err = queryInt(q, "width"); err != nil {
		return req, err
	}
	if req.Height, err = queryInt(q, "height"); err != nil {
		return req, err
	}
	if req.Quality, err = queryInt(q, "quality"); err != nil {
		return req, err
	}
	if req.Mode, err = imaging.ParseCropMode(q.Get("mode")); err != nil {
		return req, err
	}
	if req.Anchor, err = imaging.ParseCropAnchor(q.Get("anchor")); err != nil {
		return req, err
	}
	req.CropAlias = q.Get("crop")
	req.Format = q.Get("format")
	req.FurtherOptions = q.Get("furtherOptions")
	req.CacheBuster = q.Get("cacheBuster")
	req.PropertyAlias = q.Get("property")
	req.PreferFocalPoint = queryBool(q, "preferFocalPoint")
	req.UseCropDimensions = queryBool(q, "useCropDimensions")
	if q.Has("cacheBust") {
		req.CacheBust = queryBool(q, "cacheBust")
	} else {
		req.CacheBust = req.CacheBuster == ""
	}
	if raw := q.Get("localCrops"); raw != "" {
		ds, err := imaging.DecodeCropDataset(raw)
		if err != nil {
			return req, fmt.Errorf("localCrops: %w", err)
		}
		req.LocalCrops = ds
		req.LocalCropsOnly = queryBool(q, "localCropsOnly")
	}
	return req, nil
}

func queryInt(q url.Values, key string) (int, error) {
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

func queryBool(q url.Values, key string) bool {
	b, _ := strconv.ParseBool(q.Get(key))
	return b
}

// propertyValue builds the stored value for an upload: the plain URL, or the
// supplied cropper JSON with its src pointed at the upload.
func propertyValue(src, crops string) (string, error) {
	if strings.TrimSpace(crops) == "" {
		return src, nil
	}
	ds, err := imaging.DecodeCropDataset(crops)
	if err != nil {
		return "", fmt.Errorf("crops: %w", err)
	}
	ds.Src = src
	data, err := json.Marshal(ds)
	if err != nil {
		return "", fmt.Errorf("encode crops: %w", err)
	}
	return string(data), nil
}

// sanitizeName keeps object keys URL friendly. Runs of dots collapse to a
// dash and edge dots are trimmed, so name plus extension never contains "..".
func sanitizeName(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '.' && i+1 < len(runes) && runes[i+1] == '.':
			for i+1 < len(runes) && runes[i+1] == '.' {
				i++
			}
			b.WriteByte('-')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "upload"
	}
	return out
}
