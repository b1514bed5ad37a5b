// Package model contains simple struct definitions shared across packages.
package model

import (
	"errors"
	"time"
)

// ErrNotFound is returned by every catalog when a media item does not exist.
var ErrNotFound = errors.New("media item not found")

// MediaItem is one stored media entry. Properties map a property alias such
// as "umbracoFile" to its raw stored value: either a plain URL or image
// cropper JSON.
type MediaItem struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	ContentType string            `json:"contentType,omitempty"`
	Properties  map[string]string `json:"properties"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of m.
func (m *MediaItem) Clone() *MediaItem {
	c := *m
	c.Properties = make(map[string]string, len(m.Properties))
	for k, v := range m.Properties {
		c.Properties[k] = v
	}
	return &c
}
