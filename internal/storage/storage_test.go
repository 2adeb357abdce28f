package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"Station/2026-01-15/Artist - Title.m4a", "audio/mp4"},
		{"segment_0001.aac", "audio/aac"},
		{"cover.JPG", "image/jpeg"},
		{"notes.txt", "application/octet-stream"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, contentTypeFor(tt.path))
	}
}
