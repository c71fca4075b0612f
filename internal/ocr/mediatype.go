package ocr

import (
	"bytes"
	"encoding/base64"
)

// DefaultMediaType is assumed when the payload cannot be sniffed
const DefaultMediaType = "image/jpeg"

// DetectMediaType detects the media type from the payload's magic bytes.
// Capture pipelines do not reliably preserve extensions, so the bytes are the only source of truth.
// Returns "" when the prefix is not recognized.
func DetectMediaType(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	}

	return ""
}

// MediaTypeOrDefault sniffs the payload and falls back to DefaultMediaType
func MediaTypeOrDefault(data []byte) string {
	if mt := DetectMediaType(data); mt != "" {
		return mt
	}
	return DefaultMediaType
}

// DataURI encodes the payload as a self-describing data URI
func DataURI(data []byte) string {
	return "data:" + MediaTypeOrDefault(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ExtensionFor returns a file extension for a media type
func ExtensionFor(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/tiff":
		return ".tif"
	case "image/bmp":
		return ".bmp"
	case "application/pdf":
		return ".pdf"
	}
	return ".jpg"
}
