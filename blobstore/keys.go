package blobstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ItemKey builds the key for a record's JSON blob: {collection}/{id}/v{ov}/item.json.
func ItemKey(collection, id string, ov uint64) string {
	return fmt.Sprintf("%s/%s/v%d/item.json", strings.ToLower(collection), strings.ToLower(id), ov)
}

// ContentBlobKey builds the key for an externalized base64 property's raw
// bytes: {collection}/{prop}/{id}/v{ov}/blob.bin.
func ContentBlobKey(collection, prop, id string, ov uint64) string {
	return fmt.Sprintf("%s/%s/%s/v%d/blob.bin", strings.ToLower(collection), prop, strings.ToLower(id), ov)
}

// ContentTextKey builds the companion text.txt key written alongside a
// content blob whose decoded bytes were judged safe to keep as text.
func ContentTextKey(collection, prop, id string, ov uint64) string {
	return fmt.Sprintf("%s/%s/%s/v%d/text.txt", strings.ToLower(collection), prop, strings.ToLower(id), ov)
}

// ManifestKey builds the key for a rollup snapshot manifest:
// __manifests__/{collection}/{YYYY}/{MM}/snapshot-{cv}.json.gz.
func ManifestKey(collection string, at time.Time, cv uint64) string {
	return fmt.Sprintf("__manifests__/%s/%04d/%02d/snapshot-%d.json.gz",
		strings.ToLower(collection), at.Year(), int(at.Month()), cv)
}

// ParsedItemKey is the decomposition of an ItemKey.
type ParsedItemKey struct {
	Collection string
	ID         string
	OV         uint64
}

// ParseItemKey inverts ItemKey. Returns false when key does not match the
// {collection}/{id}/v{ov}/item.json shape.
func ParseItemKey(key string) (ParsedItemKey, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[3] != "item.json" || !strings.HasPrefix(parts[2], "v") {
		return ParsedItemKey{}, false
	}
	ov, err := strconv.ParseUint(parts[2][1:], 10, 64)
	if err != nil {
		return ParsedItemKey{}, false
	}
	return ParsedItemKey{Collection: parts[0], ID: parts[1], OV: ov}, true
}

// ParsedContentKey is the decomposition of a ContentBlobKey/ContentTextKey.
type ParsedContentKey struct {
	Collection string
	Prop       string
	ID         string
	OV         uint64
	IsText     bool
}

// ParseContentKey inverts ContentBlobKey/ContentTextKey.
func ParseContentKey(key string) (ParsedContentKey, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 || !strings.HasPrefix(parts[3], "v") {
		return ParsedContentKey{}, false
	}
	var isText bool
	switch parts[4] {
	case "blob.bin":
		isText = false
	case "text.txt":
		isText = true
	default:
		return ParsedContentKey{}, false
	}
	ov, err := strconv.ParseUint(parts[3][1:], 10, 64)
	if err != nil {
		return ParsedContentKey{}, false
	}
	return ParsedContentKey{Collection: parts[0], Prop: parts[1], ID: parts[2], OV: ov, IsText: isText}, true
}

// sanitizeKey mirrors the teacher's path-cleaning: strip any leading slash
// and collapse doubled separators so callers can hand in user-derived
// fragments without producing an ambiguous key.
func sanitizeKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	for strings.Contains(key, "//") {
		key = strings.ReplaceAll(key, "//", "/")
	}
	return key
}
