// Package metadatamap implements the indexed-path extraction and base64
// property externalization that sit between a caller's raw payload and the
// versioned write pipeline (spec §4.4).
package metadatamap

import (
	"strings"

	"github.com/PaesslerAG/jsonpath"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
)

// Base64PropConfig describes one property that carries base64-encoded
// bytes to be externalized to the content bucket.
type Base64PropConfig struct {
	ContentType    string
	PreferredText  bool
	TextCharset    string // carried in config; Externalize does not read it and writes text as "text/plain"
}

// ValidationConfig names the indexed properties that must be present.
type ValidationConfig struct {
	RequiredIndexed []string
}

// CollectionMap declares how one collection's payload maps to the indexed
// projection stored on head/version rows and which properties are
// externalized to blob storage.
type CollectionMap struct {
	IndexedProps []string // dot paths; "foo[]" denotes "the whole array"
	Base64Props  map[string]Base64PropConfig
	Validation   ValidationConfig
}

// ExtractIndexed walks the declared indexed paths and produces a trimmed
// projection. An empty IndexedProps list means "index every top-level
// property except _system".
func ExtractIndexed(m CollectionMap, data map[string]interface{}) (map[string]interface{}, error) {
	if len(m.IndexedProps) == 0 {
		out := make(map[string]interface{}, len(data))
		for k, v := range data {
			if k == "_system" {
				continue
			}
			out[k] = v
		}
		return out, nil
	}

	out := make(map[string]interface{}, len(m.IndexedProps))
	for _, rawPath := range m.IndexedProps {
		path := rawPath
		wholeArray := strings.HasSuffix(path, "[]")
		if wholeArray {
			path = strings.TrimSuffix(path, "[]")
		}

		v, err := jsonpath.Get("$."+path, map[string]interface{}(data))
		if err != nil {
			// Missing path: leave it unset in the projection, matching
			// "missing paths are undefined" semantics used elsewhere in
			// the spec's predicate grammar.
			continue
		}
		assignDotted(out, path, v)
	}
	return out, nil
}

// assignDotted sets a dotted path (e.g. "a.b.c") in out to v, creating
// intermediate maps as needed.
func assignDotted(out map[string]interface{}, path string, v interface{}) {
	parts := strings.Split(path, ".")
	cur := out
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = v
			return
		}
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[p] = next
		}
		cur = next
	}
}

// CheckRequired fails when any RequiredIndexed path is missing, empty or
// null in the extracted projection.
func CheckRequired(m CollectionMap, indexed map[string]interface{}) error {
	for _, path := range m.Validation.RequiredIndexed {
		v, err := jsonpath.Get("$."+path, map[string]interface{}(indexed))
		if err != nil || isEmptyValue(v) {
			return svcerrors.Validation(path, "required indexed field missing, empty or null")
		}
	}
	return nil
}

func isEmptyValue(v interface{}) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	default:
		return false
	}
}

// textSafe reports whether decoded bytes are "safe" to additionally persist
// as text.txt: control-character ratio (excluding \n \r \t) must not exceed
// 5%.
func textSafe(decoded string) bool {
	if len(decoded) == 0 {
		return true
	}
	var control int
	for _, r := range decoded {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			control++
		}
	}
	return float64(control)/float64(len([]rune(decoded))) <= 0.05
}

