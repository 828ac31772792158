// Package hashing implements the deterministic key-to-backend resolution
// the router relies on: a SHA-256-derived 64-bit hash, rendezvous (HRW) and
// jump-consistent backend selection, and the routing-key derivation DSL.
package hashing

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dgryski/go-rendezvous"
)

// Hash64 hashes data with SHA-256 and truncates to the leading 8 bytes,
// interpreted as a big-endian unsigned 64-bit integer. This is the one hash
// primitive every routing decision in this package is built from.
func Hash64(data []byte) uint64 {
	sum := sha256.Sum256(data)
	return binary.BigEndian.Uint64(sum[:8])
}

// Hash64String is Hash64 over the UTF-8 bytes of s.
func Hash64String(s string) uint64 {
	return Hash64([]byte(s))
}

// HRW selects one of a fixed set of backend ids for a key by rendezvous
// hashing: deterministic, and removing a non-selected backend never changes
// any other key's selection.
type HRW struct {
	rv      *rendezvous.Rendezvous
	order   map[string]int
	indexOf map[string]int
}

// NewHRW builds an HRW selector over backendIDs. Order matters only for the
// documented tie-break (lowest index wins ties in score).
func NewHRW(backendIDs []string) *HRW {
	order := make(map[string]int, len(backendIDs))
	for i, id := range backendIDs {
		order[id] = i
	}
	rv := rendezvous.New(backendIDs, func(s string) uint64 { return Hash64String(s) })
	return &HRW{rv: rv, order: order}
}

// Select returns the backend id chosen for key.
func (h *HRW) Select(key string) string {
	return h.rv.Lookup(key)
}

// Add registers a new backend id. Only keys for which the new backend
// scores highest move to it; every other key keeps its selection.
func (h *HRW) Add(backendID string) {
	h.rv.Add(backendID)
	h.order[backendID] = len(h.order)
}

// Remove drops a backend id. Keys previously routed elsewhere are unaffected.
func (h *HRW) Remove(backendID string) {
	h.rv.Remove(backendID)
	delete(h.order, backendID)
}

// JumpHash implements Lamping & Veach's jump-consistent-hash recurrence. Used
// when numBuckets changes rarely and a plain integer bucket index, not a
// named backend, is all that's needed.
func JumpHash(key uint64, numBuckets int32) int32 {
	var b, j int64 = -1, 0
	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int32(b)
}

// KeyDSLField is one field the routing-key DSL can pull from.
type KeyDSLField string

const (
	FieldTenantID           KeyDSLField = "tenantId"
	FieldDBName             KeyDSLField = "dbName"
	FieldCollection         KeyDSLField = "collection"
	FieldObjectID           KeyDSLField = "objectId"
	FieldCollectionObjectID KeyDSLField = "collection:objectId"
)

// RouteContext carries the fields the key DSL can resolve from, plus an
// arbitrary ctx-path lookup table for "<path.in.ctx>" fields.
type RouteContext struct {
	TenantID   string
	DBName     string
	Collection string
	ObjectID   string
	Meta       map[string]string
}

// ResolveKey evaluates a pipe-separated field DSL (e.g.
// "tenantId|collection:objectId") against ctx, returning the first
// non-empty resolution. Falls back to "collection:objectId" when no field
// in the DSL resolves to a non-empty value.
func ResolveKey(dsl string, ctx RouteContext) string {
	for _, field := range strings.Split(dsl, "|") {
		field = strings.TrimSpace(field)
		if v := resolveField(field, ctx); v != "" {
			return v
		}
	}
	return resolveField(string(FieldCollectionObjectID), ctx)
}

func resolveField(field string, ctx RouteContext) string {
	switch KeyDSLField(field) {
	case FieldTenantID:
		return ctx.TenantID
	case FieldDBName:
		return ctx.DBName
	case FieldCollection:
		return ctx.Collection
	case FieldObjectID:
		return ctx.ObjectID
	case FieldCollectionObjectID:
		if ctx.Collection == "" || ctx.ObjectID == "" {
			return ""
		}
		return fmt.Sprintf("%s:%s", ctx.Collection, ctx.ObjectID)
	default:
		if ctx.Meta != nil {
			return ctx.Meta[field]
		}
		return ""
	}
}
