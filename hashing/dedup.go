package hashing

import "golang.org/x/crypto/blake2b"

// DedupHash computes a fast, non-cryptographic-strength digest of data for
// the write optimizer's in-batch de-duplication (blake2b is far cheaper per
// byte than the SHA-256 content hash every blob write already pays for, and
// dedup only needs collision resistance within one batch window, not a
// durable content address).
func DedupHash(data []byte) [32]byte {
	return blake2b.Sum256(data)
}
