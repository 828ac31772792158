package metapg

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
	"time"
)

// objectIDCounter is the 3-byte rolling counter folded into every generated
// id, seeded randomly so two processes starting at the same instant don't
// collide.
var objectIDCounter uint32

func init() {
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	atomic.StoreUint32(&objectIDCounter, binary.BigEndian.Uint32(seed[:]))
}

// NewObjectID generates a 12-byte, 24-hex-char id: a 4-byte Unix timestamp,
// 5 random bytes, and a 3-byte rolling counter — sortable by insertion time
// without a database sequence on the write hot path.
func NewObjectID() string {
	var buf [12]byte

	binary.BigEndian.PutUint32(buf[0:4], uint32(time.Now().Unix()))

	var random [5]byte
	_, _ = rand.Read(random[:])
	copy(buf[4:9], random[:])

	c := atomic.AddUint32(&objectIDCounter, 1)
	buf[9] = byte(c >> 16)
	buf[10] = byte(c >> 8)
	buf[11] = byte(c)

	return hex.EncodeToString(buf[:])
}
