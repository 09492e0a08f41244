// Package identity mints the int32 node ids the Paxos engine and the
// application command grammar use to identify peers.
package identity

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// New mints a fresh node id from a random UUID, the same source of entropy
// the teacher's heartbeat and remoteexec clients use for client/session ids.
// Paxos proposal numbers and the command grammar need a compact int32, so
// the UUID is folded down rather than carried around whole.
func New() int32 {
	return FromUUID(uuid.New())
}

// FromUUID folds a UUID down to a non-negative int32 by XOR-ing its four
// 32-bit words, so id collisions require two random UUIDs to collide not
// just in a 32-bit slice but across the whole fold.
func FromUUID(u uuid.UUID) int32 {
	b := u[:]
	var words [4]uint32
	for i := 0; i < 4; i++ {
		words[i] = binary.BigEndian.Uint32(b[i*4 : i*4+4])
	}
	folded := words[0] ^ words[1] ^ words[2] ^ words[3]
	id := int32(folded)
	if id == math.MinInt32 {
		// -id would overflow back to itself at this single value.
		return math.MaxInt32
	}
	if id < 0 {
		id = -id
	}
	return id
}
