package crypto

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// RouteID computes the direction-sensitive channel hash for an ordered pair
// of hex identities: route_id(A,B) = blake3(A || B). route_id(A,B) !=
// route_id(B,A), which is what lets the overlay treat the forward and
// return channels of a conversation as distinct routing-table entries.
func RouteID(fromHex, toHex string) string {
	h := blake3.Sum256([]byte(fromHex + toHex))
	return hex.EncodeToString(h[:])
}

// TargetHash lets routers test "is this probe for me?" without learning the
// target's identity from the wire: target_hash(X) = blake3(X).
func TargetHash(hexID string) string {
	h := blake3.Sum256([]byte(hexID))
	return hex.EncodeToString(h[:])
}
