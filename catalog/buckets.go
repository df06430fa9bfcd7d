package catalog

import "encoding/binary"

// Bucket names for bbolt storage.
var (
	bucketItems      = []byte("items")        // infohash -> Item JSON
	bucketItemsBySeq = []byte("items_by_seq") // 8-byte big-endian seq -> infohash
)

// encodeSeq converts a sequence number to a fixed-width big-endian
// byte slice so bbolt cursor order matches insertion order.
func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// decodeSeq converts a big-endian byte slice back to a sequence number.
func decodeSeq(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}
