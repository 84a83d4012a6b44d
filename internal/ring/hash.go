package ring

// HashKey reproduces the routing hash exactly as spec §4.3 so that every
// node — client, host, Manager — computes an identical partition for the
// same key. It is deliberately the weak, non-cryptographic function the
// specification names: starting accumulator 17, then for each byte c of the
// key, h = (h*23 + c) * c, in wrapping uint32 arithmetic. The result is
// reinterpreted as a signed int32, which is the value buckets are keyed on.
//
// This is known to skew short keys and is kept intentionally (see
// DESIGN.md's Open Question resolution) rather than silently replaced with a
// stronger hash, since routing identity must match a reference
// implementation bit-for-bit across every node type.
func HashKey(key string) int32 {
	var h uint32 = 17
	for i := 0; i < len(key); i++ {
		c := uint32(key[i])
		h = (h*23 + c) * c
	}
	return int32(h)
}
