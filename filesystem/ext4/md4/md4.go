// Package md4 implements the half-MD4 transform used by ext4's HTree directory
// hashing (fs/ext4/hash.c half_md4_transform in the reference kernel). It is a
// truncated, three-round variant of RFC 1320 MD4 limited to a single 8-word
// block and returning only the second word of internal state, not a full
// cryptographic hash — it exists solely to feed HTree's hash32.
package md4

// rotateLeft rotates x left by s bits within a 32-bit word.
func rotateLeft(x uint32, s uint) uint32 {
	return (x << s) | (x >> (32 - s))
}

// f, g and h are the three MD4 round functions.
func f(x, y, z uint32) uint32 {
	return z ^ (x & (y ^ z))
}

func g(x, y, z uint32) uint32 {
	return (x & y) | (x & z) | (y & z)
}

func h(x, y, z uint32) uint32 {
	return x ^ y ^ z
}

// round computes rol32(a + fn(b, c, d) + x, s), the common shape of every
// MD4 round step.
func round(fn func(x, y, z uint32) uint32, a, b, c, d, x uint32, s uint) uint32 {
	return rotateLeft(a+fn(b, c, d)+x, s)
}

const (
	k1 uint32 = 0
	k2 uint32 = 0x5A827999
	k3 uint32 = 0x6ED9EBA1
)

// HalfMD4Transform runs the three-round half-MD4 compression function over a
// single 8-word input block against the running state buf, folds the result
// back into buf, and returns buf[1] — the value ext4 uses as the major hash.
func HalfMD4Transform(buf [4]uint32, in []uint32) uint32 {
	return Transform(buf, in)[1]
}

// Transform is HalfMD4Transform's full-state sibling: ext4's HTree hashing
// chains this across 32-byte chunks of a long name and also needs buf[2] as
// the minor hash, so it needs the complete updated state, not just buf[1].
func Transform(buf [4]uint32, in []uint32) [4]uint32 {
	a, b, c, d := buf[0], buf[1], buf[2], buf[3]

	// Round 1
	a = round(f, a, b, c, d, in[0]+k1, 3)
	d = round(f, d, a, b, c, in[1]+k1, 7)
	c = round(f, c, d, a, b, in[2]+k1, 11)
	b = round(f, b, c, d, a, in[3]+k1, 19)
	a = round(f, a, b, c, d, in[4]+k1, 3)
	d = round(f, d, a, b, c, in[5]+k1, 7)
	c = round(f, c, d, a, b, in[6]+k1, 11)
	b = round(f, b, c, d, a, in[7]+k1, 19)

	// Round 2
	a = round(g, a, b, c, d, in[1]+k2, 3)
	d = round(g, d, a, b, c, in[3]+k2, 5)
	c = round(g, c, d, a, b, in[5]+k2, 9)
	b = round(g, b, c, d, a, in[7]+k2, 13)
	a = round(g, a, b, c, d, in[0]+k2, 3)
	d = round(g, d, a, b, c, in[2]+k2, 5)
	c = round(g, c, d, a, b, in[4]+k2, 9)
	b = round(g, b, c, d, a, in[6]+k2, 13)

	// Round 3
	a = round(h, a, b, c, d, in[3]+k3, 3)
	d = round(h, d, a, b, c, in[7]+k3, 9)
	c = round(h, c, d, a, b, in[2]+k3, 11)
	b = round(h, b, c, d, a, in[6]+k3, 15)
	a = round(h, a, b, c, d, in[1]+k3, 3)
	d = round(h, d, a, b, c, in[5]+k3, 9)
	c = round(h, c, d, a, b, in[0]+k3, 11)
	b = round(h, b, c, d, a, in[4]+k3, 15)

	buf[0] += a
	buf[1] += b
	buf[2] += c
	buf[3] += d

	return buf
}
