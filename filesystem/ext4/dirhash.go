package ext4

import "github.com/extfs/ext4fs/filesystem/ext4/md4"

// hashVersion selects the name-hashing algorithm an HTree directory was built
// with, stored in the superblock's default hash version and per-inode via the
// dx root info block. Mirrors EXT2_HASH_* from the reference implementation.
type hashVersion uint8

const (
	HashVersionLegacy          hashVersion = 0
	HashVersionHalfMD4         hashVersion = 1
	HashVersionTEA             hashVersion = 2
	HashVersionLegacyUnsigned  hashVersion = 3
	HashVersionHalfMD4Unsigned hashVersion = 4
	HashVersionTEAUnsigned     hashVersion = 5
	HashVersionSIP             hashVersion = 6
)

const teaDelta uint32 = 0x9E3779B9

// TEATransform runs one application of the Tiny Encryption Algorithm mixing
// step used by the TEA directory hash. buf carries the running hash state
// (only buf[0]/buf[1] are touched); in supplies a 4-word chunk of the name.
func TEATransform(buf [4]uint32, in []uint32) [4]uint32 {
	var sum uint32
	b0, b1 := buf[0], buf[1]
	a, b, c, d := in[0], in[1], in[2], in[3]

	for n := 16; n > 0; n-- {
		sum += teaDelta
		b0 += ((b1 << 4) + a) ^ (b1 + sum) ^ ((b1 >> 5) + b)
		b1 += ((b0 << 4) + c) ^ (b0 + sum) ^ ((b0 >> 5) + d)
	}

	buf[0] += b0
	buf[1] += b1
	return buf
}

// str2hashbuf packs up to num words (4 bytes each) of msg into a hash input
// buffer, padding with a length-derived pattern the way the reference
// str2hashbuf_signed/str2hashbuf_unsigned do, so that TEA/half-MD4 operate on
// a fixed-size block regardless of how short or long the remaining name is.
// signed controls whether each byte is sign-extended before packing (the
// engine supports both, selected by the HashVersion*Unsigned variants).
func str2hashbuf(msg string, num int, signed bool) []uint32 {
	var buf [8]uint32
	out := 0

	ln := len(msg)
	pad := uint32(ln) | uint32(ln)<<8
	pad |= pad << 16

	val := pad
	if ln > num*4 {
		ln = num * 4
	}

	i := 0
	for ; i < ln; i++ {
		if i%4 == 0 {
			val = pad
		}
		var c int32
		if signed {
			c = int32(int8(msg[i]))
		} else {
			c = int32(msg[i])
		}
		val = uint32(c) + (val << 8)
		if i%4 == 3 {
			buf[out] = val
			out++
			val = pad
			num--
		}
	}
	if num--; num >= 0 {
		buf[out] = val
		out++
	}
	for num--; num >= 0; num-- {
		buf[out] = pad
		out++
	}
	return buf[:]
}

// dxHackHash is the legacy (non-HTree-tree-balanced) directory hash, kept for
// filesystems created with the older hash version.
func dxHackHash(name string, signed bool) uint32 {
	hash0 := uint32(0x12a3fe2d)
	hash1 := uint32(0x37abe8f9)

	for i := 0; i < len(name); i++ {
		var c int32
		if signed {
			c = int32(int8(name[i]))
		} else {
			c = int32(name[i])
		}
		mixed := hash1 + (hash0 ^ uint32(c*7152373))
		if mixed&0x80000000 != 0 {
			mixed -= 0x7fffffff
		}
		hash1 = hash0
		hash0 = mixed
	}
	return hash0 << 1
}

// ext4fsDirhash computes the major/minor hash pair ext4 uses to place (and
// later find) a directory entry in an HTree, per the selected hash version
// and the filesystem's hash seed. An unrecognized or unimplemented version
// (SIP is not supported by this engine) returns (0, 0).
func ext4fsDirhash(name string, version hashVersion, seed []uint32) (hash, minor uint32) {
	buf := [4]uint32{0x67452301, 0xefcdab89, 0x98badcfe, 0x10325476}

	nonZeroSeed := false
	for _, s := range seed {
		if s != 0 {
			nonZeroSeed = true
			break
		}
	}
	if nonZeroSeed && len(seed) >= 4 {
		copy(buf[:], seed[:4])
	}

	switch version {
	case HashVersionLegacyUnsigned:
		hash = dxHackHash(name, false)
	case HashVersionLegacy:
		hash = dxHackHash(name, true)
	case HashVersionHalfMD4Unsigned, HashVersionHalfMD4:
		signed := version == HashVersionHalfMD4
		remaining := len(name)
		pos := 0
		for remaining > 0 {
			in := str2hashbuf(name[pos:], 8, signed)
			buf = md4.Transform(buf, in)
			remaining -= 32
			pos += 32
		}
		minor = buf[2]
		hash = buf[1]
	case HashVersionTEAUnsigned, HashVersionTEA:
		signed := version == HashVersionTEA
		remaining := len(name)
		pos := 0
		for remaining > 0 {
			in := str2hashbuf(name[pos:], 4, signed)
			buf = TEATransform(buf, in)
			remaining -= 16
			pos += 16
		}
		hash = buf[0]
		minor = buf[1]
	default:
		return 0, 0
	}

	hash &^= 1
	return hash, minor
}
