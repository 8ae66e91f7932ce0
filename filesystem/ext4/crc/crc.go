// Package crc implements the CRC32c (Castagnoli) checksum used throughout
// ext4 on-disk structures: superblock, group descriptors, directory entry
// tails, extended attribute blocks and metadata_csum-protected inodes.
package crc

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// CRC32c computes the CRC32c checksum of b, continuing from seed. ext4 chains
// checksums across structures (e.g. seed = crc32c(~0, uuid) for the
// filesystem-wide checksum seed, then each structure's checksum continues
// from that seed), so callers pass the previous checksum, or 0/^uint32(0) to
// start a fresh chain.
func CRC32c(seed uint32, b []byte) uint32 {
	return crc32.Update(seed, table, b)
}
