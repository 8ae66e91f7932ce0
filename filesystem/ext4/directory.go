package ext4

import (
	"encoding/binary"

	"github.com/extfs/ext4fs/filesystem/ext4/crc"
)

// dirChecksumAppender writes a checksum tail entry into the trailing minDirEntryLength bytes of
// an already-laid-out directory block (metadata_csum only).
type dirChecksumAppender func(b []byte) []byte

// directoryChecksumAppender returns a dirChecksumAppender that stamps a fake zero-inode trailer
// entry holding the CRC32c checksum of the rest of the block, chained from checksumSeed, the
// owning inode number, and the directory generation number.
func directoryChecksumAppender(checksumSeed uint32, inodeNumber uint32, generation uint32) dirChecksumAppender {
	return func(b []byte) []byte {
		if len(b) < minDirEntryLength {
			return b
		}
		tailStart := len(b) - minDirEntryLength
		tail := b[tailStart:]
		binary.LittleEndian.PutUint32(tail[0:4], 0)
		binary.LittleEndian.PutUint16(tail[4:6], uint16(minDirEntryLength))
		tail[6] = 0
		tail[7] = 0xde // EXT4_FT_DIR_CSUM

		inodeBytes := make([]byte, 8)
		binary.LittleEndian.PutUint32(inodeBytes[0:4], inodeNumber)
		binary.LittleEndian.PutUint32(inodeBytes[4:8], generation)
		seed := crc.CRC32c(checksumSeed, inodeBytes)
		checksum := crc.CRC32c(seed, b[:tailStart])
		binary.LittleEndian.PutUint32(tail[8:12], checksum)
		return b
	}
}

// Directory is a single ext4 directory: its own entry (name/inode/type as seen from its
// parent), plus the entries it contains. The root directory has no parent entry of its own,
// hence the separate root flag.
type Directory struct {
	directoryEntry
	root    bool
	entries []*directoryEntry
}

// toBytes lays the directory's entries out into one or more blocksize-sized linear directory
// blocks, padding the last entry of each block so its rec_len reaches the block boundary (or
// the start of the checksum tail, when appender is non-nil).
func (dir *Directory) toBytes(blocksize uint32, appender dirChecksumAppender) []byte {
	reserveTail := 0
	if appender != nil {
		reserveTail = minDirEntryLength
	}
	usable := int(blocksize) - reserveTail

	var out []byte
	block := make([]byte, 0, blocksize)
	used := 0

	flush := func() {
		padded := make([]byte, blocksize)
		copy(padded, block)
		if len(block) > 0 {
			// extend the final entry's rec_len to consume the rest of the block
			lastRecLenOffset := lastEntryOffset(block)
			if lastRecLenOffset >= 0 {
				remaining := uint16(int(blocksize) - reserveTail - lastRecLenOffset)
				binary.LittleEndian.PutUint16(padded[lastRecLenOffset+4:lastRecLenOffset+6], remaining)
			}
		}
		if appender != nil {
			padded = appender(padded)
		}
		out = append(out, padded...)
		block = block[:0]
		used = 0
	}

	for _, e := range dir.entries {
		entryLen := 8 + len(e.filename)
		// directory entries are 4-byte aligned
		if entryLen%4 != 0 {
			entryLen += 4 - entryLen%4
		}
		if used+entryLen > usable {
			flush()
		}
		entry := make([]byte, entryLen)
		binary.LittleEndian.PutUint32(entry[0:4], e.inode)
		binary.LittleEndian.PutUint16(entry[4:6], uint16(entryLen))
		entry[6] = byte(len(e.filename))
		entry[7] = byte(e.fileType)
		copy(entry[8:8+len(e.filename)], e.filename)
		block = append(block, entry...)
		used += entryLen
	}
	flush()

	return out
}

// lastEntryOffset finds the byte offset of the last directory entry record written into b so
// far, used to stretch its rec_len to the end of the block.
func lastEntryOffset(b []byte) int {
	pos, last := 0, -1
	for pos+8 <= len(b) {
		recLen := binary.LittleEndian.Uint16(b[pos+4 : pos+6])
		if recLen < 8 {
			break
		}
		last = pos
		pos += int(recLen)
	}
	return last
}
