package ext4

import "encoding/binary"

// directoryFileType is the on-disk file_type byte recorded in a directory entry when the
// filesystem has the filetype feature (the common case since ext2 rev 1).
type directoryFileType uint8

const (
	dirFileTypeUnknown         directoryFileType = 0
	dirFileTypeRegular         directoryFileType = 1
	dirFileTypeDirectory       directoryFileType = 2
	dirFileTypeCharacterDevice directoryFileType = 3
	dirFileTypeBlockDevice     directoryFileType = 4
	dirFileTypeFIFO            directoryFileType = 5
	dirFileTypeSocket          directoryFileType = 6
	dirFileTypeSymlink         directoryFileType = 7
)

// fileTypeToDirectoryFileType maps an inode's mode-derived fileType to the directory entry's
// file_type byte, used when synthesizing a File from an inode that has no backing directory
// entry at hand (e.g. opened by inode number directly).
func fileTypeToDirectoryFileType(ft fileType) directoryFileType {
	switch ft {
	case fileTypeRegularFile:
		return dirFileTypeRegular
	case fileTypeDirectory:
		return dirFileTypeDirectory
	case fileTypeSymbolicLink:
		return dirFileTypeSymlink
	case fileTypeCharacterDevice:
		return dirFileTypeCharacterDevice
	case fileTypeBlockDevice:
		return dirFileTypeBlockDevice
	case fileTypeFifo:
		return dirFileTypeFIFO
	case fileTypeSocket:
		return dirFileTypeSocket
	default:
		return dirFileTypeUnknown
	}
}

// directoryEntry is a single linear (or HTree leaf) directory entry: a name, the inode it
// points at, and that inode's type (duplicated here so readdir doesn't need an inode read per
// entry).
type directoryEntry struct {
	inode    uint32
	filename string
	fileType directoryFileType
}

// minDirEntryLength is the smallest an on-disk directory entry record holding a name can be: a
// fixed 8-byte header (inode, rec_len, name_len, file_type) plus a name of 1 to 4 bytes, rounded
// to the 4-byte alignment ext4 directory entries require. It is also the size of the checksum tail entry appended to
// directory blocks under metadata_csum, which masquerades as a zero-inode entry with this exact
// length.
const minDirEntryLength = 12

// parseDirEntriesLinear parses the classic (non-HTree) linear directory entry format: a chain
// of variable-length records covering an entire directory block, terminated by the block's end
// (the last entry's rec_len pads to the block boundary). When metadataChecksums is true the
// final minDirEntryLength bytes are a checksum tail entry (fake inode 0) and are not returned
// as a real directory entry.
func parseDirEntriesLinear(b []byte, metadataChecksums bool, blocksize uint32, inodeNumber uint32, nfsFileVersion uint32, checksumSeed uint32) ([]*directoryEntry, error) {
	var entries []*directoryEntry
	limit := len(b)
	if metadataChecksums && limit >= minDirEntryLength {
		limit -= minDirEntryLength
	}
	pos := 0
	for pos+8 <= limit {
		inode := binary.LittleEndian.Uint32(b[pos : pos+4])
		recLen := binary.LittleEndian.Uint16(b[pos+4 : pos+6])
		if recLen < 8 {
			break
		}
		nameLen := int(b[pos+6])
		ft := directoryFileType(b[pos+7])
		if inode != 0 && pos+8+nameLen <= len(b) {
			name := string(b[pos+8 : pos+8+nameLen])
			entries = append(entries, &directoryEntry{
				inode:    inode,
				filename: name,
				fileType: ft,
			})
		}
		pos += int(recLen)
	}
	return entries, nil
}
