package ext4

import (
	"fmt"
	"io"
)

// File represents a single open file in an ext4 filesystem: its inode, the resolved extent
// list backing its data, and the read/write cursor.
type File struct {
	inode       *inode
	filename    string
	fileType    directoryFileType
	filesystem  *FileSystem
	isReadWrite bool
	isAppend    bool
	offset      int64
	extents     extents
}

// Read reads up to len(b) bytes from the File.
// It returns the number of bytes read and any error encountered.
// At end of file, Read returns 0, io.EOF
// reads from the last known offset in the file from last read or write
// use Seek() to set at a particular point
func (fl *File) Read(b []byte) (int, error) {
	var (
		fileSize  = int64(fl.inode.size)
		blocksize = uint64(fl.filesystem.superblock.blockSize)
	)
	if fl.offset >= fileSize {
		return 0, io.EOF
	}

	// Calculate the number of bytes to read
	bytesToRead := int64(len(b))
	if fl.offset+bytesToRead > fileSize {
		bytesToRead = fileSize - fl.offset
	}

	readBytes := int64(0)
	b = b[:bytesToRead]

	// the offset given for reading is relative to the file, so we need to calculate
	// where these are in the extents relative to the file
	readStartBlock := uint64(fl.offset) / blocksize
	for _, e := range fl.extents {
		// if the last block of the extent is before the first block we want to read, skip it
		if uint64(e.fileBlock)+uint64(e.count) < readStartBlock {
			continue
		}
		extentSize := int64(e.count) * int64(blocksize)
		startPositionInExtent := fl.offset - int64(e.fileBlock)*int64(blocksize)
		if startPositionInExtent < 0 {
			startPositionInExtent = 0
		}
		leftInExtent := extentSize - startPositionInExtent
		toReadInOffset := bytesToRead - readBytes
		if toReadInOffset > leftInExtent {
			toReadInOffset = leftInExtent
		}
		if toReadInOffset <= 0 {
			continue
		}
		startPosOnDisk := e.startingBlock*blocksize + uint64(startPositionInExtent)
		b2 := make([]byte, toReadInOffset)
		read, err := fl.filesystem.backend.ReadAt(b2, int64(startPosOnDisk))
		if err != nil && err != io.EOF {
			return int(readBytes), fmt.Errorf("failed to read bytes: %v", err)
		}
		copy(b[readBytes:], b2[:read])
		readBytes += int64(read)
		fl.offset += int64(read)

		if readBytes >= bytesToRead {
			break
		}
	}
	var err error
	if fl.offset >= fileSize {
		err = io.EOF
	}

	return int(readBytes), err
}

// Write writes len(b) bytes to the File at the current offset, allocating new blocks past the
// current end of file as needed and extending the inode's size. Returns a non-nil error when
// n != len(b).
func (fl *File) Write(p []byte) (int, error) {
	if !fl.isReadWrite {
		return 0, fmt.Errorf("file is not open for writing")
	}
	if fl.isAppend {
		fl.offset = int64(fl.inode.size)
	}
	if len(p) == 0 {
		return 0, nil
	}

	fs := fl.filesystem
	blocksize := uint64(fs.superblock.blockSize)

	writable, err := fs.backend.Writable()
	if err != nil {
		return 0, fmt.Errorf("filesystem not writable: %w", err)
	}

	endOffset := fl.offset + int64(len(p))
	haveBytes := extents(fl.extents).blockCount() * blocksize
	if uint64(endOffset) > haveBytes {
		allocated := extents(fl.extents)
		added, err := fs.allocateExtents(uint64(endOffset), &allocated)
		if err != nil {
			return 0, fmt.Errorf("could not allocate blocks for write: %w", err)
		}
		newRoot, _, err := extendExtentTree(fl.inode.extents, added, fs, nil)
		if err != nil {
			return 0, fmt.Errorf("could not update extent tree for inode: %w", err)
		}
		fl.inode.extents = newRoot
		fl.extents = append(fl.extents, *added...)
	}

	written := int64(0)
	for _, e := range fl.extents {
		extentStart := int64(e.fileBlock) * int64(blocksize)
		extentEnd := extentStart + int64(e.count)*int64(blocksize)
		if extentEnd <= fl.offset+written {
			continue
		}
		if extentStart >= fl.offset+int64(len(p)) {
			continue
		}

		writeStart := fl.offset + written
		if writeStart < extentStart {
			writeStart = extentStart
		}
		writeEnd := fl.offset + int64(len(p))
		if writeEnd > extentEnd {
			writeEnd = extentEnd
		}
		if writeEnd <= writeStart {
			continue
		}

		srcStart := writeStart - fl.offset
		srcEnd := writeEnd - fl.offset
		diskOffset := int64(e.startingBlock)*int64(blocksize) + (writeStart - extentStart)

		n, err := writable.WriteAt(p[srcStart:srcEnd], diskOffset)
		if err != nil {
			return int(written), fmt.Errorf("failed to write bytes: %w", err)
		}
		written += int64(n)
		if written >= int64(len(p)) {
			break
		}
	}

	fl.offset += written
	if uint64(fl.offset) > fl.inode.size {
		fl.inode.size = uint64(fl.offset)
	}

	if err := fs.writeInode(fl.inode); err != nil {
		return int(written), fmt.Errorf("could not update inode after write: %w", err)
	}

	if written != int64(len(p)) {
		return int(written), io.ErrShortWrite
	}
	return int(written), nil
}

// Seek set the offset to a particular point in the file
func (fl *File) Seek(offset int64, whence int) (int64, error) {
	newOffset := int64(0)
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekEnd:
		newOffset = int64(fl.inode.size) + offset
	case io.SeekCurrent:
		newOffset = fl.offset + offset
	}
	if newOffset < 0 {
		return fl.offset, fmt.Errorf("cannot set offset %d before start of file", offset)
	}
	fl.offset = newOffset
	return fl.offset, nil
}

// Close close a file that is being read
func (fl *File) Close() error {
	*fl = File{}
	return nil
}
