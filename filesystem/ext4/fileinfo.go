package ext4

import (
	"os"
	"time"
)

// StatT is the extended data underlying a file, similar to https://golang.org/pkg/syscall/#Stat_t
type StatT struct {
	UID uint32
	GID uint32
}

// FileInfo fulfills os.FileInfo for a single ext4 file or directory.
//
//	Name() string       // base name of the file
//	Size() int64        // length in bytes for regular files; system-dependent for others
//	Mode() FileMode     // file mode bits
//	ModTime() time.Time // modification time
//	IsDir() bool        // abbreviation for Mode().IsDir()
//	Sys() interface{}   // underlying data source (can return nil)
type FileInfo struct {
	name    string
	size    int64
	modTime time.Time
	mode    os.FileMode
	isDir   bool
	sys     *StatT
}

// Name base name of the file
func (fi *FileInfo) Name() string { return fi.name }

// Size length in bytes for regular files; system-dependent for others
func (fi *FileInfo) Size() int64 { return fi.size }

// Mode file mode bits
func (fi *FileInfo) Mode() os.FileMode { return fi.mode }

// ModTime modification time
func (fi *FileInfo) ModTime() time.Time { return fi.modTime }

// IsDir abbreviation for Mode().IsDir()
func (fi *FileInfo) IsDir() bool { return fi.isDir }

// Sys underlying data source
func (fi *FileInfo) Sys() interface{} { return fi.sys }

// directoryEntryInfo adapts a directory entry (plus its resolved inode) to io/fs.DirEntry, as
// returned from FileSystem.ReadDir without requiring a second inode read per entry.
type directoryEntryInfo struct {
	inode          *inode
	directoryEntry *directoryEntry
}

// Name base name of the file
func (d *directoryEntryInfo) Name() string { return d.directoryEntry.filename }

// IsDir reports whether the entry describes a directory
func (d *directoryEntryInfo) IsDir() bool {
	return d.directoryEntry.fileType == dirFileTypeDirectory
}

// Type returns the type bits of the entry's mode
func (d *directoryEntryInfo) Type() os.FileMode {
	return d.inode.permissionsToMode().Type()
}

// Info returns the full os.FileInfo for the entry
func (d *directoryEntryInfo) Info() (os.FileInfo, error) {
	return &FileInfo{
		name:    d.directoryEntry.filename,
		size:    int64(d.inode.size),
		modTime: d.inode.modifyTime,
		isDir:   d.directoryEntry.fileType == dirFileTypeDirectory,
		mode:    d.inode.permissionsToMode(),
		sys: &StatT{
			UID: d.inode.owner,
			GID: d.inode.group,
		},
	}, nil
}
