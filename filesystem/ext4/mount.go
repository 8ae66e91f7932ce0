package ext4

import (
	"fmt"

	"github.com/extfs/ext4fs/backend"
	"github.com/extfs/ext4fs/filesystem"
	"github.com/extfs/ext4fs/internal/elog"
	"github.com/extfs/ext4fs/util/timestamp"
	"github.com/sirupsen/logrus"
)

// MountedFilesystem tracks the runtime state of one mount of an ext4
// filesystem: the underlying FileSystem plus the mount path recorded into
// the superblock and whatever read-only override the mounter asked for.
// Callers that only need the on-disk view can keep using Read/Close
// directly; Mount/Unmount exist for callers that want the kernel's
// mount-count and clean/dirty state-transition behavior reproduced.
type MountedFilesystem struct {
	fs            *FileSystem
	path          string
	readOnly      bool
	inTransaction bool
}

// Mount opens an ext4 filesystem the same way Read does, then advances the
// on-disk mount bookkeeping the way a real mount does: bumps s_mnt_count,
// stamps s_mtime, records the mount point into s_last_mounted, and clears
// the cleanly-unmounted bit so a crash before Unmount is detected by the
// next mount.
func Mount(b backend.Storage, size, start, sectorsize int64, path string, readOnly bool) (*MountedFilesystem, error) {
	fs, err := Read(b, size, start, sectorsize)
	if err != nil {
		return nil, err
	}

	sb := fs.superblock
	sb.mountCount++
	sb.mountTime = timestamp.GetTime()
	if path != "" {
		sb.lastMountedDirectory = path
	}
	if !readOnly {
		sb.filesystemState &^= fsStateCleanlyUnmounted
		if err := fs.writeSuperblock(); err != nil {
			return nil, fmt.Errorf("updating superblock at mount: %w", err)
		}
	}

	elog.WithFields(logrus.Fields{
		"path":       path,
		"readOnly":   readOnly,
		"mountCount": sb.mountCount,
	}).Info("ext4 filesystem mounted")

	return &MountedFilesystem{fs: fs, path: path, readOnly: readOnly}, nil
}

// FS returns the underlying FileSystem for use with the filesystem.FileSystem
// interface methods (Mkdir, OpenFile, ReadDir, ...).
func (m *MountedFilesystem) FS() *FileSystem {
	return m.fs
}

// Unmount marks the filesystem cleanly unmounted and flushes the superblock.
// After Unmount returns, m must not be used again; callers that want to
// remount should call Mount again.
func (m *MountedFilesystem) Unmount() error {
	if m.readOnly {
		return m.fs.Close()
	}
	if m.inTransaction {
		if err := m.JournalStop(); err != nil {
			return fmt.Errorf("committing open transaction at unmount: %w", err)
		}
	}
	sb := m.fs.superblock
	sb.filesystemState |= fsStateCleanlyUnmounted
	sb.writeTime = timestamp.GetTime()
	if err := m.fs.writeSuperblock(); err != nil {
		return fmt.Errorf("updating superblock at unmount: %w", err)
	}
	elog.WithField("path", m.path).Info("ext4 filesystem unmounted cleanly")
	return m.fs.Close()
}

// JournalStart opens a journaled transaction: the block cache switches into
// write-back mode, so every metadata write made through fs.writeBlock until
// the matching JournalStop is buffered instead of hitting disk immediately.
// Mounting without a journal, mounting read-only, or calling it twice
// without an intervening JournalStop are all errors.
func (m *MountedFilesystem) JournalStart() error {
	if !m.fs.superblock.features.hasJournal {
		return fmt.Errorf("ext4: filesystem has no journal")
	}
	if m.readOnly {
		return filesystem.ErrReadonlyFilesystem
	}
	if m.inTransaction {
		return fmt.Errorf("ext4: journal transaction already in progress")
	}
	if err := m.fs.blockCache.SetWriteBack(true); err != nil {
		return fmt.Errorf("entering write-back mode: %w", err)
	}
	m.inTransaction = true
	return nil
}

// JournalStop closes the transaction opened by JournalStart: it writes the
// buffered metadata blocks to the journal as a descriptor/data/commit
// sequence, checkpoints them to their real locations, and returns the block
// cache to write-through mode.
func (m *MountedFilesystem) JournalStop() error {
	if !m.inTransaction {
		return fmt.Errorf("ext4: no journal transaction in progress")
	}
	m.inTransaction = false
	if err := m.fs.commitJournalTransaction(); err != nil {
		return err
	}
	return m.fs.blockCache.SetWriteBack(false)
}
