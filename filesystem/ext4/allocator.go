package ext4

import (
	"fmt"

	"github.com/extfs/ext4fs/internal/elog"
	"github.com/sirupsen/logrus"
)

// allocateBlockForInode implements the single-block goal allocator: it tries
// the goal block itself, then the next 63 bits in its group,
// then a full linear scan of the goal group, then every other group in
// order. The winning block is marked used, the owning group's free count and
// the superblock's free-block total are decremented, and the inode's
// 512-byte block count is bumped.
func (fs *FileSystem) allocateBlockForInode(in *inode, goal uint64) (uint64, error) {
	sb := fs.superblock
	if sb.freeBlocks == 0 {
		elog.WithField("freeBlocks", sb.freeBlocks).Warn("block allocation failed: filesystem full")
		return 0, fmt.Errorf("no space left on filesystem")
	}

	groupCount := int(fs.blockGroups)
	goalGroup := int(blockGroupForBlock(int(goal), sb.blocksPerGroup))
	if goalGroup < 0 || goalGroup >= groupCount {
		goalGroup = 0
	}

	order := make([]int, 0, groupCount)
	order = append(order, goalGroup)
	for g := 0; g < groupCount; g++ {
		if g != goalGroup {
			order = append(order, g)
		}
	}

	for _, g := range order {
		bm, err := fs.readBlockBitmap(g)
		if err != nil {
			return 0, fmt.Errorf("reading block bitmap for group %d: %w", g, err)
		}
		groupStart := uint64(sb.firstDataBlock) + uint64(g)*uint64(sb.blocksPerGroup)

		var inGroupIdx = -1
		if g == goalGroup && goal >= groupStart {
			candidate := int(goal - groupStart)
			if set, err := bm.IsSet(candidate); err == nil && !set {
				inGroupIdx = candidate
			} else if err == nil {
				// scan the next 63 bits after the goal before giving up on locality
				for i := candidate + 1; i < candidate+64 && i < int(sb.blocksPerGroup); i++ {
					if s, err := bm.IsSet(i); err == nil && !s {
						inGroupIdx = i
						break
					}
				}
			}
		}
		if inGroupIdx < 0 {
			inGroupIdx = bm.FirstFree(0)
		}
		if inGroupIdx < 0 || inGroupIdx >= int(sb.blocksPerGroup) {
			if g == goalGroup {
				elog.WithFields(logrus.Fields{"goal": goal, "group": g}).Debug("goal group full, scanning remaining groups")
			}
			continue // this group is full, try the next one
		}

		if err := bm.Set(inGroupIdx); err != nil {
			return 0, fmt.Errorf("marking block %d used in group %d: %w", inGroupIdx, g, err)
		}
		if err := fs.writeBlockBitmap(bm, g); err != nil {
			return 0, fmt.Errorf("writing block bitmap for group %d: %w", g, err)
		}
		if err := fs.incrGDFreeBlocks(g, -1); err != nil {
			return 0, fmt.Errorf("updating free block count for group %d: %w", g, err)
		}
		sb.freeBlocks--
		if err := fs.writeSuperblock(); err != nil {
			return 0, fmt.Errorf("writing superblock: %w", err)
		}

		physical := groupStart + uint64(inGroupIdx)
		in.blocks += uint64(sb.blockSize / 512)
		return physical, nil
	}

	return 0, fmt.Errorf("no space left on filesystem")
}

// freeBlockForInode releases a single previously-allocated block, mirroring
// allocateBlockForInode's bookkeeping in reverse.
func (fs *FileSystem) freeBlockForInode(in *inode, block uint64) error {
	sb := fs.superblock
	g := blockGroupForBlock(int(block), sb.blocksPerGroup)
	groupStart := uint64(sb.firstDataBlock) + uint64(g)*uint64(sb.blocksPerGroup)
	if block < groupStart {
		return fmt.Errorf("block %d precedes its computed group start %d", block, groupStart)
	}
	bm, err := fs.readBlockBitmap(g)
	if err != nil {
		return fmt.Errorf("reading block bitmap for group %d: %w", g, err)
	}
	if err := bm.Clear(int(block - groupStart)); err != nil {
		return fmt.Errorf("clearing block %d in group %d: %w", block, g, err)
	}
	if err := fs.writeBlockBitmap(bm, g); err != nil {
		return fmt.Errorf("writing block bitmap for group %d: %w", g, err)
	}
	if err := fs.incrGDFreeBlocks(g, 1); err != nil {
		return fmt.Errorf("updating free block count for group %d: %w", g, err)
	}
	sb.freeBlocks++
	if in != nil && in.blocks >= uint64(sb.blockSize/512) {
		in.blocks -= uint64(sb.blockSize / 512)
	}
	if fs.blockCache != nil {
		fs.blockCache.Invalidate(block)
	}
	return fs.writeSuperblock()
}

// writeBlock writes exactly one filesystem block's worth of data, routing
// through the block cache when one is configured so a journaled transaction
// can buffer the write instead of forcing it to disk immediately.
func (fs *FileSystem) writeBlock(block uint64, data []byte) error {
	if uint32(len(data)) != fs.superblock.blockSize {
		return fmt.Errorf("writeBlock: data length %d does not match block size %d", len(data), fs.superblock.blockSize)
	}
	if fs.blockCache == nil {
		return fs.writeBlockUncached(block, data)
	}
	return fs.blockCache.WriteBlock(block, data)
}

// writeBlockUncached performs the actual disk write. It is the cache's
// WriteFunc, and is also used directly whenever no cache is configured.
func (fs *FileSystem) writeBlockUncached(block uint64, data []byte) error {
	sb := fs.superblock
	writableFile, err := fs.backend.Writable()
	if err != nil {
		return fmt.Errorf("opening backend for write: %w", err)
	}
	n, err := writableFile.WriteAt(data, int64(block)*int64(sb.blockSize))
	if err != nil {
		return fmt.Errorf("writing block %d: %w", block, err)
	}
	if n != len(data) {
		return fmt.Errorf("wrote %d bytes instead of %d for block %d", n, len(data), block)
	}
	return nil
}

// zeroBlock overwrites an entire block with zero bytes, used when a freshly
// allocated indirect/index block must start empty.
func (fs *FileSystem) zeroBlock(block uint64) error {
	return fs.writeBlock(block, make([]byte, fs.superblock.blockSize))
}
