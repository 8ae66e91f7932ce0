package ext4

import (
	"encoding/binary"
	"fmt"
)

// Indirect block mapping for inodes that do not carry the EXTENTS flag
// (every ext2 inode, and ext3/ext4 inodes created without the extents
// feature). The classic i_block[15] array holds 12 direct pointers followed
// by single-, double- and triple-indirect pointers.
const (
	indirectDirectPointers = 12
	indirectSingle         = indirectDirectPointers
	indirectDouble         = indirectSingle + 1
	indirectTriple         = indirectDouble + 1
	indirectPointerCount   = indirectTriple + 1 // 15, matches the 60-byte i_block payload
)

// indirectBlockFinder implements extentBlockFinder over the legacy
// direct/single/double/triple-indirect pointer array, so file.go and
// directory.go can address either mapping scheme through the same
// interface inode.go already exposes via the `extents` field.
type indirectBlockFinder struct {
	pointers  [indirectPointerCount]uint32
	blockSize uint32
	fileBlock uint32 // always 0: indirect mapping always describes the whole file from block 0
	count     uint32 // total number of logical blocks the inode currently claims
}

var _ extentBlockFinder = &indirectBlockFinder{}

// parseIndirect reads the legacy 60-byte i_block payload into an
// indirectBlockFinder. totalBlocks is the inode's logical block count,
// carried through so blocks()/findBlocks() know where the file ends.
func parseIndirect(b []byte, blocksize uint32, totalBlocks uint32) (extentBlockFinder, error) {
	if len(b) < indirectPointerCount*4 {
		return nil, fmt.Errorf("indirect block payload too short: %d bytes", len(b))
	}
	f := &indirectBlockFinder{blockSize: blocksize, count: totalBlocks}
	for i := 0; i < indirectPointerCount; i++ {
		f.pointers[i] = binary.LittleEndian.Uint32(b[i*4 : i*4+4])
	}
	return f, nil
}

func (f *indirectBlockFinder) getDepth() uint16     { return 0 }
func (f *indirectBlockFinder) getMax() uint16       { return indirectPointerCount }
func (f *indirectBlockFinder) getBlockSize() uint32 { return f.blockSize }
func (f *indirectBlockFinder) getFileBlock() uint32 { return f.fileBlock }
func (f *indirectBlockFinder) getCount() uint32     { return f.count }

// toBytes re-serializes the pointer array back into the 60-byte inode
// payload layout.
func (f *indirectBlockFinder) toBytes() []byte {
	b := make([]byte, indirectPointerCount*4)
	for i := 0; i < indirectPointerCount; i++ {
		binary.LittleEndian.PutUint32(b[i*4:i*4+4], f.pointers[i])
	}
	return b
}

// pointersPerBlock is how many 32-bit block pointers fit in one filesystem
// block, the fan-out factor for each indirection level.
func (f *indirectBlockFinder) pointersPerBlock() uint32 {
	return f.blockSize / 4
}

// tierLimits returns the cumulative number of logical blocks addressable by
// the direct, single-, double- and triple-indirect tiers.
func (f *indirectBlockFinder) tierLimits() (direct, single, double, triple uint64) {
	ppb := uint64(f.pointersPerBlock())
	direct = indirectDirectPointers
	single = direct + ppb
	double = single + ppb*ppb
	triple = double + ppb*ppb*ppb
	return
}

// resolveLogicalBlock walks the indirection chain for a single logical block
// number and returns its physical block number (0 if unmapped/a hole).
func (f *indirectBlockFinder) resolveLogicalBlock(fs *FileSystem, logical uint64) (uint64, error) {
	direct, single, double, triple := f.tierLimits()
	ppb := uint64(f.pointersPerBlock())

	switch {
	case logical < direct:
		return uint64(f.pointers[logical]), nil
	case logical < single:
		return f.walkIndirect(fs, uint64(f.pointers[indirectSingle]), []uint64{logical - direct})
	case logical < double:
		rem := logical - single
		return f.walkIndirect(fs, uint64(f.pointers[indirectDouble]), []uint64{rem / ppb, rem % ppb})
	case logical < triple:
		rem := logical - double
		l0 := rem / (ppb * ppb)
		rem2 := rem % (ppb * ppb)
		return f.walkIndirect(fs, uint64(f.pointers[indirectTriple]), []uint64{l0, rem2 / ppb, rem2 % ppb})
	default:
		return 0, fmt.Errorf("logical block %d exceeds triple-indirect addressable range %d", logical, triple)
	}
}

// walkIndirect follows a chain of indirect blocks, one index per level in
// idx, starting from the pointer block at physical block `ptrBlock`.
func (f *indirectBlockFinder) walkIndirect(fs *FileSystem, ptrBlock uint64, idx []uint64) (uint64, error) {
	if ptrBlock == 0 {
		return 0, nil // hole: this branch of the tree was never allocated
	}
	block := ptrBlock
	for level, i := range idx {
		data, err := fs.readBlock(block)
		if err != nil {
			return 0, fmt.Errorf("reading indirect block %d: %w", block, err)
		}
		off := i * 4
		if off+4 > uint64(len(data)) {
			return 0, fmt.Errorf("indirect pointer index %d out of range in block %d", i, block)
		}
		next := binary.LittleEndian.Uint32(data[off : off+4])
		if next == 0 {
			return 0, nil
		}
		block = uint64(next)
		_ = level
	}
	return block, nil
}

// findBlocks resolves a contiguous run of `count` logical blocks starting at
// `start` into the physical blocks that back them, one entry per logical
// block (0 for a hole); adjacent physical blocks are not merged.
func (f *indirectBlockFinder) findBlocks(start, count uint64, fs *FileSystem) ([]uint64, error) {
	blocks := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		phys, err := f.resolveLogicalBlock(fs, start+i)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, phys)
	}
	return blocks, nil
}

// blocks unravels the entire indirect mapping into a sorted, contiguous-run
// extents list, exactly like an extent tree's blocks() does, so callers that
// only understand `extents` (directory/file readers) don't need to know
// which mapping scheme actually backs a given inode.
func (f *indirectBlockFinder) blocks(fs *FileSystem) (extents, error) {
	var out extents
	var cur *extent
	for logical := uint64(0); logical < uint64(f.count); logical++ {
		phys, err := f.resolveLogicalBlock(fs, logical)
		if err != nil {
			return nil, err
		}
		if phys == 0 {
			cur = nil
			continue
		}
		if cur != nil && cur.startingBlock+uint64(cur.count) == phys && uint64(cur.fileBlock)+uint64(cur.count) == logical {
			cur.count++
			continue
		}
		out = append(out, extent{fileBlock: uint32(logical), startingBlock: phys, count: 1})
		cur = &out[len(out)-1]
	}
	return out, nil
}

// appendBlock maps an already allocated physical block onto the next
// unmapped logical block of the file, allocating whatever intermediate
// single/double/triple indirect blocks are needed along the way (see
// setIndirectPointer for their goal).
func (f *indirectBlockFinder) appendBlock(fs *FileSystem, in *inode, physical uint64) error {
	logical := uint64(f.count)
	direct, single, double, _ := f.tierLimits()
	ppb := uint64(f.pointersPerBlock())

	switch {
	case logical < direct:
		f.pointers[logical] = uint32(physical)
	case logical < single:
		if err := f.setIndirectPointer(fs, in, indirectSingle, []uint64{logical - direct}, physical); err != nil {
			return err
		}
	case logical < double:
		rem := logical - single
		if err := f.setIndirectPointer(fs, in, indirectDouble, []uint64{rem / ppb, rem % ppb}, physical); err != nil {
			return err
		}
	default:
		rem := logical - double
		l0 := rem / (ppb * ppb)
		rem2 := rem % (ppb * ppb)
		if err := f.setIndirectPointer(fs, in, indirectTriple, []uint64{l0, rem2 / ppb, rem2 % ppb}, physical); err != nil {
			return err
		}
	}
	f.count++
	return nil
}

// setIndirectPointer writes physical at the leaf of the indirection chain
// rooted at f.pointers[rootSlot], allocating any missing intermediate
// indirect blocks (zero-filled, goal = physical+1 as a simple locality
// heuristic) along the way.
func (f *indirectBlockFinder) setIndirectPointer(fs *FileSystem, in *inode, rootSlot int, idx []uint64, physical uint64) error {
	if f.pointers[rootSlot] == 0 {
		nb, err := fs.allocateBlockForInode(in, physical+1)
		if err != nil {
			return fmt.Errorf("allocating indirect block for slot %d: %w", rootSlot, err)
		}
		if err := fs.zeroBlock(nb); err != nil {
			return err
		}
		f.pointers[rootSlot] = uint32(nb)
	}
	block := uint64(f.pointers[rootSlot])
	for level := 0; level < len(idx)-1; level++ {
		data, err := fs.readBlock(block)
		if err != nil {
			return err
		}
		off := idx[level] * 4
		next := binary.LittleEndian.Uint32(data[off : off+4])
		if next == 0 {
			nb, err := fs.allocateBlockForInode(in, physical+1)
			if err != nil {
				return fmt.Errorf("allocating indirect block: %w", err)
			}
			if err := fs.zeroBlock(nb); err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(data[off:off+4], uint32(nb))
			if err := fs.writeBlock(block, data); err != nil {
				return err
			}
			next = uint32(nb)
		}
		block = uint64(next)
	}
	data, err := fs.readBlock(block)
	if err != nil {
		return err
	}
	off := idx[len(idx)-1] * 4
	binary.LittleEndian.PutUint32(data[off:off+4], uint32(physical))
	return fs.writeBlock(block, data)
}
