package ext4

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// dxRootInfo is the dx_root_info descriptor stored in block 0 of an HTree
// directory, right after the `.`/`..` entries.
type dxRootInfo struct {
	hashVersion    hashVersion
	infoLength     uint8
	indirectLevels uint8
	unusedFlags    uint8
}

// dxIndexEntry is one {hash, child block} pair from a dx_root or dx_node
// index. The first entry of any index carries an implicit hash of 0 (it is
// physically overlaid with the dx_countlimit header on disk).
type dxIndexEntry struct {
	hash  uint32
	block uint32
}

// dxRoot is the parsed contents of block 0 of an HTree-indexed directory.
type dxRoot struct {
	dotEntry    *directoryEntry
	dotDotEntry *directoryEntry
	info        dxRootInfo
	entries     []dxIndexEntry
	depth       int // 0: entries point at leaves; 1: entries point at dx_node index blocks
}

// errBadDxDir mirrors the reference implementation's BAD_DX_DIR: htree
// metadata failed to parse or is internally inconsistent. Callers fall back
// to the linear directory path and clear the INDEX inode flag.
var errBadDxDir = fmt.Errorf("corrupted htree directory")

// fakeDirentRecLen reads the rec_len of a fake or real directory entry
// starting at offset off in b, used to chain through the two leading dirents
// of an HTree block without needing a full parse.
func fakeDirentRecLen(b []byte, off int) (uint16, error) {
	if off+8 > len(b) {
		return 0, errBadDxDir
	}
	recLen := binary.LittleEndian.Uint16(b[off+4 : off+6])
	if recLen < 8 {
		return 0, errBadDxDir
	}
	return recLen, nil
}

func direntAt(b []byte, off int) (*directoryEntry, uint16, error) {
	recLen, err := fakeDirentRecLen(b, off)
	if err != nil {
		return nil, 0, err
	}
	inode := binary.LittleEndian.Uint32(b[off : off+4])
	nameLen := int(b[off+6])
	ft := directoryFileType(b[off+7])
	if off+8+nameLen > len(b) {
		return nil, 0, errBadDxDir
	}
	name := string(b[off+8 : off+8+nameLen])
	return &directoryEntry{inode: inode, filename: name, fileType: ft}, recLen, nil
}

// parseDxEntries reads a dx_countlimit header followed by its index entries
// starting at byte offset off in b. The first logical entry (implicit hash
// 0) is physically stored as the countlimit's second word.
func parseDxEntries(b []byte, off int) (limit, count uint16, entries []dxIndexEntry, err error) {
	if off+4 > len(b) {
		return 0, 0, nil, errBadDxDir
	}
	limit = binary.LittleEndian.Uint16(b[off : off+2])
	count = binary.LittleEndian.Uint16(b[off+2 : off+4])
	if count == 0 || int(count) > int(limit) {
		return 0, 0, nil, errBadDxDir
	}
	if off+4+4 > len(b) {
		return 0, 0, nil, errBadDxDir
	}
	entries = make([]dxIndexEntry, 0, count)
	block0 := binary.LittleEndian.Uint32(b[off+4 : off+8])
	entries = append(entries, dxIndexEntry{hash: 0, block: block0})
	for i := 1; i < int(count); i++ {
		eoff := off + 8*i
		if eoff+8 > len(b) {
			return 0, 0, nil, errBadDxDir
		}
		hash := binary.LittleEndian.Uint32(b[eoff : eoff+4])
		block := binary.LittleEndian.Uint32(b[eoff+4 : eoff+8])
		entries = append(entries, dxIndexEntry{hash: hash, block: block})
	}
	return limit, count, entries, nil
}

// parseDirectoryTreeRoot parses block 0 of an HTree-indexed directory: the
// `.`/`..` entries, the dx_root_info descriptor, and the top-level index
// entries (which point at leaves when indirect_levels == 0, or at dx_node
// index blocks when indirect_levels == 1, per spec's depth-2 limit).
func parseDirectoryTreeRoot(b []byte, largeDirectory bool) (*dxRoot, error) {
	dotEntry, dotLen, err := direntAt(b, 0)
	if err != nil {
		return nil, fmt.Errorf("htree root: %w", err)
	}
	dotDotOffset := int(dotLen)
	dotDotEntry, dotDotLen, err := direntAt(b, dotDotOffset)
	if err != nil {
		return nil, fmt.Errorf("htree root: %w", err)
	}
	infoOffset := dotDotOffset + int(dotDotLen)
	if infoOffset+8 > len(b) {
		return nil, fmt.Errorf("htree root: %w", errBadDxDir)
	}
	info := dxRootInfo{
		hashVersion:    hashVersion(b[infoOffset+4]),
		infoLength:     b[infoOffset+5],
		indirectLevels: b[infoOffset+6],
		unusedFlags:    b[infoOffset+7],
	}
	if info.infoLength < 8 {
		return nil, fmt.Errorf("htree root: %w", errBadDxDir)
	}
	if info.indirectLevels > 1 {
		// this engine never produces depth > 2 and treats a deeper tree as corrupt
		return nil, fmt.Errorf("htree root: indirect_levels %d exceeds supported depth: %w", info.indirectLevels, errBadDxDir)
	}
	entriesOffset := infoOffset + int(info.infoLength)
	_, _, entries, err := parseDxEntries(b, entriesOffset)
	if err != nil {
		return nil, fmt.Errorf("htree root entries: %w", err)
	}
	return &dxRoot{
		dotEntry:    dotEntry,
		dotDotEntry: dotDotEntry,
		info:        info,
		entries:     entries,
		depth:       int(info.indirectLevels),
	}, nil
}

// parseDxNode parses an indirect-level (dx_node) block: a single fake dirent
// spanning the whole block, followed by the same dx_countlimit/entries shape
// as the root.
func parseDxNode(b []byte) ([]dxIndexEntry, error) {
	fakeLen, err := fakeDirentRecLen(b, 0)
	if err != nil {
		return nil, err
	}
	_, _, entries, err := parseDxEntries(b, int(fakeLen))
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// parseDirEntriesHashed walks an entire HTree directory (already read into b
// as one contiguous buffer of blocksize-sized blocks) and returns every real
// entry found across all of its leaves, in leaf/hash order. It does not
// include the root's own `.`/`..` entries; the caller prepends those.
func parseDirEntriesHashed(b []byte, depth int, root *dxRoot, blocksize uint32, metadataChecksums bool, inodeNumber uint32, nfsFileVersion uint32, checksumSeed uint32) ([]*directoryEntry, error) {
	leafBlocks := make([]uint32, 0, len(root.entries))
	switch depth {
	case 0:
		for _, e := range root.entries {
			leafBlocks = append(leafBlocks, e.block)
		}
	case 1:
		for _, idxEntry := range root.entries {
			nodeBlock := idxEntry.block
			start := uint64(nodeBlock) * uint64(blocksize)
			end := start + uint64(blocksize)
			if end > uint64(len(b)) {
				return nil, fmt.Errorf("htree index block %d out of range: %w", nodeBlock, errBadDxDir)
			}
			childEntries, err := parseDxNode(b[start:end])
			if err != nil {
				return nil, fmt.Errorf("htree index block %d: %w", nodeBlock, err)
			}
			for _, ce := range childEntries {
				leafBlocks = append(leafBlocks, ce.block)
			}
		}
	default:
		return nil, fmt.Errorf("htree depth %d: %w", depth, errBadDxDir)
	}

	var out []*directoryEntry
	for _, lb := range leafBlocks {
		start := uint64(lb) * uint64(blocksize)
		end := start + uint64(blocksize)
		if end > uint64(len(b)) {
			return nil, fmt.Errorf("htree leaf block %d out of range: %w", lb, errBadDxDir)
		}
		leafEntries, err := parseDirEntriesLinear(b[start:end], metadataChecksums, blocksize, inodeNumber, nfsFileVersion, checksumSeed)
		if err != nil {
			return nil, fmt.Errorf("htree leaf block %d: %w", lb, err)
		}
		out = append(out, leafEntries...)
	}
	return out, nil
}

// htreeHashVersion picks the signed/unsigned variant of the filesystem's
// default hash algorithm, per the superblock's unsigned_directory_hash flag.
func htreeHashVersion(sb *superblock) hashVersion {
	v := hashVersion(sb.hashVersion)
	if !sb.miscFlags.unsignedDirectoryHash {
		return v
	}
	switch v {
	case HashVersionLegacy:
		return HashVersionLegacyUnsigned
	case HashVersionHalfMD4:
		return HashVersionHalfMD4Unsigned
	case HashVersionTEA:
		return HashVersionTEAUnsigned
	default:
		return v
	}
}

// hashedEntry pairs a directory entry with its major/minor hash, the sort
// key used to place it within the HTree.
type hashedEntry struct {
	entry *directoryEntry
	hash  uint32
	minor uint32
}

// maxLeafEntryBytes bounds how many bytes of packed directory entries a
// single HTree leaf may hold before the next entry starts a new leaf: the
// whole block, less the checksum tail under metadata_csum. Leaves are filled
// up to this bound; they are not capped at half a block.
func maxLeafEntryBytes(blocksize uint32, metadataChecksums bool) int {
	usable := int(blocksize)
	if metadataChecksums {
		usable -= minDirEntryLength
	}
	return usable
}

func packedEntryLen(name string) int {
	l := 8 + len(name)
	if l%4 != 0 {
		l += 4 - l%4
	}
	return l
}

// buildHashedDirectoryBlocks lays out a complete HTree directory (root,
// optional index level, and leaves) from a flat list of entries, rehashing
// and resplitting from scratch. The engine always rebuilds a directory's
// blocks wholesale on mutation (see ext4.go's mkDirEntry/Remove), so a fresh
// rebalanced tree on every write is consistent with that design rather than
// an incremental leaf-split, and it always satisfies the "leaves honor their
// parent's [lo, hi) range" invariant by construction.
func buildHashedDirectoryBlocks(entries []*directoryEntry, blocksize uint32, hv hashVersion, seed []uint32, metadataChecksums bool, inodeNumber uint32, checksumSeed uint32, dotEntry, dotDotEntry *directoryEntry) ([]byte, error) {
	hashed := make([]hashedEntry, 0, len(entries))
	for _, e := range entries {
		h, m := ext4fsDirhash(e.filename, hv, seed)
		hashed = append(hashed, hashedEntry{entry: e, hash: h, minor: m})
	}
	sort.SliceStable(hashed, func(i, j int) bool {
		if hashed[i].hash != hashed[j].hash {
			return hashed[i].hash < hashed[j].hash
		}
		return hashed[i].minor < hashed[j].minor
	})

	maxLeaf := maxLeafEntryBytes(blocksize, metadataChecksums)

	// split the sorted entries into leaves no larger than maxLeaf bytes packed
	type leaf struct {
		entries  []*directoryEntry
		loHash   uint32
	}
	var leaves []leaf
	cur := leaf{}
	curBytes := 0
	for _, he := range hashed {
		el := packedEntryLen(he.entry.filename)
		if curBytes+el > maxLeaf && len(cur.entries) > 0 {
			leaves = append(leaves, cur)
			cur = leaf{}
			curBytes = 0
		}
		if len(cur.entries) == 0 {
			cur.loHash = he.hash
		}
		cur.entries = append(cur.entries, he.entry)
		curBytes += el
	}
	leaves = append(leaves, cur)
	if len(leaves) == 0 {
		leaves = append(leaves, leaf{})
	}

	appender := directoryChecksumAppender(checksumSeed, inodeNumber, 0)
	if !metadataChecksums {
		appender = nil
	}

	// block 0 is reserved for the root; leaves start at block 1, any index
	// level (depth 1) is inserted between the root and the leaves.
	const rootCapacity = 508 // 8-byte index entries in a 4096-byte root block after its 32-byte header; smaller blocks hold fewer, and writeDxEntries reports an overflow
	depth := 0
	if len(leaves) > rootCapacity {
		depth = 1
	}

	var out []byte
	leafDir := func(l leaf) []byte {
		d := &Directory{entries: l.entries}
		return d.toBytes(blocksize, appender)
	}

	writeLeaves := func() ([]byte, []dxIndexEntry) {
		var buf []byte
		idx := make([]dxIndexEntry, len(leaves))
		nextBlock := uint32(1)
		if depth == 1 {
			// reserve block 1..N for index nodes; filled in by caller
			nextBlock = 1
		}
		for i, l := range leaves {
			idx[i] = dxIndexEntry{hash: l.loHash, block: nextBlock}
			buf = append(buf, leafDir(l)...)
			nextBlock++
		}
		return buf, idx
	}

	rootInfo := dxRootInfo{hashVersion: hv, infoLength: 8, indirectLevels: uint8(depth)}

	if depth == 0 {
		leafBytes, idx := writeLeaves()
		root, err := buildDxRootBlock(dotEntry, dotDotEntry, rootInfo, idx, blocksize)
		if err != nil {
			return nil, err
		}
		out = append(out, root...)
		out = append(out, leafBytes...)
		return out, nil
	}

	// depth 1: one dx_node per up-to-rootCapacity leaves
	var nodeGroups [][]leaf
	for i := 0; i < len(leaves); i += rootCapacity {
		end := i + rootCapacity
		if end > len(leaves) {
			end = len(leaves)
		}
		nodeGroups = append(nodeGroups, leaves[i:end])
	}

	nextBlock := uint32(1 + len(nodeGroups))
	rootEntries := make([]dxIndexEntry, len(nodeGroups))
	var nodesBytes []byte
	var leavesBytes []byte
	for gi, group := range nodeGroups {
		childEntries := make([]dxIndexEntry, len(group))
		var groupLeafBytes []byte
		groupLoHash := group[0].loHash
		for li, l := range group {
			childEntries[li] = dxIndexEntry{hash: l.loHash, block: nextBlock}
			groupLeafBytes = append(groupLeafBytes, leafDir(l)...)
			nextBlock++
		}
		nodeBlock, err := buildDxNodeBlock(childEntries, blocksize)
		if err != nil {
			return nil, err
		}
		nodesBytes = append(nodesBytes, nodeBlock...)
		leavesBytes = append(leavesBytes, groupLeafBytes...)
		rootEntries[gi] = dxIndexEntry{hash: groupLoHash, block: uint32(1 + gi)}
	}

	root, err := buildDxRootBlock(dotEntry, dotDotEntry, rootInfo, rootEntries, blocksize)
	if err != nil {
		return nil, err
	}
	out = append(out, root...)
	out = append(out, nodesBytes...)
	out = append(out, leavesBytes...)
	return out, nil
}

// rebuildHashedDirectory regenerates an entire HTree-indexed directory's
// blocks from the current flat entry list, which is expected to still carry
// the `.`/`..` entries mkDirEntry/mkSubdir place first. Used whenever an
// entry is added to or removed from a hashedDirectoryIndexes directory,
// matching the linear path's own whole-directory rewrite.
func (fs *FileSystem) rebuildHashedDirectory(in *inode, allEntries []*directoryEntry) ([]byte, error) {
	var dotEntry, dotDotEntry *directoryEntry
	rest := make([]*directoryEntry, 0, len(allEntries))
	for _, e := range allEntries {
		switch e.filename {
		case ".":
			dotEntry = e
		case "..":
			dotDotEntry = e
		default:
			rest = append(rest, e)
		}
	}
	if dotEntry == nil {
		dotEntry = &directoryEntry{inode: in.number, filename: ".", fileType: dirFileTypeDirectory}
	}
	if dotDotEntry == nil {
		dotDotEntry = &directoryEntry{inode: in.number, filename: "..", fileType: dirFileTypeDirectory}
	}
	sb := fs.superblock
	hv := htreeHashVersion(sb)
	return buildHashedDirectoryBlocks(rest, sb.blockSize, hv, sb.hashTreeSeed, sb.features.metadataChecksums, in.number, sb.checksumSeed, dotEntry, dotDotEntry)
}

// buildDxRootBlock serializes block 0 of an HTree directory: `.`, `..`,
// the dx_root_info descriptor, and the top-level index entries.
func buildDxRootBlock(dotEntry, dotDotEntry *directoryEntry, info dxRootInfo, entries []dxIndexEntry, blocksize uint32) ([]byte, error) {
	b := make([]byte, blocksize)
	// dot entry: fixed 12-byte record
	binary.LittleEndian.PutUint32(b[0:4], dotEntry.inode)
	binary.LittleEndian.PutUint16(b[4:6], 12)
	b[6] = byte(len(dotEntry.filename))
	b[7] = byte(dotEntry.fileType)
	copy(b[8:8+len(dotEntry.filename)], dotEntry.filename)

	// dotdot entry's rec_len reaches to the start of dx_root_info
	const infoOffset = 24
	binary.LittleEndian.PutUint32(b[12:16], dotDotEntry.inode)
	binary.LittleEndian.PutUint16(b[16:18], uint16(infoOffset-12))
	b[18] = byte(len(dotDotEntry.filename))
	b[19] = byte(dotDotEntry.fileType)
	copy(b[20:20+len(dotDotEntry.filename)], dotDotEntry.filename)

	b[infoOffset+4] = byte(info.hashVersion)
	b[infoOffset+5] = info.infoLength
	b[infoOffset+6] = info.indirectLevels
	b[infoOffset+7] = info.unusedFlags

	entriesOffset := infoOffset + int(info.infoLength)
	if err := writeDxEntries(b, entriesOffset, entries, blocksize); err != nil {
		return nil, err
	}
	return b, nil
}

// buildDxNodeBlock serializes an indirect-level dx_node block: a fake dirent
// spanning the whole block, followed by its index entries.
func buildDxNodeBlock(entries []dxIndexEntry, blocksize uint32) ([]byte, error) {
	b := make([]byte, blocksize)
	binary.LittleEndian.PutUint32(b[0:4], 0)
	binary.LittleEndian.PutUint16(b[4:6], uint16(blocksize))
	b[6] = 0
	b[7] = 0
	if err := writeDxEntries(b, 8, entries, blocksize); err != nil {
		return nil, err
	}
	return b, nil
}

// writeDxEntries writes a dx_countlimit header plus the entries slice (whose
// first entry's hash is implicit/unused on disk) starting at byte offset off.
func writeDxEntries(b []byte, off int, entries []dxIndexEntry, blocksize uint32) error {
	limit := (int(blocksize) - off) / 8
	if len(entries) > limit {
		return fmt.Errorf("htree node overflow: %d entries exceeds capacity %d: %w", len(entries), limit, errBadDxDir)
	}
	binary.LittleEndian.PutUint16(b[off:off+2], uint16(limit))
	binary.LittleEndian.PutUint16(b[off+2:off+4], uint16(len(entries)))
	if len(entries) == 0 {
		return nil
	}
	binary.LittleEndian.PutUint32(b[off+4:off+8], entries[0].block)
	for i := 1; i < len(entries); i++ {
		eoff := off + 8*i
		binary.LittleEndian.PutUint32(b[eoff:eoff+4], entries[i].hash)
		binary.LittleEndian.PutUint32(b[eoff+4:eoff+8], entries[i].block)
	}
	return nil
}
