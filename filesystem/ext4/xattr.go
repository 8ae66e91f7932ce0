package ext4

import (
	"encoding/binary"
	"fmt"

	"github.com/extfs/ext4fs/filesystem/ext4/crc"
)

// xattrNameIndex identifies which well-known namespace an attribute name
// belongs to; the namespace prefix itself is not stored on disk, only this
// index plus the suffix of the name after the prefix.
type xattrNameIndex uint8

const (
	xattrIndexUser            xattrNameIndex = 1
	xattrIndexPosixACLAccess  xattrNameIndex = 2
	xattrIndexPosixACLDefault xattrNameIndex = 3
	xattrIndexTrusted         xattrNameIndex = 4
	xattrIndexSecurity        xattrNameIndex = 6
	xattrIndexSystem          xattrNameIndex = 7
	xattrIndexRichACL         xattrNameIndex = 8
)

var xattrPrefixes = []struct {
	index  xattrNameIndex
	prefix string
}{
	{xattrIndexUser, "user."},
	{xattrIndexPosixACLAccess, "system.posix_acl_access"},
	{xattrIndexPosixACLDefault, "system.posix_acl_default"},
	{xattrIndexTrusted, "trusted."},
	{xattrIndexSecurity, "security."},
	{xattrIndexSystem, "system."},
	{xattrIndexRichACL, "system.richacl"},
}

// splitXattrName resolves a fully-qualified name ("user.foo") into its
// on-disk name-index plus the stored suffix ("foo"). The two POSIX ACL and
// richacl names have no stored suffix at all (the prefix is the whole name).
func splitXattrName(full string) (xattrNameIndex, string, error) {
	for _, p := range xattrPrefixes {
		switch p.index {
		case xattrIndexPosixACLAccess, xattrIndexPosixACLDefault, xattrIndexRichACL:
			if full == p.prefix {
				return p.index, "", nil
			}
		default:
			if len(full) > len(p.prefix) && full[:len(p.prefix)] == p.prefix {
				return p.index, full[len(p.prefix):], nil
			}
		}
	}
	return 0, "", fmt.Errorf("unrecognized extended attribute namespace: %q", full)
}

func joinXattrName(index xattrNameIndex, suffix string) string {
	for _, p := range xattrPrefixes {
		if p.index == index {
			switch index {
			case xattrIndexPosixACLAccess, xattrIndexPosixACLDefault, xattrIndexRichACL:
				return p.prefix
			default:
				return p.prefix + suffix
			}
		}
	}
	return suffix
}

// xattrEntry is one parsed {name, value} extended attribute, with the
// bookkeeping needed to re-lay it out on disk (value_block nonzero would
// mean the value itself lives in a still-further external block, a
// multi-block xattr chain this engine does not produce, mirroring the
// spec's scope of a single external xattr block per inode).
type xattrEntry struct {
	nameIndex xattrNameIndex
	suffix    string
	value     []byte
}

const (
	xattrMagic       uint32 = 0xEA020000
	xattrHeaderSize         = 32 // external block only: magic, refcount, blocks, hash, checksum, reserved
	xattrEntrySize          = 16 // fixed portion before the (padded) name
)

// xattrHash mirrors ext4_xattr_hash_entry: folds the name and, for values
// that live in the same block as the entry list, the value bytes into a
// single 32-bit hash used to speed lookups and to detect whether two
// external xattr blocks are identical (for block sharing/refcounting).
func xattrHash(index xattrNameIndex, suffix string, value []byte) uint32 {
	var h uint32
	for i := 0; i < len(suffix); i++ {
		h = (h << 5) ^ (h >> 27) ^ uint32(suffix[i])
	}
	n := len(value) / 4
	for i := 0; i < n; i++ {
		word := binary.LittleEndian.Uint32(value[i*4 : i*4+4])
		h = (h << 16) ^ (h >> 16) ^ word
	}
	return h
}

func padTo4(n int) int {
	if n%4 != 0 {
		n += 4 - n%4
	}
	return n
}

// parseXattrEntries reads entries starting at byte offset 0 of region,
// where values are offsets relative to valueBase (the start of the region
// for inline attributes, or the start of the block for external ones).
// Parsing stops at the first all-zero terminator entry or end of region.
func parseXattrEntries(region []byte, valueBase int) ([]xattrEntry, error) {
	var entries []xattrEntry
	off := 0
	for off+xattrEntrySize <= len(region) {
		nameLen := region[off]
		nameIndex := xattrNameIndex(region[off+1])
		if nameLen == 0 && nameIndex == 0 {
			break
		}
		valueOffset := binary.LittleEndian.Uint16(region[off+2 : off+4])
		valueBlock := binary.LittleEndian.Uint32(region[off+4 : off+8])
		valueSize := binary.LittleEndian.Uint32(region[off+8 : off+12])
		if valueBlock != 0 {
			return nil, fmt.Errorf("multi-block extended attribute values are not supported")
		}
		nameStart := off + xattrEntrySize
		nameEnd := nameStart + int(nameLen)
		if nameEnd > len(region) {
			return nil, fmt.Errorf("corrupted extended attribute entry: name overruns region")
		}
		suffix := string(region[nameStart:nameEnd])
		vStart := valueBase + int(valueOffset)
		vEnd := vStart + int(valueSize)
		if vStart < 0 || vEnd > len(region) || vEnd < vStart {
			return nil, fmt.Errorf("corrupted extended attribute entry: value out of range")
		}
		value := make([]byte, valueSize)
		copy(value, region[vStart:vEnd])
		entries = append(entries, xattrEntry{nameIndex: nameIndex, suffix: suffix, value: value})
		off += padTo4(xattrEntrySize + int(nameLen))
	}
	return entries, nil
}

// buildXattrRegion lays out a complete entry list + value area inside a
// region of exactly regionSize bytes: entries grow forward from offset 0,
// values grow backward from the end, exactly as the reference
// implementation packs both the inline area and an external xattr block.
func buildXattrRegion(entries []xattrEntry, regionSize int) ([]byte, error) {
	region := make([]byte, regionSize)
	entryOff := 0
	valueOff := regionSize
	for _, e := range entries {
		el := padTo4(xattrEntrySize + len(e.suffix))
		valueOff -= padTo4(len(e.value))
		if entryOff+el > valueOff {
			return nil, fmt.Errorf("extended attributes do not fit in %d bytes", regionSize)
		}
		region[entryOff] = byte(len(e.suffix))
		region[entryOff+1] = byte(e.nameIndex)
		binary.LittleEndian.PutUint16(region[entryOff+2:entryOff+4], uint16(valueOff))
		binary.LittleEndian.PutUint32(region[entryOff+4:entryOff+8], 0) // value_block: always inline/same-block
		binary.LittleEndian.PutUint32(region[entryOff+8:entryOff+12], uint32(len(e.value)))
		binary.LittleEndian.PutUint32(region[entryOff+12:entryOff+16], xattrHash(e.nameIndex, e.suffix, e.value))
		copy(region[entryOff+xattrEntrySize:entryOff+xattrEntrySize+len(e.suffix)], e.suffix)
		copy(region[valueOff:valueOff+len(e.value)], e.value)
		entryOff += el
	}
	return region, nil
}

// readInlineXattrs parses the inline extended attribute area that sits
// between the fixed inode fields and the end of the inode's on-disk record.
// Returns nil, nil if the inode carries no inline xattrs.
func readInlineXattrs(in *inode) ([]xattrEntry, error) {
	if len(in.inlineXattr) < 4 {
		return nil, nil
	}
	if binary.LittleEndian.Uint32(in.inlineXattr[0:4]) != xattrMagic {
		return nil, nil
	}
	return parseXattrEntries(in.inlineXattr[4:], 0)
}

// readExternalXattrs reads and parses the external xattr block referenced
// by the inode's file_acl field, if any.
func (fs *FileSystem) readExternalXattrs(in *inode) ([]xattrEntry, uint32, error) {
	if in.extendedAttributeBlock == 0 {
		return nil, 0, nil
	}
	b, err := fs.readBlock(in.extendedAttributeBlock)
	if err != nil {
		return nil, 0, fmt.Errorf("reading external xattr block %d: %w", in.extendedAttributeBlock, err)
	}
	if binary.LittleEndian.Uint32(b[0:4]) != xattrMagic {
		return nil, 0, fmt.Errorf("external xattr block %d has bad magic", in.extendedAttributeBlock)
	}
	refcount := binary.LittleEndian.Uint32(b[4:8])
	entries, err := parseXattrEntries(b[xattrHeaderSize:], xattrHeaderSize)
	if err != nil {
		return nil, 0, err
	}
	return entries, refcount, nil
}

// allXattrs merges the inline and external attribute sets for an inode,
// searching the inline set first, then the external block.
func (fs *FileSystem) allXattrs(in *inode) ([]xattrEntry, error) {
	inline, err := readInlineXattrs(in)
	if err != nil {
		return nil, err
	}
	external, _, err := fs.readExternalXattrs(in)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(inline))
	out := make([]xattrEntry, 0, len(inline)+len(external))
	for _, e := range inline {
		seen[joinXattrName(e.nameIndex, e.suffix)] = true
		out = append(out, e)
	}
	for _, e := range external {
		if !seen[joinXattrName(e.nameIndex, e.suffix)] {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetXattr returns the value of a single extended attribute on the file or
// directory at path.
func (fs *FileSystem) GetXattr(path, name string) ([]byte, error) {
	_, entry, err := fs.getEntryAndParent(path)
	if err != nil {
		return nil, err
	}
	in, err := fs.readInode(entry.inode)
	if err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", entry.inode, err)
	}
	index, suffix, err := splitXattrName(name)
	if err != nil {
		return nil, err
	}
	all, err := fs.allXattrs(in)
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		if e.nameIndex == index && e.suffix == suffix {
			return e.value, nil
		}
	}
	return nil, fmt.Errorf("extended attribute %q not found on %s", name, path)
}

// ListXattr returns the fully-qualified names of every extended attribute
// set on the file or directory at path.
func (fs *FileSystem) ListXattr(path string) ([]string, error) {
	_, entry, err := fs.getEntryAndParent(path)
	if err != nil {
		return nil, err
	}
	in, err := fs.readInode(entry.inode)
	if err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", entry.inode, err)
	}
	all, err := fs.allXattrs(in)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for _, e := range all {
		names = append(names, joinXattrName(e.nameIndex, e.suffix))
	}
	return names, nil
}

// SetXattr creates or replaces a single extended attribute on the file or
// directory at path. An inode whose external block is shared (refcount > 1)
// never mutates that block directly, it is given its own fresh copy first.
func (fs *FileSystem) SetXattr(path, name string, value []byte) error {
	index, suffix, err := splitXattrName(name)
	if err != nil {
		return err
	}
	_, entry, err := fs.getEntryAndParent(path)
	if err != nil {
		return err
	}
	in, err := fs.readInode(entry.inode)
	if err != nil {
		return fmt.Errorf("reading inode %d: %w", entry.inode, err)
	}
	all, err := fs.allXattrs(in)
	if err != nil {
		return err
	}
	replaced := false
	for i, e := range all {
		if e.nameIndex == index && e.suffix == suffix {
			all[i].value = value
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, xattrEntry{nameIndex: index, suffix: suffix, value: value})
	}
	return fs.rewriteXattrs(in, all)
}

// RemoveXattr deletes a single extended attribute from the file or
// directory at path.
func (fs *FileSystem) RemoveXattr(path, name string) error {
	index, suffix, err := splitXattrName(name)
	if err != nil {
		return err
	}
	_, entry, err := fs.getEntryAndParent(path)
	if err != nil {
		return err
	}
	in, err := fs.readInode(entry.inode)
	if err != nil {
		return fmt.Errorf("reading inode %d: %w", entry.inode, err)
	}
	all, err := fs.allXattrs(in)
	if err != nil {
		return err
	}
	out := make([]xattrEntry, 0, len(all))
	found := false
	for _, e := range all {
		if e.nameIndex == index && e.suffix == suffix {
			found = true
			continue
		}
		out = append(out, e)
	}
	if !found {
		return fmt.Errorf("extended attribute %q not found on %s", name, path)
	}
	return fs.rewriteXattrs(in, out)
}

// rewriteXattrs lays the full attribute set back out, preferring the inline
// area and spilling into (or continuing to use) an external block only when
// the set does not fit inline. A shared external block (refcount > 1) is
// never mutated in place; this inode is copy-on-write'd onto its own block.
func (fs *FileSystem) rewriteXattrs(in *inode, entries []xattrEntry) error {
	sb := fs.superblock
	rawExtraIsize := int(in.inodeSize) - int(minInodeSize)
	inlineStart := int(ext2InodeSize) + rawExtraIsize
	inlineCapacity := int(sb.inodeSize) - inlineStart - 4 // magic

	inlineRegion, inlineErr := buildXattrRegion(entries, inlineCapacity)
	oldExternalBlock := in.extendedAttributeBlock

	if inlineErr == nil {
		// everything fits inline; drop any external block this inode used
		if oldExternalBlock != 0 {
			if err := fs.releaseXattrBlock(oldExternalBlock, in); err != nil {
				return err
			}
			in.extendedAttributeBlock = 0
		}
		if err := fs.writeInlineXattrRegion(in, inlineRegion); err != nil {
			return err
		}
		return fs.writeInode(in)
	}

	// doesn't fit inline: spill everything to an external block, clearing
	// any stale inline remnants
	if err := fs.writeInlineXattrRegion(in, nil); err != nil {
		return err
	}
	blockRegion, err := buildXattrRegion(entries, int(sb.blockSize)-xattrHeaderSize)
	if err != nil {
		return fmt.Errorf("extended attributes too large for one block: %w", err)
	}
	block := make([]byte, sb.blockSize)
	binary.LittleEndian.PutUint32(block[0:4], xattrMagic)
	binary.LittleEndian.PutUint32(block[4:8], 1) // refcount: freshly written, not shared
	binary.LittleEndian.PutUint32(block[8:12], 1)
	copy(block[xattrHeaderSize:], blockRegion)
	checksum := crc.CRC32c(sb.checksumSeed, block)
	binary.LittleEndian.PutUint32(block[28:32], checksum)

	var target uint64
	if oldExternalBlock != 0 {
		if _, refcount, rerr := fs.readExternalXattrs(in); rerr == nil && refcount <= 1 {
			target = oldExternalBlock
		}
	}
	if target == 0 {
		nb, aerr := fs.allocateBlockForInode(in, oldExternalBlock)
		if aerr != nil {
			return fmt.Errorf("allocating external xattr block: %w", aerr)
		}
		target = nb
		if oldExternalBlock != 0 {
			if err := fs.releaseXattrBlock(oldExternalBlock, in); err != nil {
				return err
			}
		}
	}
	if err := fs.writeBlock(target, block); err != nil {
		return fmt.Errorf("writing external xattr block %d: %w", target, err)
	}
	in.extendedAttributeBlock = target
	return fs.writeInode(in)
}

// writeInlineXattrRegion replaces the inode's inline attribute area with
// region (or clears it if region is nil). The inode is not persisted here;
// callers write it out via fs.writeInode once all fields are settled.
func (fs *FileSystem) writeInlineXattrRegion(in *inode, region []byte) error {
	sb := fs.superblock
	rawExtraIsize := int(in.inodeSize) - int(minInodeSize)
	inlineStart := int(ext2InodeSize) + rawExtraIsize
	inlineEnd := int(sb.inodeSize)
	if inlineStart+4 > inlineEnd {
		return fmt.Errorf("inode %d has no room for inline extended attributes", in.number)
	}
	if region == nil {
		in.inlineXattr = nil
		return nil
	}
	full := make([]byte, inlineEnd-inlineStart)
	binary.LittleEndian.PutUint32(full[0:4], xattrMagic)
	copy(full[4:], region)
	in.inlineXattr = full
	return nil
}

// releaseXattrBlock drops this inode's reference to a shared external xattr
// block, decrementing its refcount and freeing it outright once it reaches
// zero, the copy-on-write counterpart to rewriteXattrs.
func (fs *FileSystem) releaseXattrBlock(block uint64, in *inode) error {
	b, err := fs.readBlock(block)
	if err != nil {
		return fmt.Errorf("reading external xattr block %d: %w", block, err)
	}
	refcount := binary.LittleEndian.Uint32(b[4:8])
	if refcount > 1 {
		binary.LittleEndian.PutUint32(b[4:8], refcount-1)
		return fs.writeBlock(block, b)
	}
	return fs.freeBlockForInode(nil, block)
}
