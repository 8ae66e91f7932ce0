package ext4

import (
	"fmt"

	"github.com/extfs/ext4fs/internal/elog"
	"github.com/sirupsen/logrus"
)

// journalPhysicalBlock translates a journal-relative logical block number
// through the journal inode's own extent map to a real filesystem block.
func (fs *FileSystem) journalPhysicalBlock(journalExtents extents, logical uint64) (uint64, error) {
	for _, e := range journalExtents {
		if logical >= uint64(e.fileBlock) && logical < uint64(e.fileBlock)+uint64(e.count) {
			return e.startingBlock + (logical - uint64(e.fileBlock)), nil
		}
	}
	return 0, fmt.Errorf("journal block %d not mapped", logical)
}

// journalLogicalBlock reads one block of the journal file itself (not the
// main filesystem), translating the journal-relative logical block number
// through the journal inode's own extent/indirect map.
func (fs *FileSystem) journalLogicalBlock(journalExtents extents, logical uint64) ([]byte, error) {
	physical, err := fs.journalPhysicalBlock(journalExtents, logical)
	if err != nil {
		return nil, err
	}
	return fs.readBlock(physical)
}

// writeJournalLogicalBlock mirrors journalLogicalBlock for writes.
func (fs *FileSystem) writeJournalLogicalBlock(journalExtents extents, logical uint64, data []byte) error {
	physical, err := fs.journalPhysicalBlock(journalExtents, logical)
	if err != nil {
		return err
	}
	return fs.writeBlock(physical, data)
}

// writeJournalLogicalBlockUncached mirrors writeJournalLogicalBlock but
// bypasses the block cache entirely, writing straight to disk regardless of
// the cache's current write-back setting. A committing transaction needs
// this: the journal's own descriptor/data/commit blocks and its superblock
// must be durable the moment they are written, not deferred alongside the
// metadata writes they are backing up.
func (fs *FileSystem) writeJournalLogicalBlockUncached(journalExtents extents, logical uint64, data []byte) error {
	physical, err := fs.journalPhysicalBlock(journalExtents, logical)
	if err != nil {
		return err
	}
	return fs.writeBlockUncached(physical, data)
}

// recoveredBlock is one filesystem block recovered from a committed
// transaction in the journal, not yet known to be superseded by a revoke.
type recoveredBlock struct {
	target   uint64 // physical filesystem block this data belongs to
	data     []byte
	sequence uint32
}

// replayJournal performs JBD2 recovery against an already-mounted
// filesystem's journal inode: a scan pass that walks the log collecting
// the block writes of every committed transaction (writes of a trailing
// transaction with no commit block are dropped) and every revoke record
// it meets, then a replay pass that applies every candidate not superseded
// by a later revoke of the same target block. A journal with start == 0
// is clean and recovery is a no-op.
func (fs *FileSystem) replayJournal() error {
	in, err := fs.readInode(journalInode)
	if err != nil {
		return fmt.Errorf("reading journal inode: %w", err)
	}
	journalExtents, err := in.extents.blocks(fs)
	if err != nil {
		return fmt.Errorf("reading journal extents: %w", err)
	}

	sbBlock, err := fs.journalLogicalBlock(journalExtents, 0)
	if err != nil {
		return fmt.Errorf("reading journal superblock: %w", err)
	}
	js, err := JournalSuperblockFromBytes(sbBlock)
	if err != nil {
		return fmt.Errorf("parsing journal superblock: %w", err)
	}
	if js.start == 0 {
		// clean: nothing to recover
		return nil
	}
	if _, err := fs.backend.Writable(); err != nil {
		return fmt.Errorf("journal needs recovery (sequence %d) but backend is not writable: %w", js.sequence, err)
	}
	elog.WithFields(logrus.Fields{"start": js.start, "sequence": js.sequence}).Info("journal recovery starting")

	maxLen := uint64(js.maxLen)
	wrap := func(b uint64) uint64 {
		if b < uint64(js.first) || b >= maxLen {
			return uint64(js.first)
		}
		return b
	}

	revokes := make(map[uint64]uint32) // target block -> highest revoking sequence
	var candidates []recoveredBlock
	var pending []recoveredBlock // block writes of the transaction not yet committed

	cur := uint64(js.start)
	seq := js.sequence
	for {
		b, err := fs.journalLogicalBlock(journalExtents, cur)
		if err != nil {
			break
		}
		header, err := journalHeaderFromBytes(b[:12])
		if err != nil || header.sequence != seq {
			// end of the valid log
			break
		}
		switch header.blockType {
		case journalBlockTypeDescriptor:
			dblock, err := journalDescriptorBlockFromBytes(b, js)
			if err != nil {
				break
			}
			cur = wrap(cur + 1)
			for _, tag := range dblock.tags {
				data, derr := fs.journalLogicalBlock(journalExtents, cur)
				if derr != nil {
					break
				}
				if tag.flags&uint32(tagFlagEscaped) != 0 {
					// the real data began with the journal magic, so the
					// writer stored it with those 4 bytes zeroed to avoid
					// colliding with a real header; put the magic back
					cpy := make([]byte, len(data))
					copy(cpy, data)
					cpy[0] = byte(journalMagic >> 24)
					cpy[1] = byte(journalMagic >> 16)
					cpy[2] = byte(journalMagic >> 8)
					cpy[3] = byte(journalMagic)
					data = cpy
				}
				pending = append(pending, recoveredBlock{target: tag.blockNr, data: data, sequence: seq})
				cur = wrap(cur + 1)
			}
			continue
		case journalBlockTypeCommit:
			candidates = append(candidates, pending...)
			pending = nil
			seq++
			cur = wrap(cur + 1)
			continue
		case journalBlockTypeRevoke:
			rblock, err := journalRevokeBlockFromBytes(b, js)
			if err == nil {
				for _, blockNum := range rblock.blocks {
					if existing, ok := revokes[blockNum]; !ok || seq > existing {
						revokes[blockNum] = seq
					}
				}
			}
			cur = wrap(cur + 1)
			continue
		default:
			cur = wrap(cur + 1)
			continue
		}
	}

	replayed := 0
	for _, c := range candidates {
		if revSeq, ok := revokes[c.target]; ok && revSeq >= c.sequence {
			continue
		}
		if err := fs.writeBlock(c.target, c.data); err != nil {
			return fmt.Errorf("replaying journal block onto %d: %w", c.target, err)
		}
		replayed++
	}
	elog.WithFields(logrus.Fields{
		"candidates": len(candidates),
		"revoked":    len(candidates) - replayed,
		"replayed":   replayed,
	}).Info("journal recovery applied")

	// mark the journal clean: reset start, bump sequence past everything we
	// just replayed so a half-written next transaction can't be mistaken
	// for valid log on the next mount
	js.start = 0
	js.sequence = seq
	sbBytes, err := js.ToBytes()
	if err != nil {
		return fmt.Errorf("serializing journal superblock: %w", err)
	}
	return fs.writeJournalLogicalBlock(journalExtents, 0, sbBytes)
}
