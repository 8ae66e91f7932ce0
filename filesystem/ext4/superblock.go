package ext4

import (
	"fmt"
	"strings"
	"time"

	"encoding/binary"

	"github.com/extfs/ext4fs/filesystem/ext4/crc"
	"github.com/google/uuid"
)

type filesystemState uint16
type errorBehaviour uint16
type osFlag uint32
type hashAlgorithm byte

const (
	superblockSignature uint16 = 0xef53

	fsStateCleanlyUnmounted filesystemState = 0x0001
	fsStateErrors           filesystemState = 0x0002
	fsStateOrphansRecovered filesystemState = 0x0004

	errorsContinue        errorBehaviour = 1
	errorsRemountReadOnly errorBehaviour = 2
	errorsPanic           errorBehaviour = 3

	checkSumTypeCRC32c uint8 = 1

	osLinux   osFlag = 0
	osHurd    osFlag = 1
	osMasix   osFlag = 2
	osFreeBSD osFlag = 3
	osLites   osFlag = 4

	hashLegacy          hashAlgorithm = 0x0
	hashHalfMD4         hashAlgorithm = 0x1
	hashTea             hashAlgorithm = 0x2
	hashLegacyUnsigned  hashAlgorithm = 0x3
	hashHalfMD4Unsigned hashAlgorithm = 0x4
	hashTeaUnsigned     hashAlgorithm = 0x5

	// MB, KB, GB convenience sizes used when sizing the journal and reporting usage.
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
)

// journalBackup is a backup in the superblock of the journal inode's i_block[] array and size,
// kept so the journal can be found even if the journal inode itself is damaged.
type journalBackup struct {
	iBlocks [15]uint32
	iSize   uint64
}

// mountOptions holds which default mount options are recorded in the superblock.
type mountOptions struct {
	printDebugInfo                 bool
	newFilesGidContainingDirectory bool
	userspaceExtendedAttributes    bool
	posixACLs                      bool
	use16BitUIDs                   bool
	journalDataAndMetadata         bool
	flushBeforeJournal              bool
	unorderingDataMetadata          bool
	disableWriteFlushes             bool
	trackMetadataBlocks             bool
	discardDeviceSupport            bool
	disableDelayedAllocation        bool
}

const (
	mountPrintDebugInfo                 uint32 = 0x1
	mountNewFilesGidContainingDirectory uint32 = 0x2
	mountUserspaceExtendedAttributes    uint32 = 0x4
	mountPosixACLs                      uint32 = 0x8
	mount16BitUIDs                      uint32 = 0x10
	mountJournalDataAndMetadata         uint32 = 0x20
	mountFlushBeforeJournal             uint32 = 0x40
	mountUnorderingDataMetadata         uint32 = 0x60
	mountDisableWriteFlushes            uint32 = 0x100
	mountTrackMetadataBlocks            uint32 = 0x200
	mountDiscardDeviceSupport           uint32 = 0x400
	mountDisableDelayedAllocation       uint32 = 0x800
)

// MountOpt configures the default mount options recorded in a newly created superblock.
type MountOpt func(*mountOptions)

// WithMountUserXattr enables the userspace extended attributes default mount option.
func WithMountUserXattr(enabled bool) MountOpt {
	return func(m *mountOptions) { m.userspaceExtendedAttributes = enabled }
}

// WithMountPosixACL enables the POSIX ACL default mount option.
func WithMountPosixACL(enabled bool) MountOpt {
	return func(m *mountOptions) { m.posixACLs = enabled }
}

func defaultMountOptionsFromOpts(opts []MountOpt) *mountOptions {
	m := &mountOptions{
		userspaceExtendedAttributes: true,
		posixACLs:                   true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func parseMountOptions(flags uint32) mountOptions {
	return mountOptions{
		printDebugInfo:                 flags&mountPrintDebugInfo != 0,
		newFilesGidContainingDirectory: flags&mountNewFilesGidContainingDirectory != 0,
		userspaceExtendedAttributes:    flags&mountUserspaceExtendedAttributes != 0,
		posixACLs:                      flags&mountPosixACLs != 0,
		use16BitUIDs:                   flags&mount16BitUIDs != 0,
		journalDataAndMetadata:         flags&mountJournalDataAndMetadata != 0,
		flushBeforeJournal:             flags&mountFlushBeforeJournal != 0,
		unorderingDataMetadata:         flags&mountUnorderingDataMetadata != 0,
		disableWriteFlushes:            flags&mountDisableWriteFlushes != 0,
		trackMetadataBlocks:            flags&mountTrackMetadataBlocks != 0,
		discardDeviceSupport:           flags&mountDiscardDeviceSupport != 0,
		disableDelayedAllocation:       flags&mountDisableDelayedAllocation != 0,
	}
}

func (m *mountOptions) toInt() uint32 {
	var flags uint32
	if m.printDebugInfo {
		flags |= mountPrintDebugInfo
	}
	if m.newFilesGidContainingDirectory {
		flags |= mountNewFilesGidContainingDirectory
	}
	if m.userspaceExtendedAttributes {
		flags |= mountUserspaceExtendedAttributes
	}
	if m.posixACLs {
		flags |= mountPosixACLs
	}
	if m.use16BitUIDs {
		flags |= mount16BitUIDs
	}
	if m.journalDataAndMetadata {
		flags |= mountJournalDataAndMetadata
	}
	if m.flushBeforeJournal {
		flags |= mountFlushBeforeJournal
	}
	if m.unorderingDataMetadata {
		flags |= mountUnorderingDataMetadata
	}
	if m.disableWriteFlushes {
		flags |= mountDisableWriteFlushes
	}
	if m.trackMetadataBlocks {
		flags |= mountTrackMetadataBlocks
	}
	if m.discardDeviceSupport {
		flags |= mountDiscardDeviceSupport
	}
	if m.disableDelayedAllocation {
		flags |= mountDisableDelayedAllocation
	}
	return flags
}

// featureFlags tracks the compat/incompat/ro-compat feature bits of a mounted or to-be-created filesystem.
type featureFlags struct {
	// compat
	directoryPreAllocate          bool
	imagicInodes                  bool
	hasJournal                    bool
	extendedAttributes            bool
	reservedGDTBlocksForExpansion bool
	directoryIndices              bool
	lazyBlockGroup                bool
	excludeInode                  bool
	excludeBitmap                 bool
	sparseSuperblockV2             bool
	orphanFile                     bool

	// incompat
	compression                         bool
	directoryEntriesRecordFileType      bool
	recoveryNeeded                      bool
	separateJournalDevice               bool
	metaBlockGroups                     bool
	extents                             bool
	fs64Bit                             bool
	multipleMountProtection             bool
	flexBlockGroups                     bool
	extendedAttributeInodes             bool
	dataInDirectoryEntries              bool
	metadataChecksumSeedInSuperblock    bool
	largeDirectory                      bool
	dataInInode                         bool
	encryptInodes                       bool

	// ro-compat
	sparseSuperblock        bool
	largeFile               bool
	btreeDirectory          bool
	hugeFile                bool
	uninitializedBlockGroups bool
	largeSubdirectoryCount  bool
	largeInodes             bool
	snapshot                bool
	quota                   bool
	bigalloc                bool
	metadataChecksums       bool
	replicas                bool
	readOnly                bool
	projectQuotas           bool
}

const (
	compatDirectoryPreAllocate          uint32 = 0x1
	compatImagicInodes                  uint32 = 0x2
	compatHasJournal                    uint32 = 0x4
	compatExtendedAttributes            uint32 = 0x8
	compatReservedGDTBlocksForExpansion uint32 = 0x10
	compatDirectoryIndices              uint32 = 0x20
	compatLazyBlockGroup                uint32 = 0x40
	compatExcludeInode                  uint32 = 0x80
	compatExcludeBitmap                 uint32 = 0x100
	compatSparseSuperBlockV2            uint32 = 0x200
	compatOrphanFile                    uint32 = 0x1000

	incompatCompression                      uint32 = 0x1
	incompatDirectoryEntriesRecordFileType   uint32 = 0x2
	incompatRecoveryNeeded                   uint32 = 0x4
	incompatSeparateJournalDevice            uint32 = 0x8
	incompatMetaBlockGroups                  uint32 = 0x10
	incompatExtents                          uint32 = 0x40
	incompat64Bit                            uint32 = 0x80
	incompatMultipleMountProtection          uint32 = 0x100
	incompatFlexBlockGroups                  uint32 = 0x200
	incompatExtendedAttributeInodes          uint32 = 0x400
	incompatDataInDirectoryEntries           uint32 = 0x1000
	incompatMetadataChecksumSeedInSuperblock uint32 = 0x2000
	incompatLargeDirectory                   uint32 = 0x4000
	incompatDataInInode                      uint32 = 0x8000
	incompatEncryptInodes                    uint32 = 0x10000

	roCompatSparseSuperblock        uint32 = 0x1
	roCompatLargeFile               uint32 = 0x2
	roCompatBtreeDirectory          uint32 = 0x4
	roCompatHugeFile                uint32 = 0x8
	roCompatGDTChecksum             uint32 = 0x10
	roCompatLargeSubdirectoryCount  uint32 = 0x20
	roCompatLargeInodes             uint32 = 0x40
	roCompatSnapshot                uint32 = 0x80
	roCompatQuota                   uint32 = 0x100
	roCompatBigalloc                uint32 = 0x200
	roCompatMetadataChecksums       uint32 = 0x400
	roCompatReplicas                uint32 = 0x800
	roCompatReadOnly                uint32 = 0x1000
	roCompatProjectQuotas           uint32 = 0x2000
)

// FeatureOpt configures the feature flags used when creating a new filesystem.
type FeatureOpt func(*featureFlags)

// WithFeatureSeparateJournalDevice selects whether the journal lives on a separate device.
func WithFeatureSeparateJournalDevice(enabled bool) FeatureOpt {
	return func(f *featureFlags) { f.separateJournalDevice = enabled }
}

// WithFeature64Bit enables the 64-bit block group descriptor feature.
func WithFeature64Bit(enabled bool) FeatureOpt {
	return func(f *featureFlags) { f.fs64Bit = enabled }
}

// WithFeatureMetadataChecksums enables metadata_csum protection of structural metadata.
func WithFeatureMetadataChecksums(enabled bool) FeatureOpt {
	return func(f *featureFlags) { f.metadataChecksums = enabled }
}

// WithFeatureJournal enables or disables the journal (has_journal). Disabling it produces an ext2-style filesystem.
func WithFeatureJournal(enabled bool) FeatureOpt {
	return func(f *featureFlags) { f.hasJournal = enabled }
}

// WithFeatureExtents enables or disables the extent tree block mapping (ext4 vs. ext2/ext3 indirect mapping).
func WithFeatureExtents(enabled bool) FeatureOpt {
	return func(f *featureFlags) { f.extents = enabled }
}

// WithFeatureFlexBlockGroups enables flexible block groups.
func WithFeatureFlexBlockGroups(enabled bool) FeatureOpt {
	return func(f *featureFlags) { f.flexBlockGroups = enabled }
}

// WithFeatureProjectQuotas enables the project quota inode.
func WithFeatureProjectQuotas(enabled bool) FeatureOpt {
	return func(f *featureFlags) { f.projectQuotas = enabled }
}

var defaultFeatureFlags = featureFlags{
	sparseSuperblock:               true,
	largeFile:                      true,
	directoryEntriesRecordFileType: true,
	reservedGDTBlocksForExpansion:  true,
	directoryIndices:               true,
	extendedAttributes:             true,
	extents:                        true,
	hugeFile:                       true,
	flexBlockGroups:                true,
	fs64Bit:                        true,
	largeSubdirectoryCount:         true,
	largeInodes:                    true,
	hasJournal:                     true,
}

// miscFlags tracks the s_flags field: directory hash signedness and development-test markers.
type miscFlags struct {
	signedDirectoryHash   bool
	unsignedDirectoryHash bool
	developmentTest       bool
}

const (
	flagSignedDirectoryHash   uint32 = 0x0001
	flagUnsignedDirectoryHash uint32 = 0x0002
	flagTestDevCode           uint32 = 0x0004
)

var defaultMiscFlags = miscFlags{
	signedDirectoryHash: true,
}

func parseMiscFlags(flags uint32) miscFlags {
	return miscFlags{
		signedDirectoryHash:   flags&flagSignedDirectoryHash != 0,
		unsignedDirectoryHash: flags&flagUnsignedDirectoryHash != 0,
		developmentTest:       flags&flagTestDevCode != 0,
	}
}

func (m *miscFlags) toInt() uint32 {
	var flags uint32
	if m.signedDirectoryHash {
		flags |= flagSignedDirectoryHash
	}
	if m.unsignedDirectoryHash {
		flags |= flagUnsignedDirectoryHash
	}
	if m.developmentTest {
		flags |= flagTestDevCode
	}
	return flags
}

func parseFeatureFlags(compat, incompat, roCompat uint32) featureFlags {
	return featureFlags{
		directoryPreAllocate:          compat&compatDirectoryPreAllocate != 0,
		imagicInodes:                  compat&compatImagicInodes != 0,
		hasJournal:                    compat&compatHasJournal != 0,
		extendedAttributes:            compat&compatExtendedAttributes != 0,
		reservedGDTBlocksForExpansion: compat&compatReservedGDTBlocksForExpansion != 0,
		directoryIndices:              compat&compatDirectoryIndices != 0,
		lazyBlockGroup:                compat&compatLazyBlockGroup != 0,
		excludeInode:                  compat&compatExcludeInode != 0,
		excludeBitmap:                 compat&compatExcludeBitmap != 0,
		sparseSuperblockV2:            compat&compatSparseSuperBlockV2 != 0,
		orphanFile:                    compat&compatOrphanFile != 0,

		compression:                      incompat&incompatCompression != 0,
		directoryEntriesRecordFileType:   incompat&incompatDirectoryEntriesRecordFileType != 0,
		recoveryNeeded:                   incompat&incompatRecoveryNeeded != 0,
		separateJournalDevice:            incompat&incompatSeparateJournalDevice != 0,
		metaBlockGroups:                  incompat&incompatMetaBlockGroups != 0,
		extents:                          incompat&incompatExtents != 0,
		fs64Bit:                          incompat&incompat64Bit != 0,
		multipleMountProtection:          incompat&incompatMultipleMountProtection != 0,
		flexBlockGroups:                  incompat&incompatFlexBlockGroups != 0,
		extendedAttributeInodes:          incompat&incompatExtendedAttributeInodes != 0,
		dataInDirectoryEntries:           incompat&incompatDataInDirectoryEntries != 0,
		metadataChecksumSeedInSuperblock: incompat&incompatMetadataChecksumSeedInSuperblock != 0,
		largeDirectory:                   incompat&incompatLargeDirectory != 0,
		dataInInode:                      incompat&incompatDataInInode != 0,
		encryptInodes:                    incompat&incompatEncryptInodes != 0,

		sparseSuperblock:         roCompat&roCompatSparseSuperblock != 0,
		largeFile:                roCompat&roCompatLargeFile != 0,
		btreeDirectory:           roCompat&roCompatBtreeDirectory != 0,
		hugeFile:                 roCompat&roCompatHugeFile != 0,
		uninitializedBlockGroups: roCompat&roCompatGDTChecksum != 0,
		largeSubdirectoryCount:   roCompat&roCompatLargeSubdirectoryCount != 0,
		largeInodes:              roCompat&roCompatLargeInodes != 0,
		snapshot:                 roCompat&roCompatSnapshot != 0,
		quota:                    roCompat&roCompatQuota != 0,
		bigalloc:                 roCompat&roCompatBigalloc != 0,
		metadataChecksums:        roCompat&roCompatMetadataChecksums != 0,
		replicas:                 roCompat&roCompatReplicas != 0,
		readOnly:                 roCompat&roCompatReadOnly != 0,
		projectQuotas:            roCompat&roCompatProjectQuotas != 0,
	}
}

func (f *featureFlags) toInts() (compat, incompat, roCompat uint32) {
	if f.directoryPreAllocate {
		compat |= compatDirectoryPreAllocate
	}
	if f.imagicInodes {
		compat |= compatImagicInodes
	}
	if f.hasJournal {
		compat |= compatHasJournal
	}
	if f.extendedAttributes {
		compat |= compatExtendedAttributes
	}
	if f.reservedGDTBlocksForExpansion {
		compat |= compatReservedGDTBlocksForExpansion
	}
	if f.directoryIndices {
		compat |= compatDirectoryIndices
	}
	if f.lazyBlockGroup {
		compat |= compatLazyBlockGroup
	}
	if f.excludeInode {
		compat |= compatExcludeInode
	}
	if f.excludeBitmap {
		compat |= compatExcludeBitmap
	}
	if f.sparseSuperblockV2 {
		compat |= compatSparseSuperBlockV2
	}
	if f.orphanFile {
		compat |= compatOrphanFile
	}

	if f.compression {
		incompat |= incompatCompression
	}
	if f.directoryEntriesRecordFileType {
		incompat |= incompatDirectoryEntriesRecordFileType
	}
	if f.recoveryNeeded {
		incompat |= incompatRecoveryNeeded
	}
	if f.separateJournalDevice {
		incompat |= incompatSeparateJournalDevice
	}
	if f.metaBlockGroups {
		incompat |= incompatMetaBlockGroups
	}
	if f.extents {
		incompat |= incompatExtents
	}
	if f.fs64Bit {
		incompat |= incompat64Bit
	}
	if f.multipleMountProtection {
		incompat |= incompatMultipleMountProtection
	}
	if f.flexBlockGroups {
		incompat |= incompatFlexBlockGroups
	}
	if f.extendedAttributeInodes {
		incompat |= incompatExtendedAttributeInodes
	}
	if f.dataInDirectoryEntries {
		incompat |= incompatDataInDirectoryEntries
	}
	if f.metadataChecksumSeedInSuperblock {
		incompat |= incompatMetadataChecksumSeedInSuperblock
	}
	if f.largeDirectory {
		incompat |= incompatLargeDirectory
	}
	if f.dataInInode {
		incompat |= incompatDataInInode
	}
	if f.encryptInodes {
		incompat |= incompatEncryptInodes
	}

	if f.sparseSuperblock {
		roCompat |= roCompatSparseSuperblock
	}
	if f.largeFile {
		roCompat |= roCompatLargeFile
	}
	if f.btreeDirectory {
		roCompat |= roCompatBtreeDirectory
	}
	if f.hugeFile {
		roCompat |= roCompatHugeFile
	}
	if f.uninitializedBlockGroups {
		roCompat |= roCompatGDTChecksum
	}
	if f.largeSubdirectoryCount {
		roCompat |= roCompatLargeSubdirectoryCount
	}
	if f.largeInodes {
		roCompat |= roCompatLargeInodes
	}
	if f.snapshot {
		roCompat |= roCompatSnapshot
	}
	if f.quota {
		roCompat |= roCompatQuota
	}
	if f.bigalloc {
		roCompat |= roCompatBigalloc
	}
	if f.metadataChecksums {
		roCompat |= roCompatMetadataChecksums
	}
	if f.replicas {
		roCompat |= roCompatReplicas
	}
	if f.readOnly {
		roCompat |= roCompatReadOnly
	}
	if f.projectQuotas {
		roCompat |= roCompatProjectQuotas
	}
	return compat, incompat, roCompat
}

// gdtChecksumType is which algorithm, if any, protects each group descriptor.
type gdtChecksumType int

const (
	gdtChecksumNone gdtChecksumType = iota
	gdtChecksumGdtCsum
	gdtChecksumMetadataCsum
)

const (
	groupDescriptorSize       uint16 = 32
	groupDescriptorSize64Bit  uint16 = 64
)

// superblock is the ext2/ext3/ext4 primary superblock, found at byte offset 1024 of the volume
// and optionally backed up in other block groups per calculateBackupSuperblockGroups.
type superblock struct {
	inodeCount                   uint32
	blockCount                   uint64
	reservedBlocks               uint64
	freeBlocks                   uint64
	freeInodes                   uint32
	firstDataBlock               uint32
	blockSize                    uint32
	clusterSize                  uint64
	blocksPerGroup               uint32
	clustersPerGroup             uint32
	inodesPerGroup               uint32
	mountTime                    time.Time
	writeTime                    time.Time
	mountCount                   uint16
	mountsToFsck                 uint16
	filesystemState              filesystemState
	errorBehaviour               errorBehaviour
	minorRevision                uint16
	lastCheck                    time.Time
	checkInterval                uint32
	creatorOS                    osFlag
	revisionLevel                uint32
	reservedBlocksDefaultUID     uint16
	reservedBlocksDefaultGID     uint16
	firstNonReservedInode        uint32
	inodeSize                    uint16
	blockGroup                   uint16
	features                     featureFlags
	uuid                         *uuid.UUID
	volumeLabel                  string
	lastMountedDirectory         string
	algorithmUsageBitmap         uint32
	preallocationBlocks          byte
	preallocationDirectoryBlocks byte
	reservedGDTBlocks            uint16
	journalSuperblockUUID        *uuid.UUID
	journalInode                 uint32
	journalDeviceNumber          uint32
	orphanedInodesStart          uint32
	hashTreeSeed                 []uint32
	hashVersion                  hashAlgorithm
	groupDescriptorSize          uint16
	defaultMountOptions          mountOptions
	firstMetablockGroup          uint32
	mkfsTime                     time.Time
	journalBackup                *journalBackup
	inodeMinBytes                uint16
	inodeReserveBytes            uint16
	miscFlags                    miscFlags
	raidStride                   uint16
	multiMountPreventionInterval uint16
	multiMountProtectionBlock    uint64
	raidStripeWidth              uint32
	logGroupsPerFlex             uint64
	checksumType                 uint8
	totalKBWritten               uint64
	snapshotInodeNumber          uint32
	snapshotID                   uint32
	snapshotReservedBlocks       uint64
	snapshotStartInode           uint32
	errorCount                   uint32
	errorFirstTime               time.Time
	errorFirstInode              uint32
	errorFirstBlock              uint64
	errorFirstFunction           string
	errorFirstLine               uint32
	errorLastTime                time.Time
	errorLastInode               uint32
	errorLastLine                uint32
	errorLastBlock               uint64
	errorLastFunction            string
	mountOptions                 string
	userQuotaInode               uint32
	groupQuotaInode              uint32
	overheadBlocks               uint32
	backupSuperblockBlockGroups  [2]uint32
	encryptionAlgorithms         []byte
	encryptionSalt               []byte
	lostFoundInode               uint32
	projectQuotaInode            uint32
	checksumSeed                 uint32
}

func (sb *superblock) equal(a *superblock) bool {
	if sb == nil || a == nil {
		return sb == a
	}
	sbCopy, aCopy := *sb, *a
	sbCopy.mountTime, aCopy.mountTime = time.Time{}, time.Time{}
	sbCopy.writeTime, aCopy.writeTime = time.Time{}, time.Time{}
	sbCopy.lastCheck, aCopy.lastCheck = time.Time{}, time.Time{}
	sbCopy.mkfsTime, aCopy.mkfsTime = time.Time{}, time.Time{}
	return sbCopy.blockCount == aCopy.blockCount && sbCopy.inodeCount == aCopy.inodeCount &&
		sbCopy.blockSize == aCopy.blockSize && sbCopy.features == aCopy.features
}

// blockGroupCount returns the number of block groups implied by blockCount and blocksPerGroup.
func (sb *superblock) blockGroupCount() uint64 {
	if sb.blocksPerGroup == 0 {
		return 0
	}
	return (sb.blockCount + uint64(sb.blocksPerGroup) - 1) / uint64(sb.blocksPerGroup)
}

// gdtChecksumType reports which checksum protects this filesystem's group descriptors.
func (sb *superblock) gdtChecksumType() gdtChecksumType {
	switch {
	case sb.features.metadataChecksums:
		return gdtChecksumMetadataCsum
	case sb.features.uninitializedBlockGroups:
		return gdtChecksumGdtCsum
	default:
		return gdtChecksumNone
	}
}

func stringToASCIIBytes(s string, length int) []byte {
	b := make([]byte, length)
	copy(b, []byte(s))
	return b
}

func bytesToTrimmedString(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

// superblockFromBytes parses a 1024-byte buffer into a superblock.
func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) != int(SuperblockSize) {
		return nil, fmt.Errorf("cannot read superblock from %d bytes instead of expected %d", len(b), SuperblockSize)
	}

	actualSignature := binary.LittleEndian.Uint16(b[0x38:0x3a])
	if actualSignature != superblockSignature {
		return nil, fmt.Errorf("erroneous signature at location 0x38 was %x instead of expected %x", actualSignature, superblockSignature)
	}

	sb := superblock{}

	compatFlags := binary.LittleEndian.Uint32(b[0x5c:0x60])
	incompatFlags := binary.LittleEndian.Uint32(b[0x60:0x64])
	roCompatFlags := binary.LittleEndian.Uint32(b[0x64:0x68])
	sb.features = parseFeatureFlags(compatFlags, incompatFlags, roCompatFlags)

	sb.inodeCount = binary.LittleEndian.Uint32(b[0:4])

	blockCount := make([]byte, 8)
	reservedBlocks := make([]byte, 8)
	freeBlocks := make([]byte, 8)
	copy(blockCount[0:4], b[0x4:0x8])
	copy(reservedBlocks[0:4], b[0x8:0xc])
	copy(freeBlocks[0:4], b[0xc:0x10])
	if sb.features.fs64Bit {
		copy(blockCount[4:8], b[0x150:0x154])
		copy(reservedBlocks[4:8], b[0x154:0x158])
		copy(freeBlocks[4:8], b[0x158:0x15c])
	}
	sb.blockCount = binary.LittleEndian.Uint64(blockCount)
	sb.reservedBlocks = binary.LittleEndian.Uint64(reservedBlocks)
	sb.freeBlocks = binary.LittleEndian.Uint64(freeBlocks)

	sb.freeInodes = binary.LittleEndian.Uint32(b[0x10:0x14])
	sb.firstDataBlock = binary.LittleEndian.Uint32(b[0x14:0x18])
	sb.blockSize = 1 << (10 + binary.LittleEndian.Uint32(b[0x18:0x1c]))
	sb.clusterSize = uint64(1) << binary.LittleEndian.Uint32(b[0x1c:0x20])
	sb.blocksPerGroup = binary.LittleEndian.Uint32(b[0x20:0x24])
	sb.clustersPerGroup = binary.LittleEndian.Uint32(b[0x24:0x28])
	sb.inodesPerGroup = binary.LittleEndian.Uint32(b[0x28:0x2c])
	sb.mountTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x2c:0x30])), 0).UTC()
	sb.writeTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x30:0x34])), 0).UTC()
	sb.mountCount = binary.LittleEndian.Uint16(b[0x34:0x36])
	sb.mountsToFsck = binary.LittleEndian.Uint16(b[0x36:0x38])

	sb.filesystemState = filesystemState(binary.LittleEndian.Uint16(b[0x3a:0x3c]))
	sb.errorBehaviour = errorBehaviour(binary.LittleEndian.Uint16(b[0x3c:0x3e]))

	sb.minorRevision = binary.LittleEndian.Uint16(b[0x3e:0x40])
	sb.lastCheck = time.Unix(int64(binary.LittleEndian.Uint32(b[0x40:0x44])), 0).UTC()
	sb.checkInterval = binary.LittleEndian.Uint32(b[0x44:0x48])

	sb.creatorOS = osFlag(binary.LittleEndian.Uint32(b[0x48:0x4c]))
	sb.revisionLevel = binary.LittleEndian.Uint32(b[0x4c:0x50])
	sb.reservedBlocksDefaultUID = binary.LittleEndian.Uint16(b[0x50:0x52])
	sb.reservedBlocksDefaultGID = binary.LittleEndian.Uint16(b[0x52:0x54])

	sb.firstNonReservedInode = binary.LittleEndian.Uint32(b[0x54:0x58])
	sb.inodeSize = binary.LittleEndian.Uint16(b[0x58:0x5a])
	sb.blockGroup = binary.LittleEndian.Uint16(b[0x5a:0x5c])

	volUUID, err := uuid.FromBytes(b[0x68:0x78])
	if err != nil {
		return nil, fmt.Errorf("unable to read volume UUID: %w", err)
	}
	sb.uuid = &volUUID
	sb.volumeLabel = bytesToTrimmedString(b[0x78:0x88])
	sb.lastMountedDirectory = bytesToTrimmedString(b[0x88:0xc8])
	sb.algorithmUsageBitmap = binary.LittleEndian.Uint32(b[0xc8:0xcc])

	sb.preallocationBlocks = b[0xcc]
	sb.preallocationDirectoryBlocks = b[0xcd]
	sb.reservedGDTBlocks = binary.LittleEndian.Uint16(b[0xce:0xd0])

	journalUUID, err := uuid.FromBytes(b[0xd0:0xe0])
	if err != nil {
		return nil, fmt.Errorf("unable to read journal UUID: %w", err)
	}
	sb.journalSuperblockUUID = &journalUUID
	sb.journalInode = binary.LittleEndian.Uint32(b[0xe0:0xe4])
	sb.journalDeviceNumber = binary.LittleEndian.Uint32(b[0xe4:0xe8])
	sb.orphanedInodesStart = binary.LittleEndian.Uint32(b[0xe8:0xec])

	hashTreeSeed := make([]uint32, 4)
	for i := 0; i < 4; i++ {
		hashTreeSeed[i] = binary.LittleEndian.Uint32(b[0xec+4*i : 0xf0+4*i])
	}
	sb.hashTreeSeed = hashTreeSeed

	sb.hashVersion = hashAlgorithm(b[0xfc])
	jnlBackupType := b[0xfd]
	sb.groupDescriptorSize = binary.LittleEndian.Uint16(b[0xfe:0x100])

	sb.defaultMountOptions = parseMountOptions(binary.LittleEndian.Uint32(b[0x100:0x104]))
	sb.firstMetablockGroup = binary.LittleEndian.Uint32(b[0x104:0x108])
	sb.mkfsTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x108:0x10c])), 0).UTC()

	if jnlBackupType == 1 {
		jb := &journalBackup{}
		for i := 0; i < 15; i++ {
			jb.iBlocks[i] = binary.LittleEndian.Uint32(b[0x10c+4*i : 0x110+4*i])
		}
		iSizeBytes := make([]byte, 8)
		copy(iSizeBytes[0:4], b[0x10c+4*16:0x10c+4*17])
		copy(iSizeBytes[4:8], b[0x10c+4*15:0x10c+4*16])
		jb.iSize = binary.LittleEndian.Uint64(iSizeBytes)
		sb.journalBackup = jb
	}

	sb.inodeMinBytes = binary.LittleEndian.Uint16(b[0x15c:0x15e])
	sb.inodeReserveBytes = binary.LittleEndian.Uint16(b[0x15e:0x160])
	sb.miscFlags = parseMiscFlags(binary.LittleEndian.Uint32(b[0x160:0x164]))

	sb.raidStride = binary.LittleEndian.Uint16(b[0x164:0x166])
	sb.multiMountPreventionInterval = binary.LittleEndian.Uint16(b[0x166:0x168])
	sb.multiMountProtectionBlock = binary.LittleEndian.Uint64(b[0x168:0x170])
	sb.raidStripeWidth = binary.LittleEndian.Uint32(b[0x170:0x174])

	sb.logGroupsPerFlex = uint64(1) << b[0x174]
	sb.checksumType = b[0x175]

	sb.totalKBWritten = binary.LittleEndian.Uint64(b[0x178:0x180])

	sb.snapshotInodeNumber = binary.LittleEndian.Uint32(b[0x180:0x184])
	sb.snapshotID = binary.LittleEndian.Uint32(b[0x184:0x188])
	sb.snapshotReservedBlocks = binary.LittleEndian.Uint64(b[0x188:0x190])
	sb.snapshotStartInode = binary.LittleEndian.Uint32(b[0x190:0x194])

	sb.errorCount = binary.LittleEndian.Uint32(b[0x194:0x198])
	sb.errorFirstTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x198:0x19c])), 0).UTC()
	sb.errorFirstInode = binary.LittleEndian.Uint32(b[0x19c:0x1a0])
	sb.errorFirstBlock = binary.LittleEndian.Uint64(b[0x1a0:0x1a8])
	sb.errorFirstFunction = bytesToTrimmedString(b[0x1a8:0x1c8])
	sb.errorFirstLine = binary.LittleEndian.Uint32(b[0x1c8:0x1cc])
	sb.errorLastTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x1cc:0x1d0])), 0).UTC()
	sb.errorLastInode = binary.LittleEndian.Uint32(b[0x1d0:0x1d4])
	sb.errorLastLine = binary.LittleEndian.Uint32(b[0x1d4:0x1d8])
	sb.errorLastBlock = binary.LittleEndian.Uint64(b[0x1d8:0x1e0])
	sb.errorLastFunction = bytesToTrimmedString(b[0x1e0:0x200])

	sb.mountOptions = bytesToTrimmedString(b[0x200:0x240])
	sb.userQuotaInode = binary.LittleEndian.Uint32(b[0x240:0x244])
	sb.groupQuotaInode = binary.LittleEndian.Uint32(b[0x244:0x248])
	sb.overheadBlocks = binary.LittleEndian.Uint32(b[0x248:0x24c])
	sb.backupSuperblockBlockGroups = [2]uint32{
		binary.LittleEndian.Uint32(b[0x24c:0x250]),
		binary.LittleEndian.Uint32(b[0x250:0x254]),
	}
	sb.encryptionAlgorithms = append([]byte{}, b[0x254:0x258]...)
	sb.encryptionSalt = append([]byte{}, b[0x258:0x268]...)
	sb.lostFoundInode = binary.LittleEndian.Uint32(b[0x268:0x26c])
	sb.projectQuotaInode = binary.LittleEndian.Uint32(b[0x26c:0x270])

	sb.checksumSeed = binary.LittleEndian.Uint32(b[0x270:0x274])

	if sb.features.metadataChecksums {
		checksum := binary.LittleEndian.Uint32(b[0x3fc:0x400])
		actualChecksum := crc.CRC32c(0, b[0:0x3fc])
		if actualChecksum != checksum {
			return nil, fmt.Errorf("invalid superblock checksum, actual was %x, on disk was %x", actualChecksum, checksum)
		}
	}

	return &sb, nil
}

// toBytes serializes the superblock into its 1024-byte on-disk representation.
func (sb *superblock) toBytes() ([]byte, error) {
	b := make([]byte, SuperblockSize)

	binary.LittleEndian.PutUint16(b[0x38:0x3a], superblockSignature)
	compatFlags, incompatFlags, roCompatFlags := sb.features.toInts()
	binary.LittleEndian.PutUint32(b[0x5c:0x60], compatFlags)
	binary.LittleEndian.PutUint32(b[0x60:0x64], incompatFlags)
	binary.LittleEndian.PutUint32(b[0x64:0x68], roCompatFlags)

	binary.LittleEndian.PutUint32(b[0:4], sb.inodeCount)

	blockCount := make([]byte, 8)
	reservedBlocks := make([]byte, 8)
	freeBlocks := make([]byte, 8)
	binary.LittleEndian.PutUint64(blockCount, sb.blockCount)
	binary.LittleEndian.PutUint64(reservedBlocks, sb.reservedBlocks)
	binary.LittleEndian.PutUint64(freeBlocks, sb.freeBlocks)
	copy(b[0x4:0x8], blockCount[0:4])
	copy(b[0x8:0xc], reservedBlocks[0:4])
	copy(b[0xc:0x10], freeBlocks[0:4])
	if sb.features.fs64Bit {
		copy(b[0x150:0x154], blockCount[4:8])
		copy(b[0x154:0x158], reservedBlocks[4:8])
		copy(b[0x158:0x15c], freeBlocks[4:8])
	}

	binary.LittleEndian.PutUint32(b[0x10:0x14], sb.freeInodes)
	binary.LittleEndian.PutUint32(b[0x14:0x18], sb.firstDataBlock)

	logBlockSize, err := log2Uint32(sb.blockSize)
	if err != nil {
		return nil, fmt.Errorf("invalid block size %d: %w", sb.blockSize, err)
	}
	binary.LittleEndian.PutUint32(b[0x18:0x1c], logBlockSize-10)
	logClusterSize, err := log2Uint64(sb.clusterSize)
	if err != nil {
		return nil, fmt.Errorf("invalid cluster size %d: %w", sb.clusterSize, err)
	}
	binary.LittleEndian.PutUint32(b[0x1c:0x20], logClusterSize)

	binary.LittleEndian.PutUint32(b[0x20:0x24], sb.blocksPerGroup)
	binary.LittleEndian.PutUint32(b[0x24:0x28], sb.clustersPerGroup)
	binary.LittleEndian.PutUint32(b[0x28:0x2c], sb.inodesPerGroup)
	binary.LittleEndian.PutUint32(b[0x2c:0x30], uint32(sb.mountTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x30:0x34], uint32(sb.writeTime.Unix()))
	binary.LittleEndian.PutUint16(b[0x34:0x36], sb.mountCount)
	binary.LittleEndian.PutUint16(b[0x36:0x38], sb.mountsToFsck)

	binary.LittleEndian.PutUint16(b[0x3a:0x3c], uint16(sb.filesystemState))
	binary.LittleEndian.PutUint16(b[0x3c:0x3e], uint16(sb.errorBehaviour))

	binary.LittleEndian.PutUint16(b[0x3e:0x40], sb.minorRevision)
	binary.LittleEndian.PutUint32(b[0x40:0x44], uint32(sb.lastCheck.Unix()))
	binary.LittleEndian.PutUint32(b[0x44:0x48], sb.checkInterval)

	binary.LittleEndian.PutUint32(b[0x48:0x4c], uint32(sb.creatorOS))
	binary.LittleEndian.PutUint32(b[0x4c:0x50], sb.revisionLevel)
	binary.LittleEndian.PutUint16(b[0x50:0x52], sb.reservedBlocksDefaultUID)
	binary.LittleEndian.PutUint16(b[0x52:0x54], sb.reservedBlocksDefaultGID)

	binary.LittleEndian.PutUint32(b[0x54:0x58], sb.firstNonReservedInode)
	binary.LittleEndian.PutUint16(b[0x58:0x5a], sb.inodeSize)
	binary.LittleEndian.PutUint16(b[0x5a:0x5c], sb.blockGroup)

	if sb.uuid != nil {
		copy(b[0x68:0x78], sb.uuid[:])
	}
	copy(b[0x78:0x88], stringToASCIIBytes(sb.volumeLabel, 16))
	copy(b[0x88:0xc8], stringToASCIIBytes(sb.lastMountedDirectory, 64))

	binary.LittleEndian.PutUint32(b[0xc8:0xcc], sb.algorithmUsageBitmap)

	b[0xcc] = sb.preallocationBlocks
	b[0xcd] = sb.preallocationDirectoryBlocks
	binary.LittleEndian.PutUint16(b[0xce:0xd0], sb.reservedGDTBlocks)

	if sb.journalSuperblockUUID != nil {
		copy(b[0xd0:0xe0], sb.journalSuperblockUUID[:])
	}
	binary.LittleEndian.PutUint32(b[0xe0:0xe4], sb.journalInode)
	binary.LittleEndian.PutUint32(b[0xe4:0xe8], sb.journalDeviceNumber)
	binary.LittleEndian.PutUint32(b[0xe8:0xec], sb.orphanedInodesStart)

	for i := 0; i < 4 && i < len(sb.hashTreeSeed); i++ {
		binary.LittleEndian.PutUint32(b[0xec+4*i:0xf0+4*i], sb.hashTreeSeed[i])
	}

	b[0xfc] = byte(sb.hashVersion)
	if sb.journalBackup != nil {
		b[0xfd] = 1
	}
	binary.LittleEndian.PutUint16(b[0xfe:0x100], sb.groupDescriptorSize)

	binary.LittleEndian.PutUint32(b[0x100:0x104], sb.defaultMountOptions.toInt())
	binary.LittleEndian.PutUint32(b[0x104:0x108], sb.firstMetablockGroup)
	binary.LittleEndian.PutUint32(b[0x108:0x10c], uint32(sb.mkfsTime.Unix()))

	if sb.journalBackup != nil {
		for i := 0; i < 15; i++ {
			binary.LittleEndian.PutUint32(b[0x10c+4*i:0x110+4*i], sb.journalBackup.iBlocks[i])
		}
		iSizeBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(iSizeBytes, sb.journalBackup.iSize)
		copy(b[0x10c+4*16:0x10c+4*17], iSizeBytes[0:4])
		copy(b[0x10c+4*15:0x10c+4*16], iSizeBytes[4:8])
	}

	binary.LittleEndian.PutUint16(b[0x15c:0x15e], sb.inodeMinBytes)
	binary.LittleEndian.PutUint16(b[0x15e:0x160], sb.inodeReserveBytes)
	binary.LittleEndian.PutUint32(b[0x160:0x164], sb.miscFlags.toInt())

	binary.LittleEndian.PutUint16(b[0x164:0x166], sb.raidStride)
	binary.LittleEndian.PutUint16(b[0x166:0x168], sb.multiMountPreventionInterval)
	binary.LittleEndian.PutUint64(b[0x168:0x170], sb.multiMountProtectionBlock)
	binary.LittleEndian.PutUint32(b[0x170:0x174], sb.raidStripeWidth)

	logGroupsPerFlex, err := log2Uint64(sb.logGroupsPerFlex)
	if err != nil {
		return nil, fmt.Errorf("invalid log groups per flex %d: %w", sb.logGroupsPerFlex, err)
	}
	b[0x174] = byte(logGroupsPerFlex)
	b[0x175] = sb.checksumType

	binary.LittleEndian.PutUint64(b[0x178:0x180], sb.totalKBWritten)

	binary.LittleEndian.PutUint32(b[0x180:0x184], sb.snapshotInodeNumber)
	binary.LittleEndian.PutUint32(b[0x184:0x188], sb.snapshotID)
	binary.LittleEndian.PutUint64(b[0x188:0x190], sb.snapshotReservedBlocks)
	binary.LittleEndian.PutUint32(b[0x190:0x194], sb.snapshotStartInode)

	binary.LittleEndian.PutUint32(b[0x194:0x198], sb.errorCount)
	binary.LittleEndian.PutUint32(b[0x198:0x19c], uint32(sb.errorFirstTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x19c:0x1a0], sb.errorFirstInode)
	binary.LittleEndian.PutUint64(b[0x1a0:0x1a8], sb.errorFirstBlock)
	copy(b[0x1a8:0x1c8], stringToASCIIBytes(sb.errorFirstFunction, 32))
	binary.LittleEndian.PutUint32(b[0x1c8:0x1cc], sb.errorFirstLine)
	binary.LittleEndian.PutUint32(b[0x1cc:0x1d0], uint32(sb.errorLastTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x1d0:0x1d4], sb.errorLastInode)
	binary.LittleEndian.PutUint32(b[0x1d4:0x1d8], sb.errorLastLine)
	binary.LittleEndian.PutUint64(b[0x1d8:0x1e0], sb.errorLastBlock)
	copy(b[0x1e0:0x200], stringToASCIIBytes(sb.errorLastFunction, 32))

	copy(b[0x200:0x240], stringToASCIIBytes(sb.mountOptions, 64))
	binary.LittleEndian.PutUint32(b[0x240:0x244], sb.userQuotaInode)
	binary.LittleEndian.PutUint32(b[0x244:0x248], sb.groupQuotaInode)
	binary.LittleEndian.PutUint32(b[0x248:0x24c], sb.overheadBlocks)
	binary.LittleEndian.PutUint32(b[0x24c:0x250], sb.backupSuperblockBlockGroups[0])
	binary.LittleEndian.PutUint32(b[0x250:0x254], sb.backupSuperblockBlockGroups[1])
	copy(b[0x254:0x258], sb.encryptionAlgorithms)
	copy(b[0x258:0x268], sb.encryptionSalt)
	binary.LittleEndian.PutUint32(b[0x268:0x26c], sb.lostFoundInode)
	binary.LittleEndian.PutUint32(b[0x26c:0x270], sb.projectQuotaInode)

	binary.LittleEndian.PutUint32(b[0x270:0x274], sb.checksumSeed)

	if sb.features.metadataChecksums {
		actualChecksum := crc.CRC32c(0, b[0:0x3fc])
		binary.LittleEndian.PutUint32(b[0x3fc:0x400], actualChecksum)
	}

	return b, nil
}

func log2Uint32(n uint32) (uint32, error) {
	if n == 0 || n&(n-1) != 0 {
		return 0, fmt.Errorf("%d is not a power of 2", n)
	}
	var shift uint32
	for n>>1 != 0 {
		n >>= 1
		shift++
	}
	return shift, nil
}

func log2Uint64(n uint64) (uint32, error) {
	if n == 0 || n&(n-1) != 0 {
		return 0, fmt.Errorf("%d is not a power of 2", n)
	}
	var shift uint32
	for n>>1 != 0 {
		n >>= 1
		shift++
	}
	return shift, nil
}

// calculateBackupSuperblockGroups returns which block groups (other than 0) hold a backup
// superblock under the sparse_super layout: groups 1 and every power of 3, 5, or 7.
func calculateBackupSuperblockGroups(bgs int64) []int64 {
	seen := map[int64]bool{}
	var groups []int64
	add := func(g int64) {
		if g > 0 && g < bgs && !seen[g] {
			seen[g] = true
			groups = append(groups, g)
		}
	}
	for _, base := range []int64{3, 5, 7} {
		for p := int64(1); p < bgs; p *= base {
			add(p)
		}
	}
	add(1)
	// sort ascending
	for i := 1; i < len(groups); i++ {
		for j := i; j > 0 && groups[j-1] > groups[j]; j-- {
			groups[j-1], groups[j] = groups[j], groups[j-1]
		}
	}
	return groups
}

// journalDevice resolves a journal device path to the device number recorded in the superblock.
// External journal devices are out of scope (spec excludes block-device backends beyond the
// single image file), so any non-empty path is rejected.
func journalDevice(path string) (uint32, error) {
	if path == "" {
		return 0, nil
	}
	return 0, fmt.Errorf("external journal device %q not supported", path)
}
