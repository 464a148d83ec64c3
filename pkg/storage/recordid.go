package storage

import "github.com/bobboyms/oxidb/pkg/types"

// RecordIdFromOffset derives a types.RecordId from a heap's global byte
// offset. The heap addresses documents by a flat int64 offset across
// segments rather than by a literal paged PageId/SlotId, so this packs
// the offset's high bits into Page and its low 16 bits into Slot: the
// mapping is monotonic, so RecordId.Compare still orders records the
// way the heap's own offsets do, and a payload's RecordId stays stable
// for its lifetime since its offset never changes once written.
func RecordIdFromOffset(offset int64) types.RecordId {
	return types.RecordId{
		Page: types.PageId(uint64(offset) >> 16),
		Slot: types.SlotId(uint64(offset) & 0xFFFF),
	}
}

// OffsetFromRecordId inverts RecordIdFromOffset.
func OffsetFromRecordId(rid types.RecordId) int64 {
	return int64(uint64(rid.Page)<<16 | uint64(rid.Slot))
}
