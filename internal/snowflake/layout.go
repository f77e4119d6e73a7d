package snowflake

// Bit layout of an id, most significant first:
//
//	0 | 41 bits timestamp delta | 5 bits partition | 5 bits worker | 12 bits sequence
const (
	TimestampBits = 41
	PartitionBits = 5
	WorkerBits    = 5
	SequenceBits  = 12

	MaxPartitionID = -1 ^ (-1 << PartitionBits)
	MaxWorkerID    = -1 ^ (-1 << WorkerBits)
	MaxSequence    = -1 ^ (-1 << SequenceBits)

	WorkerShift    = SequenceBits
	PartitionShift = SequenceBits + WorkerBits
	TimestampShift = SequenceBits + WorkerBits + PartitionBits

	// DefaultEpochMs is 2015-01-01T00:00:00Z.
	DefaultEpochMs int64 = 1420070400000
)

// Parts are the logical fields packed into an id.
type Parts struct {
	TimestampMs int64
	PartitionID uint8
	WorkerID    uint8
	Sequence    uint16
}

// Compose packs the fields into an id. Inputs are expected to be in range.
// A timestamp delta wider than TimestampBits is not masked: it carries into
// bit 63, see Overflows.
func Compose(tsMs, epochMs int64, partitionID, workerID uint8, sequence uint16) uint64 {
	return uint64(tsMs-epochMs)<<TimestampShift |
		uint64(partitionID)<<PartitionShift |
		uint64(workerID)<<WorkerShift |
		uint64(sequence)
}

// Overflows reports whether tsMs can not be represented relative to epochMs,
// either because it precedes the epoch or because the delta needs more than
// TimestampBits (roughly 69 years).
func Overflows(tsMs, epochMs int64) bool {
	delta := tsMs - epochMs
	return delta < 0 || delta >= 1<<TimestampBits
}

// Decompose is the inverse of Compose.
func Decompose(id uint64, epochMs int64) Parts {
	return Parts{
		TimestampMs: int64(id>>TimestampShift) + epochMs,
		PartitionID: uint8(id >> PartitionShift & MaxPartitionID),
		WorkerID:    uint8(id >> WorkerShift & MaxWorkerID),
		Sequence:    uint16(id & MaxSequence),
	}
}
