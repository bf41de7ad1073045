package mutation

import (
	"bytes"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Token is a point on the partition ring. Tokens order partitions globally;
// two distinct keys may share a token, ties are broken by the raw key bytes.
type Token uint64

// HashToken maps raw partition-key bytes onto the ring.
func HashToken(key []byte) Token {
	return Token(xxhash.Sum64(key))
}

// DecoratedKey is a partition key paired with its token. All partition
// ordering in the engine goes through (token, key).
type DecoratedKey struct {
	Token Token
	Key   []byte
}

// Compare orders decorated keys by token first, then by raw key bytes.
func (dk DecoratedKey) Compare(other DecoratedKey) int {
	if dk.Token != other.Token {
		if dk.Token < other.Token {
			return -1
		}
		return 1
	}
	return bytes.Compare(dk.Key, other.Key)
}

// Equal reports whether both keys identify the same partition.
func (dk DecoratedKey) Equal(other DecoratedKey) bool {
	return dk.Compare(other) == 0
}

// RingPosition extends decorated keys with before/after sentinels so that
// half-open partition ranges can be expressed. A nil Key with Weight -1 sits
// before every key of Token, with Weight +1 after every key of Token. When a
// Key is present, Weight -1/0/+1 means just-before/at/just-after that key.
type RingPosition struct {
	Token  Token
	Key    []byte
	Weight int
}

// MinRingPosition returns the position before every partition on the ring.
func MinRingPosition() RingPosition {
	return RingPosition{Token: 0, Weight: -1}
}

// MaxRingPosition returns the position after every partition on the ring.
func MaxRingPosition() RingPosition {
	return RingPosition{Token: Token(math.MaxUint64), Weight: 1}
}

// RingPositionBefore returns the position immediately before dk.
func RingPositionBefore(dk DecoratedKey) RingPosition {
	return RingPosition{Token: dk.Token, Key: dk.Key, Weight: -1}
}

// RingPositionAt returns the position occupied by dk itself.
func RingPositionAt(dk DecoratedKey) RingPosition {
	return RingPosition{Token: dk.Token, Key: dk.Key, Weight: 0}
}

// RingPositionAfter returns the position immediately after dk.
func RingPositionAfter(dk DecoratedKey) RingPosition {
	return RingPosition{Token: dk.Token, Key: dk.Key, Weight: 1}
}

// RingPositionStartingAt returns the position before every key of t.
func RingPositionStartingAt(t Token) RingPosition {
	return RingPosition{Token: t, Weight: -1}
}

// Compare gives the total order over ring positions.
func (rp RingPosition) Compare(other RingPosition) int {
	if rp.Token != other.Token {
		if rp.Token < other.Token {
			return -1
		}
		return 1
	}
	if rp.Key == nil || other.Key == nil {
		if rp.Key == nil && other.Key == nil {
			return cmpInt(rp.Weight, other.Weight)
		}
		// A key-less bound is before or after every key of the token.
		if rp.Key == nil {
			if rp.Weight < 0 {
				return -1
			}
			return 1
		}
		if other.Weight < 0 {
			return 1
		}
		return -1
	}
	if c := bytes.Compare(rp.Key, other.Key); c != 0 {
		return c
	}
	return cmpInt(rp.Weight, other.Weight)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// RangeBound is one end of a partition range.
type RangeBound struct {
	Key       DecoratedKey
	Inclusive bool
}

// PartitionRange is a range over the partition ring. Nil bounds are open.
type PartitionRange struct {
	Start *RangeBound
	End   *RangeBound
}

// FullPartitionRange covers the whole ring.
func FullPartitionRange() PartitionRange {
	return PartitionRange{}
}

// SingularPartitionRange covers exactly one partition.
func SingularPartitionRange(dk DecoratedKey) PartitionRange {
	b := RangeBound{Key: dk, Inclusive: true}
	e := b
	return PartitionRange{Start: &b, End: &e}
}

// NewPartitionRange builds a range from two bounds.
func NewPartitionRange(start, end RangeBound) PartitionRange {
	return PartitionRange{Start: &start, End: &end}
}

// PartitionRangeStartingWith covers [b, +inf) honouring b's inclusivity.
func PartitionRangeStartingWith(b RangeBound) PartitionRange {
	return PartitionRange{Start: &b}
}

// PartitionRangeEndingWith covers (-inf, b] honouring b's inclusivity.
func PartitionRangeEndingWith(b RangeBound) PartitionRange {
	return PartitionRange{End: &b}
}

// StartPosition returns the ring position at which the range begins.
func (pr PartitionRange) StartPosition() RingPosition {
	if pr.Start == nil {
		return MinRingPosition()
	}
	if pr.Start.Inclusive {
		return RingPositionBefore(pr.Start.Key)
	}
	return RingPositionAfter(pr.Start.Key)
}

// EndPosition returns the ring position at which the range ends.
func (pr PartitionRange) EndPosition() RingPosition {
	if pr.End == nil {
		return MaxRingPosition()
	}
	if pr.End.Inclusive {
		return RingPositionAfter(pr.End.Key)
	}
	return RingPositionBefore(pr.End.Key)
}

// Before reports whether dk falls entirely before the range.
func (pr PartitionRange) Before(dk DecoratedKey) bool {
	return RingPositionAt(dk).Compare(pr.StartPosition()) < 0
}

// After reports whether dk falls entirely after the range.
func (pr PartitionRange) After(dk DecoratedKey) bool {
	return RingPositionAt(dk).Compare(pr.EndPosition()) > 0
}

// Contains reports whether dk lies within the range.
func (pr PartitionRange) Contains(dk DecoratedKey) bool {
	return !pr.Before(dk) && !pr.After(dk)
}

// Intersects reports whether any position in [start, end] of other overlaps pr.
func (pr PartitionRange) Intersects(start, end RingPosition) bool {
	return pr.StartPosition().Compare(end) <= 0 && start.Compare(pr.EndPosition()) <= 0
}
