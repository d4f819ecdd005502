package memory

// AccountingMode selects how a Layer estimates its own memory footprint.
type AccountingMode int

const (
	// Disabled always reports 0; zero overhead.
	Disabled AccountingMode = iota
	// Fast applies a fixed per-entry overhead plus the key, value and tag byte
	// lengths, tracked per shard at write time.
	Fast
	// Sampling sizes a sample of entries (taken in map iteration order) with
	// the same heuristic as Fast and extrapolates; the custom Sizer is not used.
	Sampling
	// Accurate measures every entry via the user-supplied Sizer (the Fast
	// heuristic when none is supplied), throttled by a recalculation interval.
	Accurate
)

// Sizer estimates the in-memory footprint of one entry. Implementations for
// Fast/Sampling/Accurate modes wrap a common heuristic; Disabled mode uses
// zeroSizer.
type Sizer interface {
	Size(key string, value []byte, tags []string) int64
}

// zeroSizer backs AccountingMode Disabled.
type zeroSizer struct{}

func (zeroSizer) Size(string, []byte, []string) int64 { return 0 }

// fixedOverheadSizer backs AccountingMode Fast: a fixed per-entry overhead
// (map bucket, list element, struct headers) plus the actual byte lengths of
// key, value and tags, grounded on pkg/models/cache.go's Entry.Size()
// heuristic in the teacher's pack.
type fixedOverheadSizer struct {
	overhead int64
}

// entryOverheadBytes approximates the non-payload cost of one shard entry:
// map bucket + list.Element + entry struct headers.
const entryOverheadBytes = 64

func newFixedOverheadSizer() *fixedOverheadSizer {
	return &fixedOverheadSizer{overhead: entryOverheadBytes}
}

func (s *fixedOverheadSizer) Size(key string, value []byte, tags []string) int64 {
	total := s.overhead + int64(len(key)) + int64(len(value))
	for _, tag := range tags {
		total += int64(len(tag))
	}
	return total
}

// NewSizer builds the Sizer for mode. Accurate mode delegates to custom,
// matching spec.md's "user-supplied sizer" requirement; custom may be nil for
// the other modes.
func NewSizer(mode AccountingMode, custom Sizer) Sizer {
	switch mode {
	case Disabled:
		return zeroSizer{}
	case Fast, Sampling:
		return newFixedOverheadSizer()
	case Accurate:
		if custom != nil {
			return custom
		}
		return newFixedOverheadSizer()
	default:
		return zeroSizer{}
	}
}
