package extractor

import "fmt"

// Range is an inclusive block range.
type Range struct {
	Start uint64
	End   uint64
}

// String returns the range in "start-end" format.
func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Size returns the number of blocks in the range.
func (r Range) Size() uint64 {
	return r.End - r.Start + 1
}

// ParseRange parses a "start-end" string into a Range.
func ParseRange(s string) (Range, error) {
	var start, end uint64
	_, err := fmt.Sscanf(s, "%d-%d", &start, &end)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range format: %s", s)
	}
	if start > end {
		return Range{}, fmt.Errorf("start > end: %d > %d", start, end)
	}
	return Range{Start: start, End: end}, nil
}
