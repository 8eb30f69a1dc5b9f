package allocranges

import "github.com/chronos-imaging/chronos/internal/model"

// FakeProvider returns a canned answer per volume path, letting tests model
// every C4 contract outcome: Some(list), Some(empty), and None.
type FakeProvider struct {
	Ranges map[string][]model.AllocatedRange
	Fail   map[string]bool
}

// NewFakeProvider returns an empty fake; by default every path returns None.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{Ranges: map[string][]model.AllocatedRange{}, Fail: map[string]bool{}}
}

func (f *FakeProvider) AllocatedRanges(volumePath string, volumeSize uint64) ([]model.AllocatedRange, bool) {
	if f.Fail[volumePath] {
		return nil, false
	}
	ranges, ok := f.Ranges[volumePath]
	if !ok {
		return nil, false
	}
	return Sanitize(ranges, true, volumeSize)
}
