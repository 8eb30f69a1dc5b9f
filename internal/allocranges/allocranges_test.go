package allocranges

import (
	"testing"

	"github.com/chronos-imaging/chronos/internal/model"
)

func TestSanitizeRejectsOutOfRangeTotal(t *testing.T) {
	ranges := []model.AllocatedRange{{Offset: 0, Length: 1000}}
	_, ok := Sanitize(ranges, true, 500)
	if ok {
		t.Fatal("expected sanitize to reject a total exceeding volume size")
	}
}

func TestSanitizeSortsByOffset(t *testing.T) {
	ranges := []model.AllocatedRange{
		{Offset: 200, Length: 50},
		{Offset: 0, Length: 50},
	}
	sorted, ok := Sanitize(ranges, true, 1000)
	if !ok {
		t.Fatal("expected ok")
	}
	if sorted[0].Offset != 0 || sorted[1].Offset != 200 {
		t.Errorf("not sorted: %+v", sorted)
	}
}

func TestSanitizePassesThroughNotOk(t *testing.T) {
	_, ok := Sanitize(nil, false, 1000)
	if ok {
		t.Fatal("expected not-ok to remain not-ok")
	}
}

func TestFakeProviderEmptyMeansFullyUnallocated(t *testing.T) {
	p := NewFakeProvider()
	p.Ranges["/vol"] = []model.AllocatedRange{}
	ranges, ok := p.AllocatedRanges("/vol", 1000)
	if !ok {
		t.Fatal("expected ok for registered empty range list")
	}
	if len(ranges) != 0 {
		t.Errorf("expected empty ranges, got %+v", ranges)
	}
}

func TestFakeProviderUnknownPathMeansNone(t *testing.T) {
	p := NewFakeProvider()
	_, ok := p.AllocatedRanges("/unknown", 1000)
	if ok {
		t.Fatal("expected unknown path to yield None")
	}
}
