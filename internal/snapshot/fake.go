package snapshot

import "fmt"

// FakeBackend is an in-memory Backend for tests: no VSS, no PowerShell.
type FakeBackend struct {
	Available bool
	// FailVolumes causes CreateShadowCopy to fail for the named volume.
	FailVolumes map[string]bool

	nextID   int
	released map[string]bool
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{Available: true, FailVolumes: map[string]bool{}, released: map[string]bool{}}
}

func (f *FakeBackend) IsAvailable() bool { return f.Available }

func (f *FakeBackend) CreateShadowCopy(volumePath string) (string, string, error) {
	if f.FailVolumes[volumePath] {
		return "", "", fmt.Errorf("fake: shadow copy of %s failed", volumePath)
	}
	f.nextID++
	id := fmt.Sprintf("fake-shadow-%d", f.nextID)
	shadowPath := fmt.Sprintf(`\\?\GLOBALROOT\Device\FakeShadowCopy%d`, f.nextID)
	return shadowPath, id, nil
}

func (f *FakeBackend) ReleaseShadowCopy(shadowID string) error {
	f.released[shadowID] = true
	return nil
}

// Released reports whether the given shadow ID was released.
func (f *FakeBackend) Released(shadowID string) bool { return f.released[shadowID] }
