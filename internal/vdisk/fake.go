package vdisk

import (
	"fmt"
	"os"
	"sync"
)

// FakeBackend backs tests: "attaching" a container file just means
// returning its own path as the physical path (the test's rawio fake
// resolver treats ordinary files as disk paths anyway), while still
// exercising the create/attach/detach bookkeeping in Service.
type FakeBackend struct {
	mu           sync.Mutex
	attached     map[string]bool
	driveLetters map[string]string
	nextLetter   byte
}

// NewFakeBackend returns a backend with no containers attached.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{attached: map[string]bool{}, driveLetters: map[string]string{}, nextLetter: 'Z'}
}

func (b *FakeBackend) CreateContainerFile(path string, sizeBytes int64, sectorSize int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(sizeBytes)
}

func (b *FakeBackend) Attach(path string, readOnly bool) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("attach %s: %w", path, err)
	}
	b.mu.Lock()
	b.attached[path] = true
	b.mu.Unlock()
	return path, nil
}

func (b *FakeBackend) Detach(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached[path] {
		return fmt.Errorf("detach %s: not attached", path)
	}
	delete(b.attached, path)
	return nil
}

func (b *FakeBackend) AssignDriveLetter(physicalPath string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nextLetter < 'D' {
		return "", fmt.Errorf("no free drive letters")
	}
	letter := string(b.nextLetter)
	b.nextLetter--
	b.driveLetters[letter] = physicalPath
	return letter, nil
}

func (b *FakeBackend) ReleaseDriveLetter(driveLetter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.driveLetters, driveLetter)
	return nil
}
