//go:build windows

package rawio

import (
	"fmt"
	"strings"

	"github.com/chronos-imaging/chronos/internal/shellexec"
)

// PowerShellPreparer dismounts and offlines the volumes backed by a
// physical disk path before it is opened for write, using the same
// Set-Disk cmdlet style the pack's Windows storage host
// libraries use for disk lifecycle management.
type PowerShellPreparer struct{}

func diskNumberFromPhysicalPath(path string) (string, bool) {
	const prefix = `\\.\PhysicalDrive`
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	return strings.TrimPrefix(path, prefix), true
}

// Prepare sets the disk offline (which implicitly dismounts and locks its
// volumes) and returns a release func that brings it back online.
func (PowerShellPreparer) Prepare(physicalPath string) (func() error, error) {
	diskNum, ok := diskNumberFromPhysicalPath(physicalPath)
	if !ok {
		// Not a whole-disk path (e.g. a partition device path); nothing to
		// offline at the disk level.
		return func() error { return nil }, nil
	}

	cmd := fmt.Sprintf("Set-Disk -Number %s -IsOffline $true", diskNum)
	if _, err := shellexec.Exec(cmd); err != nil {
		return nil, fmt.Errorf("set disk %s offline: %w", diskNum, err)
	}

	release := func() error {
		cmd := fmt.Sprintf("Set-Disk -Number %s -IsOffline $false", diskNum)
		if _, err := shellexec.Exec(cmd); err != nil {
			return fmt.Errorf("bring disk %s back online: %w", diskNum, err)
		}
		return nil
	}
	return release, nil
}
