//go:build windows

package vdisk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/chronos-imaging/chronos/internal/shellexec"
)

// PowerShellBackend drives VHD/VHDX lifecycle through New-VHD/Mount-DiskImage/
// Dismount-DiskImage/Set-Partition/Remove-PartitionAccessPath, following the same
// shell-out-to-PowerShell idiom the pack's Windows storage-host libraries use
// for Set-Disk/Clear-Disk/Initialize-Disk.
type PowerShellBackend struct{}

var diskNumberRe = regexp.MustCompile(`(?m)^\s*(\d+)\s*$`)

// CreateContainerFile creates a fixed-size VHDX at path with the given
// logical sector size.
func (PowerShellBackend) CreateContainerFile(path string, sizeBytes int64, sectorSize int64) error {
	cmd := fmt.Sprintf(
		`New-VHD -Path '%s' -SizeBytes %d -Fixed -LogicalSectorSizeBytes %d | Out-Null`,
		path, sizeBytes, sectorSize,
	)
	if _, err := shellexec.Exec(cmd); err != nil {
		return fmt.Errorf("New-VHD %s: %w", path, err)
	}
	return nil
}

// Attach mounts the container and returns its physical device path.
func (PowerShellBackend) Attach(path string, readOnly bool) (string, error) {
	ro := "$false"
	if readOnly {
		ro = "$true"
	}
	cmd := fmt.Sprintf(
		`$d = Mount-DiskImage -ImagePath '%s' -ReadOnly:%s -PassThru | Get-DiskImage; (Get-Disk -Number $d.Number).Number`,
		path, ro,
	)
	out, err := shellexec.Exec(cmd)
	if err != nil {
		return "", fmt.Errorf("Mount-DiskImage %s: %w", path, err)
	}
	m := diskNumberRe.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("Mount-DiskImage %s: could not parse disk number from %q", path, out)
	}
	return fmt.Sprintf(`\\.\PhysicalDrive%s`, m[1]), nil
}

// Detach dismounts the container.
func (PowerShellBackend) Detach(path string) error {
	cmd := fmt.Sprintf(`Dismount-DiskImage -ImagePath '%s' | Out-Null`, path)
	if _, err := shellexec.Exec(cmd); err != nil {
		return fmt.Errorf("Dismount-DiskImage %s: %w", path, err)
	}
	return nil
}

// AssignDriveLetter picks the first free letter searching Z..D descending
// and binds it to the attached disk's first partition.
func (PowerShellBackend) AssignDriveLetter(physicalPath string) (string, error) {
	diskNumber := strings.TrimPrefix(physicalPath, `\\.\PhysicalDrive`)
	for _, letter := range "ZYXWVUTSRQPONMLKJIHGFEDCBA" {
		if letter > 'Z' || letter < 'D' {
			continue
		}
		cmd := fmt.Sprintf(
			`if (-not (Get-Volume -DriveLetter %c -ErrorAction SilentlyContinue)) { Get-Partition -DiskNumber %s | Select-Object -First 1 | Set-Partition -NewDriveLetter %c; 'ok' }`,
			letter, diskNumber, letter,
		)
		out, err := shellexec.Exec(cmd)
		if err == nil && strings.Contains(out, "ok") {
			return string(letter), nil
		}
	}
	return "", fmt.Errorf("no free drive letter in Z..D for disk %s", diskNumber)
}

// ReleaseDriveLetter removes the drive letter assignment.
func (PowerShellBackend) ReleaseDriveLetter(driveLetter string) error {
	cmd := fmt.Sprintf(`Remove-PartitionAccessPath -DriveLetter %s -AccessPath '%s:\' -ErrorAction SilentlyContinue`, driveLetter, driveLetter)
	_, err := shellexec.Exec(cmd)
	return err
}
