//go:build windows

package rawio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// ioctlDiskGetDriveGeometryEx mirrors IOCTL_DISK_GET_DRIVE_GEOMETRY_EX:
// device type FILE_DEVICE_DISK (0x7), function 0x0028, method buffered,
// access any — (0x7 << 16) | (0x0028 << 2) | 0.
const ioctlDiskGetDriveGeometryEx = 0x000700A0

// diskGeometryEx mirrors DISK_GEOMETRY_EX: a DISK_GEOMETRY followed by the
// total disk size and a variable trailing "Data" region this code does not
// need.
type diskGeometryEx struct {
	Cylinders         int64
	MediaType         uint32
	TracksPerCylinder uint32
	SectorsPerTrack   uint32
	BytesPerSector    uint32
	DiskSize          int64
}

// WindowsGeometryProber resolves disk/partition identities to
// \\.\PhysicalDriveN / \\.\HarddiskNPartitionM device paths and queries
// geometry through DeviceIoControl, the same pattern the pack's Windows
// storage-host libraries use for every ioctl-backed query in this codebase.
type WindowsGeometryProber struct{}

func (WindowsGeometryProber) DiskPath(index uint32) (string, int64, int64, error) {
	path := fmt.Sprintf(`\\.\PhysicalDrive%d`, index)
	size, sectorSize, err := queryGeometry(path)
	if err != nil {
		return "", 0, 0, err
	}
	return path, size, sectorSize, nil
}

func (WindowsGeometryProber) PartitionPath(diskIndex, partitionNumber uint32) (string, int64, int64, error) {
	path := fmt.Sprintf(`\\.\Harddisk%dPartition%d`, diskIndex, partitionNumber)
	size, sectorSize, err := queryGeometry(path)
	if err != nil {
		return "", 0, 0, err
	}
	return path, size, sectorSize, nil
}

func (WindowsGeometryProber) ProbeSectorSize(path string) (int64, error) {
	_, sectorSize, err := queryGeometry(path)
	return sectorSize, err
}

func queryGeometry(path string) (sizeBytes, sectorSize int64, err error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}

	h, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("CreateFile(%s): %w", path, err)
	}
	defer windows.CloseHandle(h)

	var geo diskGeometryEx
	var bytesReturned uint32
	err = windows.DeviceIoControl(
		h,
		ioctlDiskGetDriveGeometryEx,
		nil, 0,
		(*byte)(unsafe.Pointer(&geo)), uint32(unsafe.Sizeof(geo)),
		&bytesReturned,
		nil,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("DeviceIoControl(IOCTL_DISK_GET_DRIVE_GEOMETRY_EX, %s): %w", path, err)
	}

	return geo.DiskSize, int64(geo.BytesPerSector), nil
}
