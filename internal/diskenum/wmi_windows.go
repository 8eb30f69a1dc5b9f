//go:build windows

package diskenum

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chronos-imaging/chronos/internal/chronos/logging"
	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/chronos-imaging/chronos/internal/shellexec"
)

var log = logging.Logger()

// WMIRoleSource queries MSFT_Disk for the role flags and model/serial
// fields that device ioctls alone cannot report — IsSystem and IsBoot in
// particular are WMI-only, the same reason the pack's Windows storage-host
// libraries keep a WMI query alongside their ioctl-based geometry queries.
//
// Shelling a one-shot PowerShell/CIM query instead of holding a live COM/
// go-ole session matches this codebase's existing external-process idiom
// (shellexec) and avoids a persistent apartment-threaded WMI connection
// per enumeration, at the cost of one process spawn per disk; acceptable
// since enumeration is not a hot path.
type WMIRoleSource struct{}

func (WMIRoleSource) DiskRole(index uint32) (model.DiskIdentity, bool) {
	cmd := fmt.Sprintf(
		`Get-CimInstance -ClassName MSFT_Disk -Namespace root/Microsoft/Windows/Storage -Filter "Number=%d" | `+
			`Select-Object -Property Model,SerialNumber,Size,LogicalSectorSize,IsSystem,IsBoot | Format-List`,
		index,
	)
	out, err := shellexec.Exec(cmd)
	if err != nil {
		log.Warnf("diskenum: MSFT_Disk query for disk %d: %v", index, err)
		return model.DiskIdentity{}, false
	}

	fields := parseFormatList(out)
	di := model.DiskIdentity{Index: index}
	di.Model = fields["Model"]
	di.Serial = fields["SerialNumber"]
	if n, err := strconv.ParseUint(fields["Size"], 10, 64); err == nil {
		di.SizeBytes = n
	}
	if n, err := strconv.ParseUint(fields["LogicalSectorSize"], 10, 32); err == nil {
		di.LogicalSectorSize = uint32(n)
	}
	di.IsSystem = strings.EqualFold(fields["IsSystem"], "True")
	di.IsBoot = strings.EqualFold(fields["IsBoot"], "True")
	return di, true
}

// WMIVolumePathSource resolves a partition's mounted volume access path via
// Get-Partition | Get-Volume, the same Get-Volume/Get-Partition pairing the
// pack's Windows mount helpers use for AddPartitionAccessPath.
type WMIVolumePathSource struct{}

func (WMIVolumePathSource) VolumePath(diskIndex, partitionNumber uint32) (string, bool) {
	cmd := fmt.Sprintf(
		`(Get-Partition -DiskNumber %d -PartitionNumber %d | Get-Volume).Path`,
		diskIndex, partitionNumber,
	)
	out, err := shellexec.Exec(cmd)
	if err != nil {
		return "", false
	}
	path := strings.TrimSpace(out)
	if path == "" {
		return "", false
	}
	return path, true
}

// parseFormatList parses PowerShell's "Format-List" key-value output into a
// map, trimming the blank separator lines Format-List emits between
// records.
func parseFormatList(out string) map[string]string {
	fields := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		fields[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return fields
}
