//go:build windows

package snapshot

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"github.com/chronos-imaging/chronos/internal/chronos/logging"
	"github.com/chronos-imaging/chronos/internal/shellexec"
)

var log = logging.Logger()

// VSSBackend creates and releases shadow copies through the Win32_ShadowCopy
// WMI class, invoked via Invoke-CimMethod through shellexec — the same
// one-shot-PowerShell-process idiom the rest of this codebase's WMI reads
// use, rather than a held go-ole COM session (see DESIGN.md).
type VSSBackend struct{}

var shadowDeviceObjectRe = regexp.MustCompile(`DeviceObject\s*:\s*(\S+)`)
var shadowIDRe = regexp.MustCompile(`ID\s*:\s*(\S+)`)

func (VSSBackend) IsAvailable() bool {
	out, err := shellexec.Exec(`Get-Service -Name VSS | Select-Object -ExpandProperty Status`)
	if err != nil {
		log.Warnf("snapshot: VSS service query failed: %v", err)
		return false
	}
	return strings.EqualFold(strings.TrimSpace(out), "Running")
}

func (VSSBackend) CreateShadowCopy(volumePath string) (string, string, error) {
	drive := driveRootOf(volumePath)

	var shadowID, devicePath string
	operation := func() (string, error) {
		cmd := fmt.Sprintf(
			`$r = Invoke-CimMethod -ClassName Win32_ShadowCopy -MethodName Create -Arguments @{Volume='%s'}; `+
				`if ($r.ReturnValue -ne 0) { throw "Create returned $($r.ReturnValue)" }; `+
				`$sc = Get-CimInstance -ClassName Win32_ShadowCopy -Filter "ID='$($r.ShadowID)'"; `+
				`"ID: $($r.ShadowID)"; "DeviceObject: $($sc.DeviceObject)"`,
			drive,
		)
		out, err := shellexec.Exec(cmd)
		if err != nil {
			return "", err
		}
		idMatch := shadowIDRe.FindStringSubmatch(out)
		devMatch := shadowDeviceObjectRe.FindStringSubmatch(out)
		if idMatch == nil || devMatch == nil {
			return "", fmt.Errorf("unexpected Win32_ShadowCopy.Create output: %q", out)
		}
		shadowID = idMatch[1]
		devicePath = devMatch[1]
		return "", nil
	}

	_, err := backoff.Retry(context.Background(), operation,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		return "", "", fmt.Errorf("create shadow copy of %s: %w", drive, err)
	}
	return devicePath, shadowID, nil
}

func (VSSBackend) ReleaseShadowCopy(shadowID string) error {
	cmd := fmt.Sprintf(`Get-CimInstance -ClassName Win32_ShadowCopy -Filter "ID='%s'" | Remove-CimInstance`, shadowID)
	_, err := shellexec.Exec(cmd)
	return err
}

func driveRootOf(volumePath string) string {
	v := strings.TrimSpace(volumePath)
	if len(v) >= 2 && v[1] == ':' {
		return strings.ToUpper(v[:2]) + `\`
	}
	return v
}
