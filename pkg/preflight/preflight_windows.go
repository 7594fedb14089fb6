//go:build windows

package preflight

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// platformValidateMountPoint on Windows verifies that the drive or network
// share root of path exists. For example, for "Z:\backup", it checks "Z:\".
func platformValidateMountPoint(path string) error {
	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil
	}

	checkVol := volume
	if !strings.HasSuffix(checkVol, string(filepath.Separator)) {
		checkVol += string(filepath.Separator)
	}
	checkVol = filepath.Clean(checkVol)

	if _, err := os.Stat(checkVol); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: volume root %s does not exist, ensure the drive is connected", ErrNotMounted, checkVol)
	}
	return nil
}
