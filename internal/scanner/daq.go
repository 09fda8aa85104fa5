package scanner

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// #region file-counter

// FileCounter reads a monotonically increasing pulse count from a file,
// the interface exposed by counter-card drivers under sysfs. Each read
// opens the file fresh; the driver rewrites it in place.
type FileCounter struct {
	Path string
}

// ReadCount parses the file's contents as a base-10 count.
func (f FileCounter) ReadCount() (int64, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", f.Path, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", f.Path, err)
	}
	return n, nil
}

// #endregion file-counter
