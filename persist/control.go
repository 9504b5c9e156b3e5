package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mtmcore/config"
	"mtmcore/mtm"
)

// ControlFile is the bootstrap marker "<cluster_name>:<donor_node_id>\n"
// recording which cluster and donor a data directory was cloned from.
// WriteControlFile creates it and ReadControlFile reads it back; no
// startup path in this module calls either one.
type ControlFile struct {
	ClusterName string
	DonorNode   mtm.NodeID
}

func controlPath(dir string) string {
	return filepath.Join(dir, config.ControlFileName)
}

// WriteControlFile creates the control file; it refuses to overwrite an
// existing one since that would defeat its purpose.
func WriteControlFile(dir string, cf ControlFile) error {
	path := controlPath(dir)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("persist: control file already exists at %s", path)
	}
	line := fmt.Sprintf("%s:%d\n", cf.ClusterName, cf.DonorNode)
	return os.WriteFile(path, []byte(line), 0o600)
}

// ReadControlFile reads the bootstrap marker, or os.ErrNotExist if the node
// has never been initialized from a donor.
func ReadControlFile(dir string) (ControlFile, error) {
	raw, err := os.ReadFile(controlPath(dir))
	if err != nil {
		return ControlFile{}, err
	}
	line := strings.TrimSpace(string(raw))
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return ControlFile{}, fmt.Errorf("persist: malformed control file %q", line)
	}
	donor, err := strconv.Atoi(parts[1])
	if err != nil {
		return ControlFile{}, fmt.Errorf("persist: malformed donor id in control file: %w", err)
	}
	return ControlFile{ClusterName: parts[0], DonorNode: mtm.NodeID(donor)}, nil
}
