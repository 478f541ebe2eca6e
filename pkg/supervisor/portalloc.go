package supervisor

import (
	"fmt"
	"path/filepath"
)

// Slot is the deterministic, total, injective mapping from a slot index to
// its node id and port pair (spec.md §3, §4.A).
type Slot struct {
	Index       int
	NodeID      string
	SocksPort   int
	ControlPort int
	DataDir     string
}

// Allocate returns the Slot for index i under the given bases and data
// root. It does not itself validate that i < N or that ranges don't
// overlap — call ValidatePortRanges once at supervisor construction.
func Allocate(baseSocksPort, baseCtrlPort int, dataRoot string, i int) Slot {
	nodeID := fmt.Sprintf("relay-%04d", i)
	return Slot{
		Index:       i,
		NodeID:      nodeID,
		SocksPort:   baseSocksPort + i,
		ControlPort: baseCtrlPort + i,
		DataDir:     filepath.Join(dataRoot, nodeID),
	}
}

// ValidatePortRanges rejects configurations where the SOCKS port range
// [baseSocksPort, baseSocksPort+n) intersects the control port range
// [baseCtrlPort, baseCtrlPort+n), per spec.md §3/§4.A.
func ValidatePortRanges(baseSocksPort, baseCtrlPort, n int) error {
	if n < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", n)
	}
	socksEnd := baseSocksPort + n
	ctrlEnd := baseCtrlPort + n
	if socksEnd <= baseCtrlPort || ctrlEnd <= baseSocksPort {
		return nil
	}
	return fmt.Errorf("socks port range [%d,%d) overlaps control port range [%d,%d)",
		baseSocksPort, socksEnd, baseCtrlPort, ctrlEnd)
}
