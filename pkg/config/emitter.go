package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/shadowmesh/relaypool/pkg/autoconfig"
)

// RelaySlot carries the fields the per-instance config emitter needs from a
// slot's port allocation, independent of the supervisor's richer instance
// state.
type RelaySlot struct {
	NodeID     string
	SocksPort  int
	ControlPort int
	DataDir    string
}

// EmitRelayConfig creates slot.DataDir (0700) if missing and writes the
// per-instance relay config file at <DataDir>/torrc with exactly the lines
// spec.md §4.B/§6 names. It is idempotent: callers may call it on every
// start.
func EmitRelayConfig(slot RelaySlot, pool *PoolConfig) (string, error) {
	if err := autoconfig.EnsureDataDir(slot.DataDir); err != nil {
		return "", fmt.Errorf("ensure data dir: %w", err)
	}

	path := slot.DataDir + "/torrc"
	file, err := os.Create(path) // #nosec G304 - path is derived from a validated DataDir root
	if err != nil {
		return "", fmt.Errorf("create relay config: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)

	fmt.Fprintf(w, "SocksPort 127.0.0.1:%d\n", slot.SocksPort)
	fmt.Fprintf(w, "ControlPort 127.0.0.1:%d\n", slot.ControlPort)
	fmt.Fprintf(w, "DataDirectory %s\n", slot.DataDir)
	fmt.Fprintf(w, "CookieAuthentication 1\n")
	fmt.Fprintf(w, "CircuitBuildTimeout %d\n", int(pool.CircuitBuildTimeout.Seconds()))
	fmt.Fprintf(w, "LearnCircuitBuildTimeout %s\n", formatBool(pool.LearnCircuitBuildTimeout))
	fmt.Fprintf(w, "MaxCircuitDirtiness %d\n", int(pool.MaxCircuitDirtiness.Seconds()))
	if len(pool.Countries) > 0 {
		fmt.Fprintf(w, "ExitNodes %s\n", formatExitNodes(pool.Countries))
		if pool.StrictNodes {
			fmt.Fprintf(w, "StrictNodes 1\n")
		}
	}

	return path, w.Flush()
}

func formatExitNodes(countries []string) string {
	tagged := make([]string, len(countries))
	for i, c := range countries {
		tagged[i] = "{" + strings.ToLower(c) + "}"
	}
	return strings.Join(tagged, ",")
}
