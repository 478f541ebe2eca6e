// Package main provides a debug utility for talking to a single relay
// instance's control port directly, bypassing the pool supervisor.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shadowmesh/relaypool/pkg/control"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	controlAddr := flag.String("control", "127.0.0.1:40000", "Relay control port address")
	dataDir := flag.String("data-dir", "", "Relay instance data directory (for the control_auth_cookie file)")
	nodeID := flag.String("node", "relay-0000", "Node id, used only to label error output")
	timeout := flag.Duration("timeout", 5*time.Second, "Control session deadline")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relayctl version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(flag.Args()) == 0 {
		printUsage()
		os.Exit(1)
	}
	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -data-dir is required (control_auth_cookie lives there)")
		os.Exit(1)
	}

	client := control.NewClient(*nodeID, *controlAddr, *dataDir, *timeout)
	command := strings.ToLower(flag.Args()[0])

	if err := executeCommand(client, command); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("relayctl - debug utility for a single relay's control port")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  relayctl [options] <command>")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -control <address>  Control port address (default: 127.0.0.1:40000)")
	fmt.Println("  -data-dir <path>    Relay data directory holding control_auth_cookie")
	fmt.Println("  -node <id>          Node id used to label errors (default: relay-0000)")
	fmt.Println("  -timeout <dur>      Control session deadline (default: 5s)")
	fmt.Println("  -version            Show version information")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  bootstrap           Show bootstrap phase")
	fmt.Println("  circuits            List open circuits")
	fmt.Println("  rotate              Signal NEWNYM to rotate circuits")
}

func executeCommand(client *control.Client, command string) error {
	switch command {
	case "bootstrap":
		return showBootstrap(client)
	case "circuits":
		return listCircuits(client)
	case "rotate":
		return rotate(client)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func showBootstrap(client *control.Client) error {
	phase, err := client.BootstrapPhase()
	if err != nil {
		return err
	}
	fmt.Println(phase)
	return nil
}

func listCircuits(client *control.Client) error {
	lines, err := client.CircuitStatus()
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		fmt.Println("No open circuits")
		return nil
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func rotate(client *control.Client) error {
	if err := client.SignalNewnym(); err != nil {
		return err
	}
	fmt.Println("NEWNYM signalled")
	return nil
}
