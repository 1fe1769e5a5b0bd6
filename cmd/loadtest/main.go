// Command loadtest drives the workspace relay with simulated collaborators.
//
//   - saturate:  opens N idle connections spread over workspaces
//   - broadcast: members of each workspace exchange code changes and chat
//     messages while fan-out latency is measured
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "broadcast":
		runBroadcast(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  broadcast   Fan-out test, workspace members exchange edits and chat")
	fmt.Println()
	fmt.Println("Tokens are signed with AUTH_JWT_SECRET unless --secret is given.")
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
