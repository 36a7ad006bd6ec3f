// Command loadtest drives the realtime gateway with simulated users.
//
//   - saturate: opens N idle authenticated connections and holds them
//   - chat:     pairs of users exchange chat and typing events
//
// Accounts loadtest+<n>@<domain> are created on first use and signed in with
// tokens minted from SECRET_KEY.
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
	case "chat":
		runChat(os.Args[2:])
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
	fmt.Println("  saturate    Opens N idle connections and holds them")
	fmt.Println("  chat        Pairs of users exchange chat messages and typing events")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
