package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/witnz/auditsync/internal/storage"
)

func main() {
	if len(os.Args) < 3 || len(os.Args) > 5 {
		fmt.Fprintf(os.Stderr, "Usage: %s <db-path> <module> [position] [log|hash]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool corrupts one stored ledger entry (default: position 0, log)\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	module := os.Args[2]

	var position uint64
	if len(os.Args) >= 4 {
		p, err := strconv.ParseUint(os.Args[3], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid position %q: %v\n", os.Args[3], err)
			os.Exit(1)
		}
		position = p
	}

	mode := "log"
	if len(os.Args) == 5 {
		mode = os.Args[4]
	}
	if mode != "log" && mode != "hash" {
		fmt.Fprintf(os.Stderr, "Unknown mode %q (valid: log, hash)\n", mode)
		os.Exit(1)
	}

	fmt.Printf("Opening ledger storage: %s\n", dbPath)
	fmt.Printf("Target module: %s (position %d)\n", module, position)

	store, err := storage.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	entry, err := store.GetEntry(module, position)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found entry (position=%d)\n", entry.Position)
	fmt.Printf("  Original Hash: %s...\n", entry.Hash[:32])
	fmt.Printf("  Original Log: %s\n", entry.Log)

	switch mode {
	case "log":
		entry.Log = entry.Log + " "
	case "hash":
		if entry.Hash[0] == 'a' {
			entry.Hash = "b" + entry.Hash[1:]
		} else {
			entry.Hash = "a" + entry.Hash[1:]
		}
	}

	fmt.Printf("Corrupted entry (position=%d):\n", entry.Position)
	fmt.Printf("  Hash: %s...\n", entry.Hash[:32])
	fmt.Printf("  Log: %s\n", entry.Log)

	if err := store.Overwrite(entry); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save corrupted entry: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Successfully corrupted ledger entry")
	fmt.Println("Run `auditsync verify` to see the tampering detected")
}
