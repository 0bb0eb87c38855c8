// reset_state - Archive the bot's JSON state for a fresh start
// This moves data/*.json into a timestamped archive subdirectory so the bot
// rebuilds clean state on the next start. Nothing is deleted.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

func main() {
	dataDir := flag.String("data", "data", "Path to the bot's data directory")
	yes := flag.Bool("yes", false, "Actually move the files (default is a dry run)")
	flag.Parse()

	files, err := filepath.Glob(filepath.Join(*dataDir, "*.json"))
	if err != nil {
		log.Fatalf("Failed to list state files: %v", err)
	}
	if len(files) == 0 {
		fmt.Printf("No state files found in %s - nothing to archive.\n", *dataDir)
		return
	}

	fmt.Printf("Found:\n")
	for _, f := range files {
		size := int64(0)
		if info, err := os.Stat(f); err == nil {
			size = info.Size()
		}
		fmt.Printf("  - %s (%d bytes)\n", f, size)
	}

	archive := filepath.Join(*dataDir, "archive", time.Now().Format("20060102-150405"))

	if !*yes {
		fmt.Printf("\nDry run: would move %d file(s) to %s\n", len(files), archive)
		fmt.Printf("Re-run with -yes to archive.\n")
		return
	}

	fmt.Printf("\n📦 Archiving %d file(s) to %s...\n", len(files), archive)
	if err := os.MkdirAll(archive, 0o755); err != nil {
		log.Fatalf("Failed to create archive directory: %v", err)
	}
	for _, f := range files {
		dest := filepath.Join(archive, filepath.Base(f))
		if err := os.Rename(f, dest); err != nil {
			log.Fatalf("Failed to move %s: %v", f, err)
		}
		fmt.Printf("  - %s\n", filepath.Base(f))
	}

	fmt.Printf("✅ State archived to: %s\n", archive)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("  1. Restart the bot to rebuild fresh state\n")
	fmt.Printf("  2. Recover a single file with: mv %s/<file>.json %s/\n", archive, *dataDir)
	fmt.Printf("  3. Remove the archive directory once it is no longer needed\n")
}
