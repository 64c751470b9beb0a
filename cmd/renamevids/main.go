// Command renamevids normalizes the file names of a downloaded video
// corpus: everything after the first underscore is dropped, and files that
// were mp4 keep their .mp4 extension. "3339962845_orig.mp4" becomes
// "3339962845.mp4".
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"
)

func main() {
	dir := flag.String("dir", ".", "directory whose entries are renamed")
	dryRun := flag.Bool("dry-run", false, "print renames without applying them")
	flag.Parse()

	entries, err := os.ReadDir(*dir)
	if err != nil {
		log.Fatalf("failed to read %s: %v", *dir, err)
	}

	renamed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		newName := normalizeName(name)
		if newName == name {
			continue
		}
		if *dryRun {
			log.Printf("would rename %s -> %s", name, newName)
			continue
		}
		if err := os.Rename(filepath.Join(*dir, name), filepath.Join(*dir, newName)); err != nil {
			log.Fatalf("failed to rename %s: %v", name, err)
		}
		log.Printf("renamed %s -> %s", name, newName)
		renamed++
	}
	log.Printf("renamed %d files", renamed)
}

// normalizeName strips everything after the first underscore and
// re-appends the .mp4 extension for files that carried it.
func normalizeName(name string) string {
	isMP4 := strings.Contains(name, ".mp4")
	parts := strings.SplitN(name, "_", 2)
	out := parts[0]
	if isMP4 && !strings.Contains(out, ".mp4") {
		out += ".mp4"
	}
	return out
}
