package pathretention

// Plan describes one prune of a snapshots directory.
type Plan struct {
	// Dir holds one subdirectory per snapshot.
	Dir string
	// Keep is the number of newest snapshots to retain. Zero is allowed.
	Keep int
	// Protected names are never removed, whatever their age.
	Protected []string
	// Workers bounds the number of concurrent removals.
	Workers int

	DryRun bool
}
