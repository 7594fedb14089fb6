package preflight

// Plan selects the checks Run performs.
type Plan struct {
	SourceAccessible bool
	TargetAccessible bool
	// RequireMount rejects targets that live on the root filesystem.
	RequireMount bool
}
