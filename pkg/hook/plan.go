package hook

// Plan lists the hook commands of one run.
type Plan struct {
	PreHookCommands  []string
	PostHookCommands []string

	// Env is appended to the environment of every hook command,
	// e.g. HOMELAB_BACKUP_SNAPSHOT=/srv/.../snapshots/20240101_000000.
	Env []string

	DryRun bool
}
