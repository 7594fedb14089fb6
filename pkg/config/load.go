package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/paulschiretz/homelab-backup/pkg/flagparse"
	"github.com/paulschiretz/homelab-backup/pkg/util"
)

// ConfigSearchDirs are searched for "<instance>.yaml" when no config file is
// given explicitly. It's a var so tests can point it elsewhere.
var ConfigSearchDirs = []string{"/etc/homelab-backup"}

// configEnvSuffix names the environment variable that points at a config file,
// e.g. VAULTWARDEN_BACKUP_CONFIG.
const configEnvSuffix = "CONFIG"

// envKeys maps environment variable suffixes to koanf keys.
var envKeys = map[string]string{
	"SOURCE":            "source",
	"TARGET":            "target",
	"LOG":               "log_file",
	"LOG_LEVEL":         "log_level",
	"RETENTION":         "retention",
	"DRY_RUN":           "dry_run",
	"RSYNC_PATH":        "rsync_path",
	"RSYNC_ARGS":        "rsync_args",
	"POINTER":           "pointer",
	"MIRROR_TIMEOUT":    "mirror_timeout",
	"DELETE_WORKERS":    "delete_workers",
	"REQUIRE_MOUNT":     "require_mount",
	"METRICS_TEXTFILE":  "metrics_textfile",
	"PRE_BACKUP_HOOKS":  "pre_backup_hooks",
	"POST_BACKUP_HOOKS": "post_backup_hooks",
}

// sliceKeys are list-valued keys and the parser used when they arrive as a
// single comma-separated string from the environment.
var sliceKeys = map[string]func(string) []string{
	"rsync_args":        flagparse.ParseArgList,
	"pre_backup_hooks":  flagparse.ParseCmdList,
	"post_backup_hooks": flagparse.ParseCmdList,
}

// LoadOptions are the inputs of Load besides the environment.
type LoadOptions struct {
	// ConfigFile is an explicitly requested config file. It must exist.
	ConfigFile string
	// Flags holds explicitly set command-line values keyed by koanf key.
	Flags map[string]any
}

// Load resolves the configuration of a profile from, in increasing priority:
// built-in defaults, an optional YAML file, environment variables with the
// profile's prefix, and explicitly set flags. The result is not validated.
func Load(p Profile, opts LoadOptions) (Config, error) {
	k := koanf.New(".")

	// Layer 1: profile defaults.
	if err := k.Load(structs.Provider(p.Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional).
	configPath, err := findConfigFile(p, opts.ConfigFile)
	if err != nil {
		return Config{}, err
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables.
	// VAULTWARDEN_BACKUP_RETENTION -> retention
	if err := k.Load(env.Provider(p.EnvPrefix, ".", envTransformFunc(p.EnvPrefix)), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := processSliceFields(k); err != nil {
		return Config{}, err
	}

	// Layer 4: flags.
	for key, value := range opts.Flags {
		if err := k.Set(key, value); err != nil {
			return Config{}, fmt.Errorf("failed to apply flag %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.Instance = p.Name
	cfg.ConfigFile = configPath
	return cfg, nil
}

// envTransformFunc maps a prefixed environment variable to its koanf key.
// Unknown variables map to "" and are skipped.
func envTransformFunc(prefix string) func(string) string {
	return func(key string) string {
		return envKeys[strings.TrimPrefix(key, prefix)]
	}
}

// findConfigFile returns the config file to load, or "" for none. An explicit
// path (flag, then environment) must exist; the search dirs are optional.
func findConfigFile(p Profile, explicit string) (string, error) {
	if explicit == "" {
		explicit = os.Getenv(p.EnvPrefix + configEnvSuffix)
	}
	if explicit != "" {
		path, err := util.ExpandPath(explicit)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file %s: %w", path, err)
		}
		return path, nil
	}

	for _, dir := range ConfigSearchDirs {
		path := filepath.Join(dir, p.Name+".yaml")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

// processSliceFields converts comma-separated string values to slices for list keys.
func processSliceFields(k *koanf.Koanf) error {
	for key, parse := range sliceKeys {
		strVal, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		if err := k.Set(key, parse(strVal)); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// Marshal renders cfg as YAML, in the shape Load reads back.
func Marshal(cfg Config) ([]byte, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	// Durations read back from strings like "30m".
	if err := k.Set("mirror_timeout", cfg.MirrorTimeout.String()); err != nil {
		return nil, err
	}
	data, err := k.Marshal(yaml.Parser())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	return data, nil
}

// Generate writes cfg as a YAML config file at path.
func Generate(path string, cfg Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := util.WriteFileAtomic(path, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
