package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/paulschiretz/homelab-backup/pkg/plog"
	"github.com/paulschiretz/homelab-backup/pkg/pointer"
	"github.com/paulschiretz/homelab-backup/pkg/util"
)

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the resolved configuration of one backup instance.
type Config struct {
	// Instance is the profile name. It is not configurable.
	Instance string `koanf:"-" yaml:"-"`
	// ConfigFile is the file the configuration was loaded from, if any.
	ConfigFile string `koanf:"-" yaml:"-"`

	Source    string `koanf:"source" validate:"required"`
	Target    string `koanf:"target" validate:"required"`
	LogFile   string `koanf:"log_file"`
	LogLevel  string `koanf:"log_level" validate:"oneof=debug notice info warn error"`
	Retention int    `koanf:"retention" validate:"gte=0"`
	DryRun    bool   `koanf:"dry_run"`

	RsyncPath     string        `koanf:"rsync_path" validate:"required"`
	RsyncArgs     []string      `koanf:"rsync_args"`
	Pointer       string        `koanf:"pointer" validate:"oneof=symlink file"`
	MirrorTimeout time.Duration `koanf:"mirror_timeout" validate:"gte=0"`
	DeleteWorkers int           `koanf:"delete_workers" validate:"gte=1,lte=64"`
	RequireMount  bool          `koanf:"require_mount"`

	MetricsTextfile string   `koanf:"metrics_textfile"`
	PreBackupHooks  []string `koanf:"pre_backup_hooks"`
	PostBackupHooks []string `koanf:"post_backup_hooks"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the package's validator. Field names in errors are the
// koanf keys, which is what users write in files and flags.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("koanf"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks the configuration and normalizes its paths to clean,
// absolute form. It does not touch the filesystem beyond resolving paths.
func (c *Config) Validate() error {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.Pointer = strings.ToLower(strings.TrimSpace(c.Pointer))

	if err := getValidator().Struct(c); err != nil {
		if verrs, ok := errors.AsType[validator.ValidationErrors](err); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var err error
	if c.Source, err = absPath(c.Source); err != nil {
		return fmt.Errorf("%w: source: %v", ErrInvalid, err)
	}
	if c.Target, err = absPath(c.Target); err != nil {
		return fmt.Errorf("%w: target: %v", ErrInvalid, err)
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.Target, c.Instance+"_backup.log")
	} else if c.LogFile, err = absPath(c.LogFile); err != nil {
		return fmt.Errorf("%w: log_file: %v", ErrInvalid, err)
	}
	if c.MetricsTextfile != "" {
		if c.MetricsTextfile, err = absPath(c.MetricsTextfile); err != nil {
			return fmt.Errorf("%w: metrics_textfile: %v", ErrInvalid, err)
		}
	}

	if c.Source == c.Target {
		return fmt.Errorf("%w: source and target cannot be the same directory", ErrInvalid)
	}
	// rsync would descend into its own output.
	if isWithin(c.Target, c.Source) {
		return fmt.Errorf("%w: target %s cannot be inside source %s", ErrInvalid, c.Target, c.Source)
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s cannot be empty", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be >= %s, got %v", fe.Field(), fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("%s must be <= %s, got %v", fe.Field(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed '%s' validation", fe.Field(), fe.Tag())
	}
}

func absPath(p string) (string, error) {
	expanded, err := util.ExpandPath(p)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("could not determine absolute path for %s: %w", p, err)
	}
	return filepath.Clean(abs), nil
}

// isWithin reports whether path lies strictly below dir.
func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// PointerKind returns the configured pointer backend.
func (c *Config) PointerKind() pointer.Kind {
	return pointer.Kind(c.Pointer)
}

// SnapshotsDir is the directory that holds one subdirectory per snapshot.
func (c *Config) SnapshotsDir() string {
	return filepath.Join(c.Target, "snapshots")
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	return plog.LevelFromString(c.LogLevel)
}

// LogSummary logs the effective settings of a run.
func (c *Config) LogSummary(logger *slog.Logger) {
	logArgs := []any{
		"instance", c.Instance,
		"source", c.Source,
		"target", c.Target,
		"log_file", c.LogFile,
		"log_level", c.LogLevel,
		"retention", c.Retention,
		"dry_run", c.DryRun,
		"pointer", c.Pointer,
		"delete_workers", c.DeleteWorkers,
	}
	if c.ConfigFile != "" {
		logArgs = append(logArgs, "config_file", c.ConfigFile)
	}
	if c.RsyncPath != "rsync" || len(c.RsyncArgs) > 0 {
		logArgs = append(logArgs, "rsync", fmt.Sprintf("%s %s", c.RsyncPath, strings.Join(c.RsyncArgs, " ")))
	}
	if c.MirrorTimeout > 0 {
		logArgs = append(logArgs, "mirror_timeout", c.MirrorTimeout)
	}
	if c.RequireMount {
		logArgs = append(logArgs, "require_mount", true)
	}
	if len(c.PreBackupHooks) > 0 || len(c.PostBackupHooks) > 0 {
		logArgs = append(logArgs, "hooks", fmt.Sprintf("pre:%d post:%d", len(c.PreBackupHooks), len(c.PostBackupHooks)))
	}
	if c.MetricsTextfile != "" {
		logArgs = append(logArgs, "metrics_textfile", c.MetricsTextfile)
	}
	plog.Or(logger).Info("Configuration", logArgs...)
}
