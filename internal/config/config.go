package config

import (
	"strings"

	"github.com/joho/godotenv"

	"github.com/kairos-io/magic-mount/internal/constants"
	"github.com/kairos-io/magic-mount/internal/utils"
	"github.com/kairos-io/magic-mount/pkg/overlay"
)

// Config is the fully resolved set of knobs a run is driven by, after
// merging mm.conf (if any) with CLI flags. CLI always wins over file
// config, per spec.md §6.
type Config struct {
	ModuleDir         string
	TempDir           string
	MountSource       string
	Partitions        []string
	LogFile           string
	Debug             bool
	EnableUnmountable bool
}

// Default returns a Config seeded with the source implementation's
// defaults, before any file or CLI overrides are applied.
func Default() *Config {
	return &Config{
		ModuleDir:         constants.DefaultModuleDir,
		MountSource:       constants.DefaultMountSource,
		EnableUnmountable: true,
	}
}

// LoadFile parses an mm.conf-style file (line-oriented, "#" comments,
// "key = value") via godotenv.Read, the same library-backed key=value
// parsing style the examples reach for, and merges recognised keys into
// cfg. Unknown keys produce a warning and are ignored, per spec.md §6.
func LoadFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}

	vals, err := godotenv.Read(path)
	if err != nil {
		return err
	}

	known := map[string]bool{
		"module_dir": true, "temp_dir": true, "mount_source": true,
		"log_file": true, "partitions": true, "debug": true, "umount": true,
	}

	for key, value := range vals {
		if !known[key] {
			utils.Log.Warn().Str("key", key).Msg("mm.conf: unknown key, ignoring")
			continue
		}
		applyKey(cfg, key, value)
	}
	return nil
}

func applyKey(cfg *Config, key, value string) {
	switch key {
	case "module_dir":
		cfg.ModuleDir = value
	case "temp_dir":
		cfg.TempDir = value
	case "mount_source":
		cfg.MountSource = value
	case "log_file":
		cfg.LogFile = value
	case "partitions":
		cfg.Partitions = splitPartitions(value)
	case "debug":
		cfg.Debug = truthy(value)
	case "umount":
		cfg.EnableUnmountable = truthy(value)
	}
}

// splitPartitions splits value on commas and/or whitespace, per spec.md §6
// ("Comma/whitespace-separated extra partitions").
func splitPartitions(value string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	}) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// truthy recognises the case-insensitive truthy values spec.md §6 documents
// for debug/umount: true, yes, 1, on.
func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "1", "on":
		return true
	default:
		return false
	}
}

// ToContext builds an overlay.Context from cfg, registering every
// configured extra partition through Context.RegisterExtraPartition so the
// blacklist check runs uniformly regardless of whether a name came from
// mm.conf or -p/--partitions.
func (c *Config) ToContext() *overlay.Context {
	ctx := overlay.NewContext()
	ctx.ModuleDir = c.ModuleDir
	ctx.MountSource = c.MountSource
	ctx.EnableUnmountable = c.EnableUnmountable

	for _, p := range c.Partitions {
		if !ctx.RegisterExtraPartition(p) {
			utils.Log.Warn().Str("partition", p).Msg("rejected: blacklisted or empty extra partition")
		}
	}
	return ctx
}
