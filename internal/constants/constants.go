package constants

import "errors"

const (
	// DisableFileName marks a module as disabled when present as a direct child.
	DisableFileName = "disable"
	// RemoveFileName marks a module pending removal; treated the same as disable.
	RemoveFileName = "remove"
	// SkipMountFileName opts a module out of magic-mount without disabling it entirely.
	SkipMountFileName = "skip_mount"

	// ReplaceDirXattr is the overlayfs opaque-directory xattr.
	ReplaceDirXattr = "trusted.overlay.opaque"
	// ReplaceDirFileName is the sentinel file alternative to the opaque xattr.
	ReplaceDirFileName = ".replace"

	// SelinuxXattr is the xattr carrying the SELinux security context.
	SelinuxXattr = "security.selinux"

	// DefaultMountSource is used as the tmpfs "source" mount argument.
	DefaultMountSource = "KSU"
	// DefaultModuleDir is the default module root.
	DefaultModuleDir = "/data/adb/modules"
	// DefaultConfigFile is the default mm.conf path.
	DefaultConfigFile = "/data/adb/magic_mount/mm.conf"

	// PathMax bounds path lengths the way PATH_MAX does in the source implementation.
	PathMax = 4096

	// SystemNodeName is the name of the synthetic node rooted at /system.
	SystemNodeName = "system"

	// WorkdirName is the child of the selected tempdir used to stage tmpfs layers.
	WorkdirName = ".magic_mount"

	// TempdirFallback is used when no candidate in TempdirCandidates qualifies.
	TempdirFallback = "/dev/.magic_mount"
)

// BuiltinPartitions lists the partitions eligible for symlink-compatibility resolution.
var BuiltinPartitions = []string{"vendor", "system_ext", "product", "odm"}

// PromotablePartition pairs a builtin partition with whether promoting it
// from /system/<p> to /<p> requires /system/<p> to be a live symlink.
type PromotablePartition struct {
	Name         string
	NeedsSymlink bool
}

// PromotionOrder is the fixed order spec.md §4.4 Phase C promotes in.
var PromotionOrder = []PromotablePartition{
	{Name: "vendor", NeedsSymlink: true},
	{Name: "system_ext", NeedsSymlink: true},
	{Name: "product", NeedsSymlink: true},
	{Name: "odm", NeedsSymlink: false},
}

// ExtraPartitionBlacklist is intentionally case-sensitive: this preserves a
// quirk of the original implementation where an extra partition registered
// in uppercase bypasses the blacklist. See DESIGN.md Open Questions.
var ExtraPartitionBlacklist = map[string]struct{}{
	"bin": {}, "etc": {}, "data": {}, "data_mirror": {}, "sdcard": {},
	"tmp": {}, "dev": {}, "sys": {}, "mnt": {}, "proc": {}, "d": {}, "test": {},
	"product": {}, "vendor": {}, "system_ext": {}, "odm": {},
}

// TempdirCandidates are probed in order by the TempdirSelector.
var TempdirCandidates = []string{"/mnt/vendor", "/mnt", "/debug_ramdisk"}

var (
	ErrNameTooLong    = errors.New("path exceeds PATH_MAX")
	ErrAlreadyMounted = errors.New("already mounted")
	ErrNoContent      = errors.New("no module contributed any content")
	ErrInvalidBacking = errors.New("invalid mount backing")
	ErrNotRoot        = errors.New("magic-mount must run as root")
)

// Op names used for the herd DAG that sequences a CLI run.
const (
	OpLoadConfig = "load-config"
	OpBuildTree  = "build-tree"
	OpApplyTree  = "apply-tree"
	OpSummary    = "write-summary"
)
