package overlay

import (
	"sync"

	"github.com/kairos-io/magic-mount/internal/constants"
)

// Stats accumulates aggregate counters across a TreeBuilder+Applier run.
type Stats struct {
	ModulesTotal  int
	NodesTotal    int
	NodesMounted  int
	NodesSkipped  int
	NodesWhiteout int
	NodesFail     int
}

// Context is the process-wide mutable record threaded through a single
// magic-mount run. It is created at startup, mutated only by the single
// orchestrating goroutine, and discarded at exit — there is no concurrent
// access, so no locking is required for the exported fields; the mutex
// below guards only the failed-module list (MarkFailed/FailedModules).
type Context struct {
	ModuleDir         string
	MountSource       string
	ExtraPartitions   []string
	EnableUnmountable bool

	Stats Stats

	mu            sync.Mutex
	failedModules []string
}

// NewContext returns a Context with the source implementation's defaults.
func NewContext() *Context {
	return &Context{
		ModuleDir:   constants.DefaultModuleDir,
		MountSource: constants.DefaultMountSource,
	}
}

// MarkFailed records moduleName as having failed, deduplicated, preserving
// first-seen order.
func (c *Context) MarkFailed(moduleName string) {
	if moduleName == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.failedModules {
		if m == moduleName {
			return
		}
	}
	c.failedModules = append(c.failedModules, moduleName)
}

// FailedModules returns the deduplicated list of modules that failed during
// apply, in first-failure order.
func (c *Context) FailedModules() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.failedModules))
	copy(out, c.failedModules)
	return out
}

// RegisterExtraPartition validates and appends name to ExtraPartitions,
// rejecting blank input and blacklisted names. The blacklist check is
// deliberately case-sensitive — see DESIGN.md Open Questions.
func (c *Context) RegisterExtraPartition(name string) bool {
	trimmed := trimSpace(name)
	if trimmed == "" {
		return false
	}

	first := firstSegment(trimmed)
	if _, blacklisted := constants.ExtraPartitionBlacklist[first]; blacklisted {
		return false
	}

	c.ExtraPartitions = append(c.ExtraPartitions, trimmed)
	return true
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// firstSegment returns the first "/"-delimited segment of name, ignoring a
// leading slash.
func firstSegment(name string) string {
	i := 0
	for i < len(name) && name[i] == '/' {
		i++
	}
	start := i
	for i < len(name) && name[i] != '/' {
		i++
	}
	return name[start:i]
}
