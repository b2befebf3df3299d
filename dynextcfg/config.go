// Package dynextcfg loads the scalar half of dynext.Options from a JSONC
// file, the way the teacher's CLI loads .tk.json: hujson standardizes
// comments/trailing commas away, then encoding/json decodes the result.
// The generic fields of dynext.Options (Compare, Factory, Query, ...)
// can't round-trip through JSON and are never touched here — callers merge
// the loaded FileOptions onto a base Options built in code.
package dynextcfg

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/dynext"
	"github.com/calvinalkan/dynext/internal/xstruct"
	"github.com/calvinalkan/dynext/query"
	"github.com/calvinalkan/dynext/shard"
)

// FileOptions mirrors the scalar fields of dynext.Options. Zero fields are
// left untouched by Apply, matching the teacher's mergeConfig convention
// of "empty overlay field doesn't override the base".
type FileOptions struct {
	BufferHWM     uint64  `json:"buffer_hwm,omitempty"`
	BufferLWM     uint64  `json:"buffer_lwm,omitempty"`
	BufferCap     uint64  `json:"buffer_cap,omitempty"`
	ScaleFactor   int     `json:"scale_factor,omitempty"`
	MaxDeleteProp float64 `json:"max_delete_prop,omitempty"`
	MemoryBudget  int64   `json:"memory_budget,omitempty"`
	ThreadCount   int     `json:"thread_count,omitempty"`
	LayoutPolicy  string  `json:"layout_policy,omitempty"` // "LEVELING" | "TIERING" | "BSM"
	DeletePolicy  string  `json:"delete_policy,omitempty"` // "TOMBSTONE" | "TAGGING"
	Scheduler     string  `json:"scheduler,omitempty"`     // "CONCURRENT_FIFO" | "SERIAL"
}

// Load reads and parses a JSONC config file at path.
func Load(path string) (FileOptions, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled configuration
	if err != nil {
		return FileOptions{}, fmt.Errorf("dynextcfg: read %s: %w", path, err)
	}

	return Parse(data)
}

// Parse standardizes JSONC to JSON and decodes it into a FileOptions.
func Parse(data []byte) (FileOptions, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return FileOptions{}, fmt.Errorf("dynextcfg: invalid JSONC: %w", err)
	}

	var fo FileOptions

	if err := json.Unmarshal(standardized, &fo); err != nil {
		return FileOptions{}, fmt.Errorf("dynextcfg: invalid JSON: %w", err)
	}

	return fo, nil
}

// Apply overlays the non-zero scalar fields of file onto base, returning
// the merged Options. Generic fields (Compare, KeyBytes, Factory, Query,
// Stats) are carried over from base untouched. A method on Options can't
// introduce new type parameters, so this has to be a free function.
func Apply[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](base dynext.Options[R, P, S, Q], file FileOptions) dynext.Options[R, P, S, Q] {
	if file.BufferHWM != 0 {
		base.BufferHWM = file.BufferHWM
	}

	if file.BufferLWM != 0 {
		base.BufferLWM = file.BufferLWM
	}

	if file.BufferCap != 0 {
		base.BufferCap = file.BufferCap
	}

	if file.ScaleFactor != 0 {
		base.ScaleFactor = file.ScaleFactor
	}

	if file.MaxDeleteProp != 0 {
		base.MaxDeleteProp = file.MaxDeleteProp
	}

	if file.MemoryBudget != 0 {
		base.MemoryBudget = file.MemoryBudget
	}

	if file.ThreadCount != 0 {
		base.ThreadCount = file.ThreadCount
	}

	if p, ok := parseLayoutPolicy(file.LayoutPolicy); ok {
		base.LayoutPolicy = p
	}

	if p, ok := parseDeletePolicy(file.DeletePolicy); ok {
		base.DeletePolicy = p
	}

	if s, ok := parseScheduler(file.Scheduler); ok {
		base.Scheduler = s
	}

	return base
}

func parseLayoutPolicy(s string) (xstruct.Policy, bool) {
	switch s {
	case "LEVELING":
		return xstruct.Leveling, true
	case "TIERING":
		return xstruct.Tiering, true
	case "BSM":
		return xstruct.BSM, true
	default:
		return 0, false
	}
}

func parseDeletePolicy(s string) (dynext.DeletePolicy, bool) {
	switch s {
	case "TOMBSTONE":
		return dynext.Tombstone, true
	case "TAGGING":
		return dynext.Tagging, true
	default:
		return 0, false
	}
}

func parseScheduler(s string) (dynext.SchedulerFlavor, bool) {
	switch s {
	case "CONCURRENT_FIFO":
		return dynext.ConcurrentFIFO, true
	case "SERIAL":
		return dynext.Serial, true
	default:
		return 0, false
	}
}
