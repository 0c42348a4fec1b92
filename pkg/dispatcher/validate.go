package dispatcher

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/launcher"
	"github.com/zeroechelon/outpost/pkg/registry"
	"github.com/zeroechelon/outpost/pkg/types"
)

// Request bounds.
const (
	MaxUserIDLength         = 64
	MinTaskLength           = 10
	MaxTaskLength           = 50000
	MinTimeoutSeconds       = 30
	MaxTimeoutSeconds       = 86400
	DefaultTimeoutSeconds   = 600
	MaxIdempotencyKeyLength = 128
)

// applyDefaults fills the documented defaults before validation.
func applyDefaults(req *types.DispatchRequest) {
	if req.WorkspaceMode == "" {
		req.WorkspaceMode = types.WorkspaceEphemeral
	}
	if req.WorkspaceInitMode == "" {
		req.WorkspaceInitMode = types.InitFull
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if req.ContextLevel == "" {
		req.ContextLevel = types.ContextStandard
	}
}

// validateRequest checks every field, aggregating all failures into one
// Validation error.
func validateRequest(req *types.DispatchRequest) error {
	var fields []string

	if n := len(req.UserID); n < 1 || n > MaxUserIDLength {
		fields = append(fields, fmt.Sprintf("userId: length %d outside [1, %d]", n, MaxUserIDLength))
	} else if hasKeySeparators(req.UserID) {
		fields = append(fields, "userId: contains control or separator characters")
	}

	agentValid := types.ValidAgent(req.Agent)
	if !agentValid {
		fields = append(fields, fmt.Sprintf("agent: %q is not one of claude, codex, gemini, aider, grok", req.Agent))
	}

	if n := len(req.Task); n < MinTaskLength || n > MaxTaskLength {
		fields = append(fields, fmt.Sprintf("task: length %d outside [%d, %d]", n, MinTaskLength, MaxTaskLength))
	}

	if req.ModelID != "" && agentValid {
		if _, ok := registry.LookupModel(req.Agent, req.ModelID); !ok {
			valid := make([]string, 0)
			for _, e := range registry.ModelsFor(req.Agent) {
				valid = append(valid, e.ModelID)
			}
			fields = append(fields, fmt.Sprintf("modelId: %q is not valid for agent %s (valid: %s)",
				req.ModelID, req.Agent, strings.Join(valid, ", ")))
		}
	}

	if req.RepoURL != "" {
		u, err := url.Parse(req.RepoURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			fields = append(fields, fmt.Sprintf("repoUrl: %q is not a URL", req.RepoURL))
		}
	}

	switch req.WorkspaceMode {
	case types.WorkspaceEphemeral, types.WorkspacePersistent:
	default:
		fields = append(fields, fmt.Sprintf("workspaceMode: %q is not one of ephemeral, persistent", req.WorkspaceMode))
	}

	switch req.WorkspaceInitMode {
	case types.InitFull, types.InitMinimal, types.InitNone:
	default:
		fields = append(fields, fmt.Sprintf("workspaceInitMode: %q is not one of full, minimal, none", req.WorkspaceInitMode))
	}

	if req.TimeoutSeconds < MinTimeoutSeconds || req.TimeoutSeconds > MaxTimeoutSeconds {
		fields = append(fields, fmt.Sprintf("timeoutSeconds: %d outside [%d, %d]", req.TimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds))
	}

	switch req.ContextLevel {
	case types.ContextMinimal, types.ContextStandard, types.ContextFull:
	default:
		fields = append(fields, fmt.Sprintf("contextLevel: %q is not one of minimal, standard, full", req.ContextLevel))
	}

	if len(req.IdempotencyKey) > MaxIdempotencyKeyLength {
		fields = append(fields, fmt.Sprintf("idempotencyKey: length %d exceeds %d", len(req.IdempotencyKey), MaxIdempotencyKeyLength))
	} else if hasKeySeparators(req.IdempotencyKey) {
		fields = append(fields, "idempotencyKey: contains control or separator characters")
	}

	fields = append(fields, validateConstraints(req.ResourceConstraints)...)

	if len(fields) > 0 {
		return errdefs.Validation("invalid dispatch request", fields...)
	}
	return nil
}

// hasKeySeparators reports whether s carries characters the stores use
// as composite-key separators. Tenant IDs and idempotency keys become
// key parts verbatim, so control characters and '#' would let two
// tenants collide on one mapping slot.
func hasKeySeparators(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f || r == '#' {
			return true
		}
	}
	return false
}

func validateConstraints(rc *types.ResourceConstraints) []string {
	if rc == nil {
		return nil
	}
	var fields []string
	if rc.MaxMemoryMB != nil && (*rc.MaxMemoryMB < launcher.MinMemoryMB || *rc.MaxMemoryMB > launcher.MaxMemoryMB) {
		fields = append(fields, fmt.Sprintf("maxMemoryMb: %d outside [%d, %d]", *rc.MaxMemoryMB, launcher.MinMemoryMB, launcher.MaxMemoryMB))
	}
	if rc.MaxCPUUnits != nil && (*rc.MaxCPUUnits < launcher.MinCPUUnits || *rc.MaxCPUUnits > launcher.MaxCPUUnits) {
		fields = append(fields, fmt.Sprintf("maxCpuUnits: %d outside [%d, %d]", *rc.MaxCPUUnits, launcher.MinCPUUnits, launcher.MaxCPUUnits))
	}
	if rc.MaxDiskGB != nil && (*rc.MaxDiskGB < launcher.MinDiskGB || *rc.MaxDiskGB > launcher.MaxDiskGB) {
		fields = append(fields, fmt.Sprintf("maxDiskGb: %d outside [%d, %d]", *rc.MaxDiskGB, launcher.MinDiskGB, launcher.MaxDiskGB))
	}
	return fields
}
