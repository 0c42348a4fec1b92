package registry

import (
	"regexp"

	"github.com/zeroechelon/outpost/pkg/types"
)

// ModelEntry pairs a model ID with its resource tier. The first entry in
// an agent's list is the default (flagship).
type ModelEntry struct {
	ModelID string
	Tier    types.Tier
}

// agentModels is the compile-time agent → model registry. Order matters:
// index 0 is the default model for the agent.
var agentModels = map[types.AgentKind][]ModelEntry{
	types.AgentClaude: {
		{ModelID: "claude-opus-4-5-20251101", Tier: types.TierFlagship},
		{ModelID: "claude-sonnet-4-5-20250929", Tier: types.TierBalanced},
		{ModelID: "claude-haiku-4-5-20251001", Tier: types.TierFast},
	},
	types.AgentCodex: {
		{ModelID: "gpt-5.1-codex", Tier: types.TierFlagship},
		{ModelID: "gpt-5.1", Tier: types.TierBalanced},
		{ModelID: "gpt-5.1-codex-mini", Tier: types.TierFast},
	},
	types.AgentGemini: {
		{ModelID: "gemini-3-pro-preview", Tier: types.TierFlagship},
		{ModelID: "gemini-2.5-pro", Tier: types.TierBalanced},
		{ModelID: "gemini-2.5-flash", Tier: types.TierFast},
	},
	types.AgentAider: {
		{ModelID: "deepseek-reasoner", Tier: types.TierFlagship},
		{ModelID: "deepseek-chat", Tier: types.TierBalanced},
		{ModelID: "deepseek-coder", Tier: types.TierFast},
	},
	types.AgentGrok: {
		{ModelID: "grok-4-0709", Tier: types.TierFlagship},
		{ModelID: "grok-3", Tier: types.TierBalanced},
		{ModelID: "grok-3-mini", Tier: types.TierFast},
	},
}

// TierResources holds the CPU/memory allocation for a tier
type TierResources struct {
	CPUUnits int
	MemoryMB int
}

var tierResources = map[types.Tier]TierResources{
	types.TierFlagship: {CPUUnits: 2048, MemoryMB: 4096},
	types.TierBalanced: {CPUUnits: 1024, MemoryMB: 2048},
	types.TierFast:     {CPUUnits: 512, MemoryMB: 1024},
}

// tierStartOffsetSeconds drives the estimated start time returned to
// dispatch callers.
var tierStartOffsetSeconds = map[types.Tier]int{
	types.TierFlagship: 30,
	types.TierBalanced: 20,
	types.TierFast:     15,
}

// SecretDescriptor binds an environment variable name to an external
// secret store path.
type SecretDescriptor struct {
	EnvName string
	Path    string
}

// agentSecrets maps each agent kind to exactly one primary descriptor.
var agentSecrets = map[types.AgentKind]SecretDescriptor{
	types.AgentClaude: {EnvName: "ANTHROPIC_API_KEY", Path: "outpost/agents/anthropic-api-key"},
	types.AgentCodex:  {EnvName: "OPENAI_API_KEY", Path: "outpost/agents/openai-api-key"},
	types.AgentGemini: {EnvName: "GOOGLE_API_KEY", Path: "outpost/agents/google-api-key"},
	types.AgentAider:  {EnvName: "DEEPSEEK_API_KEY", Path: "outpost/agents/deepseek-api-key"},
	types.AgentGrok:   {EnvName: "XAI_API_KEY", Path: "outpost/agents/xai-api-key"},
}

// commonSecrets are injected into every worker regardless of agent.
// Disjoint from the per-agent descriptors.
var commonSecrets = []SecretDescriptor{
	{EnvName: "GITHUB_TOKEN", Path: "outpost/common/github-token"},
	{EnvName: "OUTPOST_TELEMETRY_KEY", Path: "outpost/common/telemetry-key"},
}

// protectedSecretKeys may never be overridden by user-supplied secrets.
var protectedSecretKeys = map[string]bool{
	"AWS_ACCESS_KEY_ID":     true,
	"AWS_SECRET_ACCESS_KEY": true,
	"AWS_SESSION_TOKEN":     true,
	"AWS_REGION":            true,
	"AWS_DEFAULT_REGION":    true,
	"ANTHROPIC_API_KEY":     true,
	"OPENAI_API_KEY":        true,
	"GOOGLE_API_KEY":        true,
	"DEEPSEEK_API_KEY":      true,
	"XAI_API_KEY":           true,
	"GITHUB_TOKEN":          true,
}

// sensitiveFieldNames are redacted (lowercase comparison) at every nesting
// depth of audit metadata.
var sensitiveFieldNames = map[string]bool{
	"password":     true,
	"secret":       true,
	"token":        true,
	"apikey":       true,
	"api_key":      true,
	"accesstoken":  true,
	"refreshtoken": true,
	"privatekey":   true,
	"secretkey":    true,
	"credential":   true,
	"credentials":  true,
	"auth":         true,
	"authorization": true,
}

// ProgressMarker maps a log-line pattern to a progress value. Patterns are
// evaluated case-insensitively; the first marker matching a line wins for
// that line, the highest value wins overall.
type ProgressMarker struct {
	Pattern  *regexp.Regexp
	Progress int
}

var progressMarkers = []ProgressMarker{
	{regexp.MustCompile(`(?i)starting|initializing|booting`), 5},
	{regexp.MustCompile(`(?i)cloning|fetching repo`), 15},
	{regexp.MustCompile(`(?i)installing|dependencies|npm |pip `), 25},
	{regexp.MustCompile(`(?i)analyzing|scanning|parsing`), 35},
	{regexp.MustCompile(`(?i)generating|building|compiling`), 50},
	{regexp.MustCompile(`(?i)testing|running tests`), 65},
	{regexp.MustCompile(`(?i)linting|formatting`), 75},
	{regexp.MustCompile(`(?i)committing|pushing`), 85},
	{regexp.MustCompile(`(?i)cleanup|finalizing`), 95},
	{regexp.MustCompile(`(?i)completed|finished|done`), 100},
}

// ModelsFor returns the ordered model list for an agent. The returned
// slice is a copy; the registry is immutable.
func ModelsFor(agent types.AgentKind) []ModelEntry {
	entries, ok := agentModels[agent]
	if !ok {
		return nil
	}
	out := make([]ModelEntry, len(entries))
	copy(out, entries)
	return out
}

// DefaultModel returns the flagship entry for an agent.
func DefaultModel(agent types.AgentKind) (ModelEntry, bool) {
	entries, ok := agentModels[agent]
	if !ok || len(entries) == 0 {
		return ModelEntry{}, false
	}
	return entries[0], true
}

// LookupModel finds the entry for a specific model ID under an agent.
func LookupModel(agent types.AgentKind, modelID string) (ModelEntry, bool) {
	for _, e := range agentModels[agent] {
		if e.ModelID == modelID {
			return e, true
		}
	}
	return ModelEntry{}, false
}

// ResourcesFor returns the resource allocation for a tier.
func ResourcesFor(tier types.Tier) TierResources {
	return tierResources[tier]
}

// StartOffsetSeconds returns the estimated cold-start offset for a tier.
func StartOffsetSeconds(tier types.Tier) int {
	return tierStartOffsetSeconds[tier]
}

// AgentSecret returns the primary secret descriptor for an agent.
func AgentSecret(agent types.AgentKind) (SecretDescriptor, bool) {
	d, ok := agentSecrets[agent]
	return d, ok
}

// CommonSecrets returns a copy of the common secret list.
func CommonSecrets() []SecretDescriptor {
	out := make([]SecretDescriptor, len(commonSecrets))
	copy(out, commonSecrets)
	return out
}

// ProtectedSecretKey reports whether key belongs to the protected set.
func ProtectedSecretKey(key string) bool {
	return protectedSecretKeys[key]
}

// SensitiveField reports whether a lowercase field name must be redacted.
func SensitiveField(lower string) bool {
	return sensitiveFieldNames[lower]
}

// ProgressMarkers returns the marker table. Callers must not mutate the
// compiled regexps.
func ProgressMarkers() []ProgressMarker {
	out := make([]ProgressMarker, len(progressMarkers))
	copy(out, progressMarkers)
	return out
}
