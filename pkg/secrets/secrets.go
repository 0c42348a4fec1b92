// Package secrets prepares the secret bindings a worker container is
// launched with. The control plane only ever sees secret metadata; the
// values are resolved inside the worker via the task-definition binding.
package secrets

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeroechelon/outpost/pkg/audit"
	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/registry"
	"github.com/zeroechelon/outpost/pkg/types"
)

const (
	// MaxSecretKeyLength bounds user-supplied secret key names.
	MaxSecretKeyLength = 128
	// MaxSecretValueBytes bounds user-supplied secret values (32 KiB).
	MaxSecretValueBytes = 32 * 1024
)

var keyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ContainerSecret binds an environment variable to a secret store path.
type ContainerSecret struct {
	EnvName   string `json:"env_name"`
	ValueFrom string `json:"value_from"`
}

// ContainerSecrets is the validated secret set for one launch.
type ContainerSecrets struct {
	Secrets     []ContainerSecret `json:"secrets"`
	ValidatedAt time.Time         `json:"validated_at"`
}

// Injector builds and validates worker secret sets.
type Injector struct {
	store cloud.SecretStore
	audit *audit.Logger

	now func() time.Time
}

// NewInjector creates a secret injector. The audit logger may be nil in
// tests; audit writes are best-effort either way.
func NewInjector(store cloud.SecretStore, auditLogger *audit.Logger) *Injector {
	return &Injector{store: store, audit: auditLogger, now: time.Now}
}

// BuildContainerSecrets assembles the agent's primary descriptor, the
// common set, and any extra tenant-scoped paths, then verifies each one
// exists with a metadata-only describe. Missing paths fail the whole
// build with NotFound listing every absent path; there is no partial
// success.
func (i *Injector) BuildContainerSecrets(ctx context.Context, agent types.AgentKind, tenantID string, extraPaths []string) (*ContainerSecrets, error) {
	primary, ok := registry.AgentSecret(agent)
	if !ok {
		return nil, errdefs.Validation("unknown agent",
			fmt.Sprintf("agent: %q has no registered secret descriptor", agent))
	}

	descriptors := []registry.SecretDescriptor{primary}
	descriptors = append(descriptors, registry.CommonSecrets()...)
	for _, p := range extraPaths {
		// Extra paths bind under the last path segment uppercased.
		descriptors = append(descriptors, registry.SecretDescriptor{
			EnvName: envNameForPath(p),
			Path:    p,
		})
	}

	var (
		mu      sync.Mutex
		missing []string
		hardErr error
		wg      sync.WaitGroup
	)
	for _, d := range descriptors {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			_, err := i.store.DescribeSecret(ctx, path)
			if err == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if errdefs.IsNotFound(err) {
				missing = append(missing, path)
				return
			}
			if hardErr == nil {
				hardErr = err
			}
		}(d.Path)
	}
	wg.Wait()

	if hardErr != nil {
		return nil, hardErr
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		if i.audit != nil {
			for _, p := range missing {
				i.audit.LogSecretAccess(ctx, tenantID, "validate", p, types.OutcomeFailure)
			}
		}
		return nil, errdefs.NotFound("missing secrets: %s", strings.Join(missing, ", "))
	}

	out := &ContainerSecrets{ValidatedAt: i.now().UTC()}
	for _, d := range descriptors {
		out.Secrets = append(out.Secrets, ContainerSecret{EnvName: d.EnvName, ValueFrom: d.Path})
	}
	return out, nil
}

// ValidateAdditionalSecrets enforces the user-supplied secret rules,
// aggregating every failure into a single Validation error.
func (i *Injector) ValidateAdditionalSecrets(kv map[string]string) error {
	return validate(kv, false)
}

func validate(kv map[string]string, allowGitHubToken bool) error {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var fields []string
	for _, k := range keys {
		v := kv[k]
		switch {
		case len(k) > MaxSecretKeyLength:
			fields = append(fields, fmt.Sprintf("%s: key exceeds %d characters", k, MaxSecretKeyLength))
		case !keyPattern.MatchString(k):
			fields = append(fields, fmt.Sprintf("%s: key must match %s", k, keyPattern.String()))
		}
		if registry.ProtectedSecretKey(k) && !(allowGitHubToken && k == "GITHUB_TOKEN") {
			fields = append(fields, fmt.Sprintf("%s: key is protected and cannot be overridden", k))
		}
		if len(v) > MaxSecretValueBytes {
			fields = append(fields, fmt.Sprintf("%s: value exceeds %d bytes", k, MaxSecretValueBytes))
		}
		if strings.ContainsRune(v, 0) {
			fields = append(fields, fmt.Sprintf("%s: value contains NUL byte", k))
		}
	}
	if len(fields) > 0 {
		return errdefs.Validation("invalid additional secrets", fields...)
	}
	return nil
}

func envNameForPath(path string) string {
	name := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		name = path[i+1:]
	}
	name = strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
}
