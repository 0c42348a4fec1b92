package audit

import (
	"strings"

	"github.com/zeroechelon/outpost/pkg/registry"
	"github.com/zeroechelon/outpost/pkg/types"
)

// Redacted replaces the value of every sensitive key.
const Redacted = "[REDACTED]"

// Sanitize walks metadata recursively and replaces the value of any key
// whose lowercase form is in the sensitive set. The input is never
// mutated; the returned tree is a deep copy.
func Sanitize(v *types.MetaValue) *types.MetaValue {
	if v == nil {
		return nil
	}
	out := v.Clone()
	sanitizeInPlace(out)
	return out
}

func sanitizeInPlace(v *types.MetaValue) {
	switch v.Kind {
	case types.MetaMap:
		for k, val := range v.Map {
			if registry.SensitiveField(strings.ToLower(k)) {
				v.Map[k] = types.MetaStr(Redacted)
				continue
			}
			sanitizeInPlace(val)
		}
	case types.MetaList:
		for _, val := range v.List {
			sanitizeInPlace(val)
		}
	}
}
