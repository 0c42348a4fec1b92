package dynamo

import (
	"encoding/base64"
	"encoding/json"

	"github.com/zeroechelon/outpost/pkg/errdefs"
)

// Cursors are base64 JSON of the key attributes needed to rebuild a
// query's ExclusiveStartKey. They are built from the last item handed
// out rather than LastEvaluatedKey because a page can stop early when
// post-filtering fills the limit mid-way through a server page.
func encodeCursor(v any) string {
	data, _ := json.Marshal(v)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return errdefs.Validation("cursor is not valid", "cursor")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errdefs.Validation("cursor is not valid", "cursor")
	}
	return nil
}
