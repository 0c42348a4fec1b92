/*
Package types defines the Outpost domain model: dispatch records, warm pool
entries, workspace records, audit events, and the request/result shapes the
dispatcher exposes.

The two state machines live here next to their types:

	Dispatch:  PENDING → RUNNING → {COMPLETED, FAILED, TIMEOUT, CANCELLED}
	           (CANCELLED also reachable from PENDING; terminal states absorb)

	Pool:      idle ↔ in_use, either → terminating, nothing leaves terminating

Records carry a Version counter for optimistic concurrency; stores reject
writes whose expected version does not match.
*/
package types
