/*
Package errdefs defines the closed error taxonomy shared by every Outpost
component.

Errors cross component boundaries unchanged; only the dispatcher translates
them into caller-facing results. The seven kinds map directly onto the
control plane's failure surface:

	validation           input failed a precondition (includes field/reason list)
	not_found            dispatch, secret, or pool entry does not exist
	conflict             optimistic-concurrency or duplicate constraint
	service_unavailable  capacity or rate-limit exhaustion after retry
	rate_limit           callee throttled the upstream
	internal             unexpected infrastructure failure (opaque to callers)
	workspace            clone/init/cleanup failure (tagged with workspace ID)

Construct with the kind helpers (Validation, NotFound, ...) and inspect with
errors.Is against the exported sentinels or with KindOf.
*/
package errdefs
