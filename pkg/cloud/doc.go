/*
Package cloud declares the contracts Outpost holds against its cloud
primitives: container runtime, object store, log service, secret store,
event bus, and storage access points.

The control plane only ever touches these interfaces; concrete AWS
bindings live in cloud/aws and in-memory fakes live next to the tests
that use them. Secret values are explicitly absent from every contract —
the secret store exposes metadata only, and values are bound into worker
containers by the task definition.
*/
package cloud
