/*
Package log provides structured logging for Outpost built on zerolog.

A single global logger is initialized once at process start; components
derive child loggers with WithComponent and the identity helpers
(WithDispatchID, WithAgent, WithTenant) so every line carries the fields
needed to trace a dispatch end to end.

Secret values must never reach a log line. Callers log secret names and
path lengths only; the audit package enforces the same rule for persisted
metadata.
*/
package log
