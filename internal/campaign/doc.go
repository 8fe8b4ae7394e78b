// Package campaign implements the broadcast campaign engine.
//
// A campaign carries one authored message to a dynamically resolved set of
// chat recipients. The engine owns the campaign lifecycle (draft, scheduled,
// sending, sent, failed, cancelled), resolves the audience into a concrete
// recipient list, dispatches deliveries through a bounded worker pool under a
// pool-wide rate limit, classifies per-recipient outcomes, and keeps a
// durable, resumable delivery record per recipient.
//
// Delivery semantics
//
// Per-recipient failures never abort a run. Transient failures are retried
// with backoff up to a configured bound; permanent failures are recorded
// immediately. Re-executing a partially completed campaign skips recipients
// that already reached a terminal outcome, so a crash-restart never delivers
// twice. Only a directory failure during resolution aborts the run, leaving
// the campaign in "sending" for a later resume.
//
// Cancellation is cooperative: in-flight sends complete and are recorded, no
// new sends start, and the campaign settles as cancelled with its partial
// counters frozen.
package campaign
