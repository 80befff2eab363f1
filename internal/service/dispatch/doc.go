// Package dispatch implements the durable email dispatch pipeline.
//
// Producers insert emails with SendEmail. A single self-scheduling batch step
// claims due emails in time segments and hands each batch to the email pool,
// where the batch sender waits out the global provider rate limit and calls
// the Resend batch API. Provider webhooks are applied by HandleEvent to a
// per-email status state machine, and two sweepers delete old finalized and
// abandoned rows.
//
// Every operation runs as one transaction against the Store. Work that leaves
// the store (scheduling, pool enqueues) is registered with Tx.AfterCommit and
// only happens once the transaction commits. The service never imports
// net/http or database/sql directly, except for the HTTP callback notifier.
package dispatch
