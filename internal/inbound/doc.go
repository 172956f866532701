// Package inbound connects live sessions to the rest of the engine.
//
// # Overview
//
// The Handler implements the session event sink. Inbound messages are
// queued onto the store-inbound worker; delivery acks are applied inline.
// The pipeline for one message: marker filter, dedupe window, contact
// upsert, ticket resolution, unread accounting, media download, persist,
// broadcast, then hand the body to the rating flow or the chatbot router.
//
// # Courier
//
// The Courier is the single outbound path. It resolves ticket -> contact ->
// live session, prefixes generated text with the self marker, persists the
// clean body as an outbound message and broadcasts it.
//
// # Scheduler
//
// The Scheduler sweeps due schedules on a short interval, claims each row
// and enqueues a send job; delivery happens on the send-scheduled worker
// using the tenant's default connection.
package inbound
