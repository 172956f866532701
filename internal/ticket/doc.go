// Package ticket implements the conversation lifecycle state machine.
//
// # Overview
//
// A ticket moves through pending -> open -> closed. The Machine is the only
// place status transitions happen; it stamps the tracking satellite,
// publishes frontend events and runs the closing ceremony (farewell message,
// rating prompt) so callers never have to sequence those themselves.
//
// # Reopening
//
// FindOrCreate returns the existing non-closed ticket when there is one. A
// ticket closed within the reopen window is revived as pending instead of
// creating a fresh one, so a quick follow-up from the contact lands in the
// same conversation.
//
// # Rating Sub-State
//
// When ratings are enabled and an agent handled the ticket, closing first
// sends the rating prompt and parks the ticket: status stays, tracking
// records the prompt time, and the next digit the contact sends (clamped to
// 1..3) records the rating and completes the close. SweepPendingRatings
// force-closes tickets whose prompt went unanswered past the timeout.
package ticket
