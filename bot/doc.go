// Package bot contains the event responder that rewrites recognized reddit
// links and honors author-initiated reverts.
//
// It provides two entrypoints:
//   - Handler.Run: consumes events from a Gateway with a small worker pool,
//     posting a rewritten copy of any qualifying message and recording the
//     pairing in the conversion ledger.
//   - HandleMessage / HandleReaction: the per-event handlers, exposed so a
//     gateway driver can call them directly.
//
// The revert flow is author-gated and at-most-once: the first trigger-emoji
// reaction by the original author flips the ledger row, and only the winner
// performs the platform cleanup (delete reply, remove the bot's own
// reaction). Every trigger-emoji reaction on a tracked message is appended to
// the audit trail regardless of outcome.
package bot
