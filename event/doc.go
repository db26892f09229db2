// Package event defines the event envelope and stage taxonomy shared by every
// producer of analysis run events.
//
// A run emits, in this order and never reordered:
//
//	started → step* → evidence* → confidence? → proposal* → completed|failed
//
// Optional stages may be skipped. Exactly one terminal event (completed or
// failed) ends a run. Guard enforces these rules for a single run.
package event
