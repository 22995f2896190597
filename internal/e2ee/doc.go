// Package e2ee implements sender-key group encryption for chat rooms.
//
// A room's state (local sender chain plus one recipient chain per peer) is
// loaded, mutated and persisted under a per-room lock, so concurrent
// encrypt/decrypt calls for the same room never observe the same ratchet
// position. New sender keys are announced to every other member over their
// pairwise rooms as pending comments picked up by the resend pipeline.
package e2ee
