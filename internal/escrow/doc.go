// Package escrow manages pre-funded escrow sessions: an owner deposits a
// budget once and authorized agents draw it down through releases until the
// session is refunded, closed or expires.
//
// Budget mutations are serialized per session in process and guarded by a
// compare-and-swap update in the store, so released+refunded never exceeds
// deposited even across instances.
package escrow
