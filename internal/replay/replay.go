// Package replay tracks nonces that have already been consumed, per sender.
// A Store answers exactly one question: has this (sender, nonce) pair been
// seen within the retention window. The check-and-record step is atomic so
// two concurrent verifications of the same nonce cannot both pass.
package replay

type Store interface {
	Seen(sender, nonce string) bool
}
