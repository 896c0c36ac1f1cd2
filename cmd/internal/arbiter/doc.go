// Package arbiter decides, for every request in a protected route class,
// whether an (account, session) pair is already admitted, can be freshly
// admitted, or collides with the account's session cap.
//
// It also resolves capacity conflicts: given a victim chosen by the user, it
// evicts the victim and admits the pending session in one store operation.
//
// All races are settled by the store's atomic primitives (TryAdmit, Swap,
// Remove). The logout suppression guard only short-circuits validation while
// a voluntary logout is in flight; the arbiter is correct with it disabled.
package arbiter
