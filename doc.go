// Package authclient manages the client side of an authentication session:
// credential submission, the optional one time password step, token storage
// and restoring the session when the process starts again.
//
// Session lifecycle:
//   - SessionMachine is the single writer of the session. It moves between
//     the anonymous, awaiting_otp and authenticated phases through a fixed
//     transition table. Admin accounts are authenticated by the login call
//     itself; everyone else receives an OTP challenge and finishes with
//     SubmitOTP.
//   - Only one network bound action runs at a time. CancelOTP, Logout and
//     Invalidate always run and discard any result still in flight.
//
// Credentials:
//   - CredentialStore writes the token to the durable channel when the user
//     asked to be remembered and to the ephemeral channel otherwise, never
//     both. Channels are anything implementing Channel: MemoryChannel, a
//     SealedChannel wrapper, or the bun backed store in the repository
//     package.
//
// Persistence:
//   - Persister snapshots the durable part of the session after every
//     completed transition and restores it with Rehydrate. A restored token
//     is kept only while the credential store still holds it and it has not
//     expired.
//
// Operations:
//   - OperationTracker holds the set of in-flight operation names and backs
//     the busy indicator. PrometheusObserver exports the same information as
//     metrics.
//
// Boot wires all of the above from a BootConfig.
package authclient
