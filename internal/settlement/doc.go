// Package settlement implements the server side of POST /api/pay: it verifies
// an EIP-3009 authorization, reserves its paymentId and nonce, and submits it
// on chain exactly once per paymentId.
package settlement
