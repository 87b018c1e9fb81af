// Package api exposes the HTTP surface of the payment-gated agent runtime:
// paid execution, 402 challenges, activity queries and operator resolution.
package api
