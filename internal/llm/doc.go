// Package llm contains the provider abstraction and the invocation policy
// for generative model backends: typed error classes decided at each
// adapter boundary, single failover to a secondary provider on quota
// exhaustion, bounded retries with linear backoff, and output validation.
package llm
