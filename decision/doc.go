// Package decision holds exactly one active decision provider and turns
// every data.message into exactly one decision.intent. A failing or slow
// decider yields a synthetic fallback intent so the runtime never stalls.
// The active provider can be swapped at runtime; messages arriving during
// a swap are held in a bounded queue and replayed against the new
// provider.
package decision
