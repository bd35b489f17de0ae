// Package bus provides the process-local named-topic event bus that
// connects the input, decision, and output domains. It is the only
// inter-domain channel: domains never call each other directly.
//
// Handlers subscribe to a topic with a priority; Emit invokes every
// handler subscribed at call time in ascending priority then insertion
// order. Handler errors are isolated by default so one misbehaving
// subscriber cannot starve its siblings. A request/response pattern is
// layered on top using per-call reply topics.
package bus
