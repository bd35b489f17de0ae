// Package contextsvc keeps the recent conversation history that decision
// providers fold into their prompts. The default store is an in-process
// ring per conversation; configuring a Redis address swaps in a persistent
// store behind the same interface so recent chat context survives
// restarts.
package contextsvc
