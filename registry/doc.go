// Package registry discovers and constructs input, decision, and output
// providers by name. Provider packages publish their constructors at
// link time through RegisterInput/RegisterDecision/RegisterOutput calls in
// init functions; the config-driven filter then selects which registered
// providers to build. The registry never holds business state.
package registry
