// Package llm provides the backend-neutral LLM service used by the
// decision layer and any provider that needs model access. Named backends
// ("llm", "llm_fast", "vlm", plus config-defined names) map to concrete
// implementations under llm/providers. Calls retry transiently failing
// requests with jittered exponential backoff and tally token usage per
// backend.
package llm
