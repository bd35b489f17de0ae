// Package pipelines provides the built-in output pipeline stages: the
// profanity filter and the text-length limiter.
package pipelines
