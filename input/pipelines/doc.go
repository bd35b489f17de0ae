// Package pipelines provides the built-in input pipeline stages: the
// sliding-window rate limiter and the similar-text filter.
package pipelines
