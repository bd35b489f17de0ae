// Package pipeline implements the ordered filter chains applied to
// normalized messages (input side) and expression parameters (output
// side). A chain runs its stages in ascending priority; each stage may
// pass, rewrite, or drop the value. Stage failures are governed by a
// per-stage error policy and timeout.
package pipeline
