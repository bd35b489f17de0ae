// Package prompt loads markdown prompt templates from a templates root.
// A template file may begin with a YAML front-matter block describing its
// name, version, and declared variables; the remainder is the body with
// $var / ${var} placeholders. Templates are cached on first access and
// reloaded only explicitly.
package prompt
