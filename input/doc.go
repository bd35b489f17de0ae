// Package input runs every enabled input provider concurrently,
// normalizes their raw observations into canonical messages, applies the
// input pipeline chain, and publishes survivors on the event bus as
// data.message. One provider's failure never cancels its siblings;
// optionally a failed provider is restarted with fresh state.
package input
