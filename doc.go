// Package nultun is a transparent TCP proxy for a length-delimited,
// NUL-terminated ASCII message protocol. It accepts inbound connections,
// dials a fixed upstream endpoint per connection, and relays bytes in
// both directions through a single-threaded cooperative event loop while
// exposing every complete message to an embedder-supplied Observer.
package nultun
