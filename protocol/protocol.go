// Package protocol defines the wire contract shared by the host-side worker
// and the guest-side bootstrap: the reserved control header names, the script
// kinds passed on the guest's command line, and the fixed synthetic origin
// that proxied requests are dispatched to.
//
// The control headers form a side channel across the unix socket. The host
// encoder is the only writer of these names, and the guest decoder strips
// them before application code runs, so handlers can never observe (or be
// fed spoofed values for) any of them.
package protocol

const (
	// URLHeader carries the caller's true target URL. A request without it
	// is a warm-up probe and must be answered without invoking application
	// code.
	URLHeader = "X-Deno-Worker-Url"

	// HostHeader carries the caller's Host value, present only when the
	// caller's request specified one.
	HostHeader = "X-Deno-Worker-Host"

	// ConnectionHeader carries the caller's Connection value, present only
	// when the caller's request specified one.
	ConnectionHeader = "X-Deno-Worker-Connection"
)

// Script kinds, passed as the second positional argument to the guest.
const (
	KindScript = "script"
	KindImport = "import"
)

// SyntheticOrigin is the fixed origin proxied requests are addressed to on
// the socket. The real target travels in URLHeader; the socket-level URL is
// irrelevant to routing.
const SyntheticOrigin = "http://deno-http-worker"

// WarmupBody is the marker body of the fixed 200 response to a warm-up
// probe.
const WarmupBody = "OK"

// ControlHeaders returns the reserved header names in a fresh slice.
func ControlHeaders() []string {
	return []string{URLHeader, HostHeader, ConnectionHeader}
}
