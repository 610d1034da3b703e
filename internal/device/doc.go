// Package device owns the transponder command protocol.
//
// Ownership boundary:
// - the single Link to the physical transponder
//
// - frame encoding and response correlation
//
// - bounded retry over unexpected responses
//
// - pilot/frequency caches
//
// Every Engine operation holds the link for its full round trip. The physical
// characteristic supports exactly one outstanding command, so concurrent callers
// queue on the engine rather than on the link.
package device
