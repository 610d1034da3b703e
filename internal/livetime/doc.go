// Package livetime serves the live timing session protocol over WebSocket.
//
// Clients send plain-text get actions (get_version, get_settings,
// get_timestamp) or JSON set objects. While a client is connected it receives
// either periodic heartbeat notifications or, after a race start request, a
// pass_record notification per lap. Never both.
package livetime
