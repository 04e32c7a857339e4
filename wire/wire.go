// Package wire defines the JSON payload types of the Zumi gateway frame
// protocol, one struct per frame kind. The frame header carries cmd and
// subCmd; these are the bodies.
//
// Data frames (messages, reactions, typing, seen receipts) are not typed
// here: their body is a dynamic envelope {"data": ..., "encrypt": n} where
// "data" is either an inline object or an encrypted base64 string, probed
// field-by-field by the connection.
package wire

// CipherKeyPayload is the body of the cipher-key handshake frame
// (cmd 1, subCmd 1, server -> client). Key is the base64-encoded AES key
// used to decrypt realtime payloads for the lifetime of the connection.
type CipherKeyPayload struct {
	Key string `json:"key"`
}

// PingPayload is the body of a keepalive ping (cmd 2, subCmd 1,
// client -> server). EventID is the client's current Unix-millisecond
// clock, echoed back by the gateway.
type PingPayload struct {
	EventID int64 `json:"eventId"`
}

// HistoryRequest asks the gateway to replay missed events
// (old_messages cmd 510/511, old_reactions cmd 610/611, subCmd 1).
// LastID is the newest event the client already holds: a string or
// numeric ID, or null on the very first sync.
type HistoryRequest struct {
	First  bool     `json:"first"`
	LastID any      `json:"lastId"`
	PreIDs []string `json:"preIds"`
}

// NewHistoryRequest builds a HistoryRequest whose PreIDs marshals as []
// rather than null, which is what the gateway expects.
func NewHistoryRequest(lastID any) HistoryRequest {
	return HistoryRequest{
		First:  lastID == nil,
		LastID: lastID,
		PreIDs: []string{},
	}
}
