// Package types defines the wire frames and RPC envelopes for the
// validation station broker (vsb). Providers exchange JSON text frames
// over a duplex websocket; public clients submit arbitrary JSON documents
// over HTTP. Frames are classified by shape, not by an explicit type tag.
package types

import "encoding/json"

// Version is the current version of vsb
const Version = "0.1.0"

// BuildTime is set at build time via -ldflags
var BuildTime = "dev"

// Heartbeat is the liveness frame exchanged in both directions on a
// provider session. The broker's own probes always carry zero
// block_number/chain_id; the fields are reserved for providers that track
// an upstream chain. The provider address is self-reported and never
// verified (trust-on-first-use, last writer wins).
type Heartbeat struct {
	ID           string `json:"id,omitempty"`
	Timestamp    uint64 `json:"timestamp"`
	BlockNumber  uint64 `json:"block_number"`
	ChainID      uint64 `json:"chain_id"`
	ProviderAddr string `json:"provider_addr,omitempty"`
}

// ProviderResponse is the frame a provider sends back for a broadcast
// request. Attestations carries the session ids of prior attestors the
// provider knows about; it is excluded from payload comparison because it
// legitimately differs per responder.
type ProviderResponse struct {
	ID             string          `json:"id"`
	Result         string          `json:"result"`
	Data           json.RawMessage `json:"data"`
	ResponderAddr  string          `json:"responder_addr,omitempty"`
	ProcessingTime uint64          `json:"processing_time,omitempty"`
	StartTime      uint64          `json:"start_time,omitempty"`
	EndTime        uint64          `json:"end_time,omitempty"`
	Error          string          `json:"error,omitempty"`
	Attestations   []string        `json:"attestations"`
}

// RPCRequest is the envelope broadcast to provider sessions. Data is the
// client's JSON document, forwarded verbatim.
type RPCRequest struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// RPCResponse is the normalized record the broker keeps for a delivered
// response. It is also the immutable settlement record once promoted.
type RPCResponse struct {
	ID             string          `json:"id"`
	Result         string          `json:"result,omitempty"`
	ResponderAddr  string          `json:"responder_addr,omitempty"`
	ProcessingTime uint64          `json:"processing_time,omitempty"`
	StartTime      uint64          `json:"start_time,omitempty"`
	EndTime        uint64          `json:"end_time,omitempty"`
	Error          string          `json:"error,omitempty"`
	Data           json.RawMessage `json:"data"`
}

// ScoreEntry is one row of the public score listing. It marshals as a
// two-element [address, score] array to keep the listing compact.
type ScoreEntry struct {
	Address string
	Score   uint64
}

// MarshalJSON renders the entry as ["address", score].
func (e ScoreEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Address, e.Score})
}

// UnmarshalJSON accepts the ["address", score] pair form.
func (e *ScoreEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) > 0 {
		if err := json.Unmarshal(pair[0], &e.Address); err != nil {
			return err
		}
	}
	if len(pair) > 1 {
		if err := json.Unmarshal(pair[1], &e.Score); err != nil {
			return err
		}
	}
	return nil
}
