// Package broker implements the central coordinator for the validation
// station. It owns the session registry, the request correlation maps, the
// optimistic-consensus protocol, and the score ledger. Providers deliver a
// fast first answer that is released to the waiting client immediately;
// later answers for the same request corroborate or contradict it, and the
// reputational consequences are applied retroactively through the ledger.
//
// All shared state is guarded by a single mutex. The lock is held only for
// the duration of one operation and never across a blocking send: the
// rendezvous delivery and session fan-out are both non-blocking, so one
// slow client or session cannot stall the rest.
package broker

import (
	"bytes"
	"encoding/json"
	"log"
	"reflect"
	"sort"
	"sync"

	"validation.station/vsb/internal/config"
	"validation.station/vsb/internal/journal"
	"validation.station/vsb/internal/ledger"
	"validation.station/vsb/internal/logger"
	"validation.station/vsb/internal/types"
)

// Handle is the broker's outbound link to one connected session. Deliver
// must not block; a session whose queue is full reports an error and the
// request is simply not forwarded to it.
type Handle interface {
	Deliver(req types.RPCRequest) error
}

// optimistic is the first delivered answer for a request id, waiting for
// corroboration. The submitter is always attestor #1.
type optimistic struct {
	record    types.RPCResponse
	submitter string
	attestors []string
}

// Broker coordinates sessions, request correlation, and scoring.
type Broker struct {
	cfg     *config.Config
	events  *logger.Logger
	journal *journal.Journal

	mu         sync.Mutex
	sessions   map[string]Handle
	pending    map[string]chan<- json.RawMessage
	optimistic map[string]*optimistic
	settled    map[string]types.RPCResponse
	addrs      map[string]string // session id -> claimed provider address
	scores     *ledger.Ledger
}

// New creates a broker. events and jnl may be nil.
func New(cfg *config.Config, events *logger.Logger, jnl *journal.Journal) *Broker {
	log.Println("Initializing RPC broker")
	return &Broker{
		cfg:        cfg,
		events:     events,
		journal:    jnl,
		sessions:   make(map[string]Handle),
		pending:    make(map[string]chan<- json.RawMessage),
		optimistic: make(map[string]*optimistic),
		settled:    make(map[string]types.RPCResponse),
		addrs:      make(map[string]string),
		scores:     ledger.New(),
	}
}

// Register adds a session's outbound handle to the registry. Registering
// an id that is already present replaces the handle; an existing score
// entry is kept as-is so a reconnecting provider does not shed history.
func (b *Broker) Register(id string, h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sessions[id] = h
	b.scores.Ensure(id)
	log.Printf("Session %s registered, %d active", id, len(b.sessions))
	b.events.Infof("Provider session %s registered", id)
	b.journal.Record(journal.Event{Kind: journal.KindRegister, Subject: id})
}

// Unregister removes a session from the registry. Pending and optimistic
// state tied to the session is left alone; its score entry survives.
func (b *Broker) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.sessions, id)
	log.Printf("Session %s unregistered, %d active", id, len(b.sessions))
	b.events.Infof("Provider session %s unregistered", id)
	b.journal.Record(journal.Event{Kind: journal.KindUnregister, Subject: id})
}

// Associate records the claimed provider address for a session id. The
// address is self-reported and never verified; the last writer wins.
func (b *Broker) Associate(id, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[id] = addr
}

// SessionCount reports the number of registered sessions.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Broadcast stores the rendezvous channel for the request and forwards the
// request to up to the configured cap of registered sessions, in map
// order. With zero sessions it returns ErrNoSessions and records nothing.
func (b *Broker) Broadcast(req types.RPCRequest, rendezvous chan<- json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.sessions) == 0 {
		return ErrNoSessions
	}
	b.pending[req.ID] = rendezvous

	sent := 0
	for id, h := range b.sessions {
		if sent >= b.cfg.BroadcastCap {
			break
		}
		if err := h.Deliver(req); err != nil {
			log.Printf("Forwarding request %s to session %s failed: %v", req.ID, id, err)
		}
		sent++
	}
	log.Printf("Broadcast request %s to %d of %d sessions", req.ID, sent, len(b.sessions))
	return nil
}

// HandleProviderResponse runs the response/attestation protocol for one
// inbound provider response. sessionID identifies the sender.
//
// Order of evaluation mirrors the protocol: a settled request makes the
// response unconditionally late; an open optimistic entry makes it an
// attestation attempt; otherwise it is a candidate first answer for a
// pending request.
func (b *Broker) HandleProviderResponse(sessionID string, resp types.ProviderResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, done := b.settled[resp.ID]; done {
		log.Printf("Late response for settled request %s from session %s", resp.ID, sessionID)
		b.penaliseLocked(sessionID, b.cfg.PenaltyLateMessage, resp.ID, "late message")
		return
	}

	if entry, open := b.optimistic[resp.ID]; open {
		b.attestLocked(sessionID, entry, resp)
		return
	}

	b.firstResponseLocked(sessionID, resp)
}

// attestLocked compares a follow-up response against the stored optimistic
// payload, ignoring the attestations field. A match appends the sender as
// an attestor and promotes at the threshold; a mismatch penalizes the
// sender and leaves the optimistic entry untouched.
func (b *Broker) attestLocked(sessionID string, entry *optimistic, resp types.ProviderResponse) {
	if !payloadsMatch(entry.record.Data, resp.Data) {
		log.Printf("Response for request %s from session %s contradicts optimistic answer from %s",
			resp.ID, sessionID, entry.submitter)
		b.penaliseLocked(sessionID, b.cfg.PenaltyMismatchedData, resp.ID, "mismatched data")
		return
	}

	entry.attestors = append(entry.attestors, sessionID)
	log.Printf("Request %s attested by session %s (%d/%d)",
		resp.ID, sessionID, len(entry.attestors), b.cfg.AttestationThreshold)
	if len(entry.attestors) >= b.cfg.AttestationThreshold {
		b.settleLocked(resp.ID, entry)
	}
}

// firstResponseLocked attempts rendezvous delivery of the first answer.
// Only a successful delivery earns the optimistic reward and opens the
// attestation window; a late or undeliverable answer is logged and
// dropped without reward.
func (b *Broker) firstResponseLocked(sessionID string, resp types.ProviderResponse) {
	rendezvous, ok := b.pending[resp.ID]
	if !ok {
		log.Printf("No pending request for response %s, session %s is late", resp.ID, sessionID)
		return
	}

	select {
	case rendezvous <- resp.Data:
	default:
		log.Printf("Rendezvous for request %s gone, response from session %s dropped", resp.ID, sessionID)
		return
	}

	delete(b.pending, resp.ID)
	b.rewardLocked(sessionID, b.cfg.RewardOptimistic, resp.ID, "optimistic response")

	entry := &optimistic{
		record: types.RPCResponse{
			ID:             resp.ID,
			Result:         resp.Result,
			ResponderAddr:  resp.ResponderAddr,
			ProcessingTime: resp.ProcessingTime,
			StartTime:      resp.StartTime,
			EndTime:        resp.EndTime,
			Error:          resp.Error,
			Data:           resp.Data,
		},
		submitter: sessionID,
		attestors: []string{sessionID},
	}
	b.optimistic[resp.ID] = entry
	b.events.Infof("Optimistic response for request %s from session %s", resp.ID, sessionID)

	// The submitter counts as attestor #1, so with a threshold of one the
	// first delivered answer settles on its own.
	if len(entry.attestors) >= b.cfg.AttestationThreshold {
		b.settleLocked(resp.ID, entry)
	}
}

// settleLocked promotes an optimistic entry to an immutable settlement and
// pays the consensus reward to the original submitter.
func (b *Broker) settleLocked(requestID string, entry *optimistic) {
	delete(b.optimistic, requestID)
	b.settled[requestID] = entry.record

	log.Printf("Request %s settled with %d attestors", requestID, len(entry.attestors))
	b.events.Infof("Request %s settled, submitter %s", requestID, entry.submitter)
	b.journal.Record(journal.Event{
		Kind:      journal.KindSettlement,
		Subject:   entry.submitter,
		RequestID: requestID,
		Amount:    uint64(len(entry.attestors)),
	})
	b.rewardLocked(entry.submitter, b.cfg.RewardConsensus, requestID, "consensus")
}

// Reward adds amount to the identity's score and returns the result. An
// unknown identity is a logged no-op.
func (b *Broker) Reward(id string, amount uint64) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rewardLocked(id, amount, "", "reward")
}

// Penalise floor-subtracts amount from the identity's score and returns
// the result. An unknown identity is a logged no-op.
func (b *Broker) Penalise(id string, amount uint64) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.penaliseLocked(id, amount, "", "penalty")
}

// Score returns the current score for an identity.
func (b *Broker) Score(id string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.scores.Has(id) {
		return 0, false
	}
	return b.scores.Get(id), true
}

func (b *Broker) rewardLocked(id string, amount uint64, requestID, reason string) uint64 {
	score := b.scores.Reward(id, amount)
	b.events.Infof("Session %s rewarded %d (%s), score now %d", id, amount, reason, score)
	b.journal.Record(journal.Event{
		Kind: journal.KindReward, Subject: id, RequestID: requestID, Amount: amount, Score: score,
	})
	return score
}

func (b *Broker) penaliseLocked(id string, amount uint64, requestID, reason string) uint64 {
	score := b.scores.Penalise(id, amount)
	b.events.Warningf("Session %s penalised %d (%s), score now %d", id, amount, reason, score)
	b.journal.Record(journal.Event{
		Kind: journal.KindPenalty, Subject: id, RequestID: requestID, Amount: amount, Score: score,
	})
	return score
}

// Scores lists every identity with both a score entry and a resolved
// provider address, as (address, score) pairs sorted by descending score.
// Identities that never sent a liveness frame are omitted.
func (b *Broker) Scores() []types.ScoreEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := make([]types.ScoreEntry, 0)
	for id, score := range b.scores.Snapshot() {
		addr, ok := b.addrs[id]
		if !ok {
			continue
		}
		entries = append(entries, types.ScoreEntry{Address: addr, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Address < entries[j].Address
	})
	return entries
}

// Settled returns the settlement record for a request id, if any.
func (b *Broker) Settled(requestID string) (types.RPCResponse, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.settled[requestID]
	return rec, ok
}

// payloadsMatch compares two response payloads for attestation purposes.
// An "attestations" field inside the payload is excluded from comparison
// since it legitimately differs per responder. Payloads that are not JSON
// objects are compared byte-wise after a round-trip normalization attempt.
func payloadsMatch(a, b json.RawMessage) bool {
	var objA, objB map[string]any
	if json.Unmarshal(a, &objA) == nil && json.Unmarshal(b, &objB) == nil {
		delete(objA, "attestations")
		delete(objB, "attestations")
		return reflect.DeepEqual(objA, objB)
	}

	var anyA, anyB any
	if json.Unmarshal(a, &anyA) == nil && json.Unmarshal(b, &anyB) == nil {
		return reflect.DeepEqual(anyA, anyB)
	}
	return bytes.Equal(a, b)
}
