package broker

import (
	"encoding/json"
	"errors"
	"testing"

	"validation.station/vsb/internal/config"
	"validation.station/vsb/internal/logger"
	"validation.station/vsb/internal/types"
)

// fakeHandle records delivered requests without a live connection.
type fakeHandle struct {
	delivered []types.RPCRequest
	fail      bool
}

func (f *fakeHandle) Deliver(req types.RPCRequest) error {
	if f.fail {
		return errors.New("queue full")
	}
	f.delivered = append(f.delivered, req)
	return nil
}

func newTestBroker(t *testing.T, threshold int) *Broker {
	t.Helper()
	cfg := config.Default()
	cfg.AttestationThreshold = threshold
	return New(cfg, logger.New(50), nil)
}

func response(id, result string, data string) types.ProviderResponse {
	return types.ProviderResponse{
		ID:           id,
		Result:       result,
		Data:         json.RawMessage(data),
		Attestations: []string{},
	}
}

func mustScore(t *testing.T, b *Broker, id string) uint64 {
	t.Helper()
	score, ok := b.Score(id)
	if !ok {
		t.Fatalf("Expected score entry for %s", id)
	}
	return score
}

func TestBroadcastWithoutSessions(t *testing.T) {
	b := newTestBroker(t, 1)

	ch := make(chan json.RawMessage, 1)
	err := b.Broadcast(types.RPCRequest{ID: "r1", Data: json.RawMessage(`{}`)}, ch)
	if !errors.Is(err, ErrNoSessions) {
		t.Fatalf("Expected ErrNoSessions, got %v", err)
	}

	// No pending bookkeeping either: a response for r1 must be dropped
	// without creating optimistic state.
	b.Register("x", &fakeHandle{})
	b.HandleProviderResponse("x", response("r1", "0x1", `{"v":1}`))
	if _, ok := b.Settled("r1"); ok {
		t.Error("Expected no settlement for request with no pending entry")
	}
	if got := mustScore(t, b, "x"); got != 0 {
		t.Errorf("Expected no reward for undeliverable response, got score %d", got)
	}
}

func TestBroadcastRespectsCap(t *testing.T) {
	b := newTestBroker(t, 1)
	b.cfg.BroadcastCap = 2

	handles := make([]*fakeHandle, 4)
	for i, id := range []string{"a", "b", "c", "d"} {
		handles[i] = &fakeHandle{}
		b.Register(id, handles[i])
	}

	ch := make(chan json.RawMessage, 1)
	if err := b.Broadcast(types.RPCRequest{ID: "r1", Data: json.RawMessage(`{}`)}, ch); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	total := 0
	for _, h := range handles {
		total += len(h.delivered)
	}
	if total != 2 {
		t.Errorf("Expected fan-out capped at 2 sessions, got %d", total)
	}
}

func TestBroadcastToleratesDeliveryFailure(t *testing.T) {
	b := newTestBroker(t, 1)
	full := &fakeHandle{fail: true}
	ok := &fakeHandle{}
	b.Register("full", full)
	b.Register("ok", ok)

	ch := make(chan json.RawMessage, 1)
	if err := b.Broadcast(types.RPCRequest{ID: "r1", Data: json.RawMessage(`{}`)}, ch); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if len(ok.delivered) != 1 {
		t.Errorf("Expected healthy session to still receive the request, got %d", len(ok.delivered))
	}
}

func TestReregisterKeepsScore(t *testing.T) {
	b := newTestBroker(t, 1)
	b.Register("x", &fakeHandle{})
	b.Reward("x", 7)

	h2 := &fakeHandle{}
	b.Register("x", h2)

	if got := mustScore(t, b, "x"); got != 7 {
		t.Errorf("Expected score preserved across re-register, got %d", got)
	}
	if got := b.SessionCount(); got != 1 {
		t.Errorf("Expected exactly one live handle, got %d", got)
	}

	ch := make(chan json.RawMessage, 1)
	if err := b.Broadcast(types.RPCRequest{ID: "r1", Data: json.RawMessage(`{}`)}, ch); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if len(h2.delivered) != 1 {
		t.Errorf("Expected replacement handle to receive the broadcast, got %d", len(h2.delivered))
	}
}

// Scenario A: the first response is released optimistically and earns the
// optimistic reward; with threshold 1 it also settles on its own because
// the submitter counts as attestor #1.
func TestOptimisticDeliverySettlesAtThresholdOne(t *testing.T) {
	b := newTestBroker(t, 1)
	b.Register("x", &fakeHandle{})
	b.Register("y", &fakeHandle{})

	ch := make(chan json.RawMessage, 1)
	if err := b.Broadcast(types.RPCRequest{ID: "r1", Data: json.RawMessage(`{"q":1}`)}, ch); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	b.HandleProviderResponse("x", response("r1", "0x1", `{"v":1}`))

	select {
	case data := <-ch:
		if string(data) != `{"v":1}` {
			t.Errorf("Expected client to receive the optimistic payload, got %s", data)
		}
	default:
		t.Fatal("Expected a delivered rendezvous value")
	}

	// Optimistic reward plus consensus reward on self-settlement.
	if got := mustScore(t, b, "x"); got != b.cfg.RewardOptimistic+b.cfg.RewardConsensus {
		t.Errorf("Expected combined reward %d, got %d", b.cfg.RewardOptimistic+b.cfg.RewardConsensus, got)
	}
	if _, ok := b.Settled("r1"); !ok {
		t.Error("Expected r1 to settle at threshold 1")
	}
}

// The other reading of threshold 1 — requiring one additional distinct
// attestor before settlement — is explicitly not the behavior here.
func TestThresholdOneDoesNotWaitForCorroborator(t *testing.T) {
	b := newTestBroker(t, 1)
	b.Register("x", &fakeHandle{})

	ch := make(chan json.RawMessage, 1)
	b.Broadcast(types.RPCRequest{ID: "r1", Data: json.RawMessage(`{}`)}, ch)
	b.HandleProviderResponse("x", response("r1", "0x1", `{"v":1}`))

	if _, ok := b.Settled("r1"); !ok {
		t.Fatal("Expected settlement before any corroborating response")
	}

	// A matching response arriving now is late, not an attestation.
	b.Register("y", &fakeHandle{})
	b.Reward("y", 5)
	b.HandleProviderResponse("y", response("r1", "0x1", `{"v":1}`))
	if got := mustScore(t, b, "y"); got != 5-b.cfg.PenaltyLateMessage {
		t.Errorf("Expected late penalty on y, got score %d", got)
	}
}

// Scenario B: after settlement any payload for the request id is late and
// penalised regardless of content; the submitter's score is untouched.
func TestLateMessageAfterSettlement(t *testing.T) {
	b := newTestBroker(t, 1)
	b.Register("x", &fakeHandle{})
	b.Register("y", &fakeHandle{})
	b.Reward("y", 3)

	ch := make(chan json.RawMessage, 1)
	b.Broadcast(types.RPCRequest{ID: "r1", Data: json.RawMessage(`{}`)}, ch)
	b.HandleProviderResponse("x", response("r1", "0x1", `{"v":1}`))
	xScore := mustScore(t, b, "x")

	b.HandleProviderResponse("y", response("r1", "0x1", `{"v":1}`))
	if got := mustScore(t, b, "y"); got != 3-b.cfg.PenaltyLateMessage {
		t.Errorf("Expected matching-but-late response penalised, got score %d", got)
	}

	b.HandleProviderResponse("y", response("r1", "0xdead", `{"v":"other"}`))
	if got := mustScore(t, b, "y"); got != 3-2*b.cfg.PenaltyLateMessage {
		t.Errorf("Expected mismatching late response penalised identically, got score %d", got)
	}

	if got := mustScore(t, b, "x"); got != xScore {
		t.Errorf("Expected submitter score unaffected by late traffic, got %d (was %d)", got, xScore)
	}
}

// Scenario C: a mismatching response before settlement is penalised and
// leaves the optimistic entry open for further attestors.
func TestMismatchLeavesOptimisticOpen(t *testing.T) {
	b := newTestBroker(t, 2)
	for _, id := range []string{"x", "y", "z"} {
		b.Register(id, &fakeHandle{})
	}
	b.Reward("y", 10)

	ch := make(chan json.RawMessage, 1)
	b.Broadcast(types.RPCRequest{ID: "r1", Data: json.RawMessage(`{}`)}, ch)
	b.HandleProviderResponse("x", response("r1", "0x1", `{"v":1}`))

	if _, ok := b.Settled("r1"); ok {
		t.Fatal("Expected no settlement at threshold 2 with a single response")
	}

	b.HandleProviderResponse("y", response("r1", "0x1", `{"v":2}`))
	if got := mustScore(t, b, "y"); got != 10-b.cfg.PenaltyMismatchedData {
		t.Errorf("Expected mismatch penalty on y, got score %d", got)
	}
	if _, ok := b.Settled("r1"); ok {
		t.Fatal("Expected mismatch to not promote r1")
	}

	// Still open: a matching attestor settles it.
	b.HandleProviderResponse("z", response("r1", "0x1", `{"v":1}`))
	if _, ok := b.Settled("r1"); !ok {
		t.Error("Expected r1 to settle after a matching attestation")
	}
}

// The submitter counts as attestor #1: with threshold 2, exactly one
// additional matching response promotes and pays the consensus reward to
// the original submitter, not the attestor.
func TestThresholdCountsSubmitter(t *testing.T) {
	b := newTestBroker(t, 2)
	b.Register("x", &fakeHandle{})
	b.Register("y", &fakeHandle{})

	ch := make(chan json.RawMessage, 1)
	b.Broadcast(types.RPCRequest{ID: "r1", Data: json.RawMessage(`{}`)}, ch)
	b.HandleProviderResponse("x", response("r1", "0x1", `{"v":1}`))

	if got := mustScore(t, b, "x"); got != b.cfg.RewardOptimistic {
		t.Fatalf("Expected only the optimistic reward before settlement, got %d", got)
	}

	b.HandleProviderResponse("y", response("r1", "0x1", `{"v":1}`))

	if _, ok := b.Settled("r1"); !ok {
		t.Fatal("Expected the second matching response to promote at threshold 2")
	}
	if got := mustScore(t, b, "x"); got != b.cfg.RewardOptimistic+b.cfg.RewardConsensus {
		t.Errorf("Expected consensus reward paid to submitter, got score %d", got)
	}
	if got := mustScore(t, b, "y"); got != 0 {
		t.Errorf("Expected no reward for the attestor, got score %d", got)
	}

	// The (k+1)-th matching response after settlement is late.
	b.Register("z", &fakeHandle{})
	b.Reward("z", 2)
	b.HandleProviderResponse("z", response("r1", "0x1", `{"v":1}`))
	if got := mustScore(t, b, "z"); got != 2-b.cfg.PenaltyLateMessage {
		t.Errorf("Expected late penalty after settlement, got score %d", got)
	}
}

// Attestation comparison ignores an attestations field carried inside the
// payload, which legitimately differs per responder.
func TestComparisonIgnoresAttestationsField(t *testing.T) {
	b := newTestBroker(t, 2)
	b.Register("x", &fakeHandle{})
	b.Register("y", &fakeHandle{})

	ch := make(chan json.RawMessage, 1)
	b.Broadcast(types.RPCRequest{ID: "r1", Data: json.RawMessage(`{}`)}, ch)
	b.HandleProviderResponse("x", response("r1", "0x1", `{"v":1,"attestations":["a"]}`))
	b.HandleProviderResponse("y", response("r1", "0x1", `{"v":1,"attestations":["b","c"]}`))

	if _, ok := b.Settled("r1"); !ok {
		t.Error("Expected payloads differing only in attestations to match")
	}
	if got := mustScore(t, b, "y"); got != 0 {
		t.Errorf("Expected no mismatch penalty, got score %d", got)
	}
}

func TestSettlementIsImmutable(t *testing.T) {
	b := newTestBroker(t, 1)
	b.Register("x", &fakeHandle{})
	b.Register("y", &fakeHandle{})

	ch := make(chan json.RawMessage, 1)
	b.Broadcast(types.RPCRequest{ID: "r1", Data: json.RawMessage(`{}`)}, ch)
	b.HandleProviderResponse("x", response("r1", "0x1", `{"v":1}`))

	before, ok := b.Settled("r1")
	if !ok {
		t.Fatal("Expected settlement")
	}
	b.HandleProviderResponse("y", response("r1", "0x2", `{"v":2}`))
	after, _ := b.Settled("r1")

	if string(before.Data) != string(after.Data) || before.Result != after.Result {
		t.Error("Expected settlement record to be immutable")
	}
}

// A response delivered after the rendezvous slot is already filled, or
// after the waiter is gone, is a failed delivery: no reward, no optimistic
// entry for that sender.
func TestDeliveryFailureIsNotRewarded(t *testing.T) {
	b := newTestBroker(t, 2)
	b.Register("x", &fakeHandle{})

	// Unbuffered channel with no reader stands in for a departed waiter.
	ch := make(chan json.RawMessage)
	b.Broadcast(types.RPCRequest{ID: "r1", Data: json.RawMessage(`{}`)}, ch)
	b.HandleProviderResponse("x", response("r1", "0x1", `{"v":1}`))

	if got := mustScore(t, b, "x"); got != 0 {
		t.Errorf("Expected no reward on failed delivery, got %d", got)
	}
	// The pending entry stays: a later successful delivery is still
	// possible once the slot frees (client timeout does not cancel it).
	if _, ok := b.optimistic["r1"]; ok {
		t.Error("Expected no optimistic entry after failed delivery")
	}
	if _, ok := b.pending["r1"]; !ok {
		t.Error("Expected pending entry to remain after failed delivery")
	}
}

func TestResponseWithoutPendingIsDropped(t *testing.T) {
	b := newTestBroker(t, 1)
	b.Register("x", &fakeHandle{})

	b.HandleProviderResponse("x", response("r404", "0x1", `{"v":1}`))

	if got := mustScore(t, b, "x"); got != 0 {
		t.Errorf("Expected no reward for unknown request id, got %d", got)
	}
	if _, ok := b.Settled("r404"); ok {
		t.Error("Expected no settlement for unknown request id")
	}
}

func TestUnregisterDoesNotCascade(t *testing.T) {
	b := newTestBroker(t, 2)
	b.Register("x", &fakeHandle{})
	b.Register("y", &fakeHandle{})

	ch := make(chan json.RawMessage, 1)
	b.Broadcast(types.RPCRequest{ID: "r1", Data: json.RawMessage(`{}`)}, ch)
	b.HandleProviderResponse("x", response("r1", "0x1", `{"v":1}`))
	b.Unregister("x")

	// The optimistic entry survives the submitter's disconnect and can
	// still settle; the score entry survives as well.
	b.HandleProviderResponse("y", response("r1", "0x1", `{"v":1}`))
	if _, ok := b.Settled("r1"); !ok {
		t.Error("Expected settlement despite submitter disconnect")
	}
	if got := mustScore(t, b, "x"); got != b.cfg.RewardOptimistic+b.cfg.RewardConsensus {
		t.Errorf("Expected disconnected submitter to keep earned rewards, got %d", got)
	}
}

// Scenario F: the listing omits identities without a resolved address and
// sorts the rest by descending score.
func TestScoreListing(t *testing.T) {
	b := newTestBroker(t, 1)
	for _, id := range []string{"a", "b", "c"} {
		b.Register(id, &fakeHandle{})
	}
	b.Associate("a", "0xaaa")
	b.Associate("b", "0xbbb")
	// c never sends a liveness frame.
	b.Reward("a", 5)
	b.Reward("b", 20)
	b.Reward("c", 50)

	entries := b.Scores()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 listed identities, got %d", len(entries))
	}
	if entries[0].Address != "0xbbb" || entries[0].Score != 20 {
		t.Errorf("Expected 0xbbb/20 first, got %s/%d", entries[0].Address, entries[0].Score)
	}
	if entries[1].Address != "0xaaa" || entries[1].Score != 5 {
		t.Errorf("Expected 0xaaa/5 second, got %s/%d", entries[1].Address, entries[1].Score)
	}
}

func TestAssociateLastWriterWins(t *testing.T) {
	b := newTestBroker(t, 1)
	b.Register("a", &fakeHandle{})
	b.Associate("a", "0xold")
	b.Associate("a", "0xnew")

	entries := b.Scores()
	if len(entries) != 1 || entries[0].Address != "0xnew" {
		t.Errorf("Expected last-writer-wins address 0xnew, got %+v", entries)
	}
}

func TestPayloadsMatch(t *testing.T) {
	cases := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical objects", `{"v":1}`, `{"v":1}`, true},
		{"key order", `{"a":1,"b":2}`, `{"b":2,"a":1}`, true},
		{"different values", `{"v":1}`, `{"v":2}`, false},
		{"attestations excluded", `{"v":1,"attestations":[1]}`, `{"v":1,"attestations":[2,3]}`, true},
		{"scalars", `"ok"`, `"ok"`, true},
		{"scalar mismatch", `1`, `2`, false},
		{"arrays", `[1,2]`, `[1,2]`, true},
	}
	for _, tc := range cases {
		if got := payloadsMatch(json.RawMessage(tc.a), json.RawMessage(tc.b)); got != tc.want {
			t.Errorf("%s: payloadsMatch(%s, %s) = %v, want %v", tc.name, tc.a, tc.b, got, tc.want)
		}
	}
}
