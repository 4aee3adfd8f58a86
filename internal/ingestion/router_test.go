package ingestion_test

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/event"
	"StakeLedger/internal/ingestion"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

type ackRecorder struct {
	mu     sync.Mutex
	events []string
}

func (a *ackRecorder) hooks(raw ingestion.RawEvent) ingestion.RawEvent {
	raw.AckFunc = func() { a.add("ack") }
	raw.NakFunc = func() { a.add("nak") }
	raw.TermFunc = func() { a.add("term") }
	return raw
}

func (a *ackRecorder) add(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, s)
}

func (a *ackRecorder) get() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func TestRouter_AcksAfterQueueing(t *testing.T) {
	out := make(chan core.Submission, 1)
	rawChan := make(chan ingestion.RawEvent, 2)
	acks := &ackRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ingestion.NewRouter(out, zerolog.Nop()).Run(ctx, rawChan)

	rawChan <- acks.hooks(rawFromJSON(t, "StakeRequested", 0, map[string]interface{}{
		"request_id": reqID, "account": account, "amount": 10, "sequence": 1,
	}))

	select {
	case sub := <-out:
		if _, ok := sub.Event.(*event.StakeRequested); !ok {
			t.Fatalf("got %T", sub.Event)
		}
		if sub.Source != "nats" {
			t.Errorf("source: got %s", sub.Source)
		}
		sub.Reply(errors.New("rejected")) // must not panic or block
	case <-time.After(time.Second):
		t.Fatal("submission not forwarded")
	}

	waitFor(t, func() bool { return len(acks.get()) == 1 })
	if got := acks.get(); got[0] != "ack" {
		t.Errorf("got %v, want ack", got)
	}
}

func TestRouter_TerminatesMalformed(t *testing.T) {
	out := make(chan core.Submission, 1)
	rawChan := make(chan ingestion.RawEvent, 1)
	acks := &ackRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ingestion.NewRouter(out, zerolog.Nop()).Run(ctx, rawChan)

	rawChan <- acks.hooks(rawFromJSON(t, "StakeRequested", 0, map[string]interface{}{"request_id": "bad"}))

	waitFor(t, func() bool { return len(acks.get()) == 1 })
	if got := acks.get(); got[0] != "term" {
		t.Errorf("got %v, want term", got)
	}
	if len(out) != 0 {
		t.Error("malformed command reached the engine")
	}
}

func TestRouter_NaksOnShutdown(t *testing.T) {
	out := make(chan core.Submission) // nobody reads
	rawChan := make(chan ingestion.RawEvent, 1)
	acks := &ackRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ingestion.NewRouter(out, zerolog.Nop()).Run(ctx, rawChan)
		close(done)
	}()

	rawChan <- acks.hooks(rawFromJSON(t, "SlashPayout", event.RoleRelay, map[string]interface{}{"payout_id": reqID, "amount": 1}))
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if got := acks.get(); len(got) != 1 || got[0] != "nak" {
		t.Errorf("got %v, want nak", got)
	}
}

func TestGRPCIngest_WaitsForVerdict(t *testing.T) {
	in := make(chan core.Submission, 1)
	svc := ingestion.NewGRPCIngestService(in)
	verdict := errors.New("queue full")

	go func() {
		sub := <-in
		sub.Reply(verdict)
	}()

	err := svc.Submit(context.Background(), &event.SlashPayout{Amount: 1})
	if !errors.Is(err, verdict) {
		t.Errorf("got %v, want %v", err, verdict)
	}
}

func TestGRPCIngest_ContextCancelled(t *testing.T) {
	svc := ingestion.NewGRPCIngestService(make(chan core.Submission))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := svc.Submit(ctx, &event.SlashPayout{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}

type fakeJetStream struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, data)
	return &jetstream.PubAck{}, nil
}

func (f *fakeJetStream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subjects)
}

func TestRecordPublisher_OneMessagePerRecord(t *testing.T) {
	js := &fakeJetStream{}
	in := make(chan ingestion.PublishableEvent, 1)
	pub := ingestion.NewRecordPublisher(js, in, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	in <- ingestion.PublishableEvent{
		Sequence:  9,
		EventType: "EraSettled",
		Records: []event.Record{
			{Kind: event.RecordExchangeRateUpdated, Value: "1.1"},
			{Kind: event.RecordSettlement, BondAmount: 5},
		},
	}

	waitFor(t, func() bool { return js.count() == 2 })
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.subjects[0] != "stake.records.ExchangeRateUpdated" || js.subjects[1] != "stake.records.Settlement" {
		t.Errorf("subjects: %v", js.subjects)
	}
	var msg struct {
		Sequence int64        `json:"sequence"`
		Index    int          `json:"index"`
		Record   event.Record `json:"record"`
	}
	if err := json.Unmarshal(js.bodies[1], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Sequence != 9 || msg.Index != 1 || msg.Record.BondAmount != 5 {
		t.Errorf("body: %+v", msg)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
