package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/efreitasn/ordermatch/internal/domain"
	"github.com/efreitasn/ordermatch/internal/engine"
	"github.com/efreitasn/ordermatch/internal/store"
)

// fakeReader serves a fixed list of messages, then blocks until the
// context is done.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	done      chan struct{}
	want      int
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	for i := range msgs {
		msgs[i].Topic = "commands"
		msgs[i].Offset = int64(i)
	}
	return &fakeReader{msgs: msgs, done: make(chan struct{}), want: len(msgs)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	if len(r.committed) == r.want {
		close(r.done)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

// flakyJournal fails the first n appends.
type flakyJournal struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (j *flakyJournal) Append(domain.Command) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	if j.fails > 0 {
		j.fails--
		return errors.New("disk full")
	}
	return nil
}

func (j *flakyJournal) Replay(string, func(domain.Command) error) error { return nil }

// runIngestor runs an ingestor over reader until every message is
// committed, and fails the test if that takes too long.
func runIngestor(t *testing.T, reader *fakeReader, cmds *CommandService) {
	t.Helper()
	ing := NewIngestor(reader, cmds, zap.NewNop())
	ing.retryBase = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ing.Run(ctx) }()

	select {
	case <-reader.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out; committed %v", reader.offsets())
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("unexpected error from Run: %v", err)
	}
}

func TestIngestor_AppliesAndCommits(t *testing.T) {
	e := newTestEngine(t, nil)
	reader := newFakeReader(
		kafka.Message{Value: []byte(`{"command_id":"d1","command_type":"DEPOSIT","instrument_id":"BTC-USD","payload":{"user_id":"alice","cash":"50.00"}}`)},
		kafka.Message{Value: []byte(`{"command_type":"DEPOSIT","instrument_id":"BTC-USD","payload":{"user_id":"alice","cash":"25.00"}}`)},
	)

	runIngestor(t, reader, NewCommandService(e, nil))

	a, err := e.Account(context.Background(), "BTC-USD", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if a.Cash.Available != 7500 {
		t.Fatalf("expected 7500 ticks available, got %d", a.Cash.Available)
	}
	if got := reader.offsets(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("expected offsets [0 1] committed, got %v", got)
	}
}

func TestIngestor_DropsBadMessages(t *testing.T) {
	e := newTestEngine(t, nil)
	reader := newFakeReader(
		kafka.Message{Value: []byte(`not json`)},
		kafka.Message{Value: []byte(`{"command_id":"x1","command_type":"DEPOSIT","instrument_id":"DOGE-USD","payload":{"user_id":"alice","cash":"1"}}`)},
		kafka.Message{Value: []byte(`{"command_id":"x2","command_type":"DEPOSIT","instrument_id":"BTC-USD","payload":{"user_id":"bad user","cash":"1"}}`)},
		kafka.Message{Value: []byte(`{"command_id":"x3","command_type":"DEPOSIT","instrument_id":"BTC-USD","payload":{"user_id":"bob","cash":"1.00"}}`)},
	)

	runIngestor(t, reader, NewCommandService(e, nil))

	if got := reader.offsets(); len(got) != 4 {
		t.Fatalf("expected every message committed, got %v", got)
	}
	a, err := e.Account(context.Background(), "BTC-USD", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if a.Cash.Available != 100 {
		t.Fatalf("expected the valid deposit applied, got %d", a.Cash.Available)
	}
}

func TestIngestor_RetriesTransientFailures(t *testing.T) {
	journal := &flakyJournal{fails: 2}
	e := engine.New(testInstruments, engine.Options{Journal: journal, Trades: store.NewTradeStore(10), Logger: zap.NewNop()})
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.Wait()
	})

	reader := newFakeReader(
		kafka.Message{Value: []byte(`{"command_id":"d1","command_type":"DEPOSIT","instrument_id":"BTC-USD","payload":{"user_id":"alice","cash":"1.00"}}`)},
	)
	runIngestor(t, reader, NewCommandService(e, nil))

	if journal.calls != 3 {
		t.Fatalf("expected 3 journal attempts, got %d", journal.calls)
	}
	a, err := e.Account(context.Background(), "BTC-USD", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if a.Cash.Available != 100 {
		t.Fatalf("expected the deposit applied once, got %d", a.Cash.Available)
	}
}
