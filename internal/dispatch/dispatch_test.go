package dispatch

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/zulandar/switchboard/internal/bus"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/protocol"
	"github.com/zulandar/switchboard/internal/store"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	bus   *bus.MemoryBus
	store *store.Store
	ops   []models.Operator
	d     *Dispatcher
	side  bus.Subscription // operator-side view of replies
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	gdb, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(gdb)
	var ops []models.Operator
	for _, name := range names {
		op, err := st.CreateOperator(ctx, name)
		if err != nil {
			t.Fatalf("CreateOperator: %v", err)
		}
		ops = append(ops, *op)
	}

	b := bus.NewMemoryBus(bus.MemoryBusOpts{})
	side, err := b.Subscribe(ctx, protocol.OperatorTopics...)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	d, err := New(ctx, Opts{
		Bus:         b,
		Roster:      ops,
		Transcripts: st,
		Rand:        rand.New(rand.NewPCG(1, 2)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{t: t, ctx: ctx, bus: b, store: st, ops: ops, d: d, side: side}
}

func (f *fixture) send(topic string, p protocol.Payload) {
	f.t.Helper()
	if err := bus.Send(f.ctx, f.bus, topic, p); err != nil {
		f.t.Fatalf("Send %s: %v", topic, err)
	}
}

func (f *fixture) update() {
	f.t.Helper()
	if err := f.d.Update(f.ctx); err != nil {
		f.t.Fatalf("Update: %v", err)
	}
}

// replies drains everything the dispatcher published to the operator side.
func (f *fixture) replies() []protocol.Payload {
	f.t.Helper()
	var out []protocol.Payload
	for {
		msg, ok, err := f.side.Poll(f.ctx)
		if err != nil {
			f.t.Fatalf("Poll: %v", err)
		}
		if !ok {
			return out
		}
		p, err := protocol.Decode(msg.Topic, msg.Payload)
		if err != nil {
			f.t.Fatalf("Decode: %v", err)
		}
		out = append(out, p)
	}
}

func (f *fixture) login(op models.Operator) {
	f.t.Helper()
	f.send(protocol.TopicAuthentication, protocol.Authentication{OperatorToken: op.Token, AuthToken: "auth-" + op.Name})
	f.update()
	f.replies()
}

func TestNew_Validation(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Opts{}); err == nil {
		t.Error("expected error without bus")
	}
	b := bus.NewMemoryBus(bus.MemoryBusOpts{})
	if _, err := New(ctx, Opts{Bus: b}); err == nil {
		t.Error("expected error without transcripts")
	}
}

func TestAuthentication_Statuses(t *testing.T) {
	f := newFixture(t, "alice")
	alice := f.ops[0]

	f.send(protocol.TopicAuthentication, protocol.Authentication{OperatorToken: alice.Token, AuthToken: "a1"})
	f.send(protocol.TopicAuthentication, protocol.Authentication{OperatorToken: alice.Token, AuthToken: "a2"})
	f.send(protocol.TopicAuthentication, protocol.Authentication{OperatorToken: "stranger", AuthToken: "a3"})
	f.update()

	want := []protocol.AuthenticationResult{
		{AuthToken: "a1", Status: protocol.StatusAccessGranted},
		{AuthToken: "a2", Status: protocol.StatusAlreadyConnected},
		{AuthToken: "a3", Status: protocol.StatusAccessDenied},
	}
	got := f.replies()
	if len(got) != len(want) {
		t.Fatalf("replies = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reply[%d] = %#v, want %#v", i, got[i], want[i])
		}
	}
	if av := f.d.Available(); len(av) != 1 || av[0] != alice.Token {
		t.Errorf("Available = %v", av)
	}
}

func TestGetConversation_Exclusive(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	for _, op := range f.ops {
		f.login(op)
	}

	seen := make(map[uint]bool)
	for i := 0; i < len(f.ops); i++ {
		conv, ok, err := f.d.GetConversation(f.ctx)
		if err != nil || !ok {
			t.Fatalf("GetConversation #%d = %v, %v", i, ok, err)
		}
		if seen[conv.Operator().ID] {
			t.Fatalf("operator %s matched twice", conv.Operator().Name)
		}
		seen[conv.Operator().ID] = true
	}
	conv, ok, err := f.d.GetConversation(f.ctx)
	if err != nil || ok || conv != nil {
		t.Fatalf("extra GetConversation = %v, %v, %v; want no free operators", conv, ok, err)
	}

	var started int
	for _, p := range f.replies() {
		if _, ok := p.(protocol.OperatorEvent); ok {
			started++
		}
	}
	if started != len(f.ops) {
		t.Errorf("conversationStarted published %d times, want %d", started, len(f.ops))
	}
	if n := len(f.d.Active()); n != len(f.ops) {
		t.Errorf("Active = %d, want %d", n, len(f.ops))
	}
}

func TestGetConversation_NobodyConnected(t *testing.T) {
	f := newFixture(t, "alice")
	if _, ok, err := f.d.GetConversation(f.ctx); ok || err != nil {
		t.Fatalf("GetConversation = %v, %v", ok, err)
	}
	if _, ok, err := f.d.Acquire(f.ctx); ok || err != nil {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}
}

func TestConversation_StopTwice(t *testing.T) {
	f := newFixture(t, "alice")
	f.login(f.ops[0])
	conv, _, _ := f.d.GetConversation(f.ctx)
	f.replies()

	if err := conv.Stop(f.ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := conv.Stop(f.ctx); !errors.Is(err, protocol.ErrConversationStopped) {
		t.Fatalf("second Stop err = %v, want ErrConversationStopped", err)
	}
	if !conv.Stopped() {
		t.Error("conversation should stay stopped")
	}
	if err := conv.SendMessage(f.ctx, "late"); !errors.Is(err, protocol.ErrConversationStopped) {
		t.Errorf("SendMessage after stop err = %v", err)
	}
	if _, err := conv.ReceiveMessages(f.ctx); !errors.Is(err, protocol.ErrConversationStopped) {
		t.Errorf("ReceiveMessages after stop err = %v", err)
	}

	got := f.replies()
	if len(got) != 1 || got[0] != (protocol.OperatorEvent{OperatorToken: f.ops[0].Token}) {
		t.Errorf("replies = %v, want one conversationStoppedByUser", got)
	}

	f.update()
	rec, _ := f.store.GetConversation(f.ctx, conv.ID())
	if !rec.Stopped {
		t.Error("stop not persisted after update")
	}
	if len(f.d.Active()) != 0 {
		t.Error("stopped conversation not evicted")
	}
	// Operator is idle again.
	if _, ok, _ := f.d.GetConversation(f.ctx); !ok {
		t.Error("operator should be matchable after stop")
	}
}

func TestDisconnect_StopsConversation(t *testing.T) {
	f := newFixture(t, "alice")
	alice := f.ops[0]
	f.login(alice)
	conv, _, _ := f.d.GetConversation(f.ctx)

	f.send(protocol.TopicDisconnected, protocol.OperatorEvent{OperatorToken: alice.Token})
	f.update()

	if !conv.Stopped() {
		t.Fatal("conversation should be stopped after disconnect")
	}
	if _, ok, _ := f.d.GetConversation(f.ctx); ok {
		t.Fatal("disconnected operator should not be matchable")
	}

	f.login(alice)
	if _, ok, _ := f.d.GetConversation(f.ctx); !ok {
		t.Fatal("operator should be matchable after fresh grant")
	}
}

func TestRelay_BothDirections(t *testing.T) {
	f := newFixture(t, "alice")
	alice := f.ops[0]
	f.login(alice)
	conv, _, _ := f.d.GetConversation(f.ctx)
	f.replies()

	if err := conv.SendMessage(f.ctx, "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	got := f.replies()
	if len(got) != 1 || got[0] != (protocol.Text{OperatorToken: alice.Token, Text: "hello"}) {
		t.Errorf("relayed = %v", got)
	}

	f.send(protocol.TopicMessageToUser, protocol.Text{OperatorToken: alice.Token, Text: "hi"})
	f.send(protocol.TopicMessageToUser, protocol.Text{OperatorToken: "stranger", Text: "spam"})
	f.update()

	msgs, err := conv.ReceiveMessages(f.ctx)
	if err != nil {
		t.Fatalf("ReceiveMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0] != "hi" {
		t.Errorf("received = %v", msgs)
	}
	if again, _ := conv.ReceiveMessages(f.ctx); len(again) != 0 {
		t.Errorf("buffer not cleared: %v", again)
	}

	transcript, _ := f.store.Messages(f.ctx, conv.ID())
	if len(transcript) != 2 ||
		transcript[0].Direction != models.DirectionToOperator || transcript[0].Text != "hello" ||
		transcript[1].Direction != models.DirectionToUser || transcript[1].Text != "hi" {
		t.Errorf("transcript = %+v", transcript)
	}
}

func TestStoppedByOperator(t *testing.T) {
	f := newFixture(t, "alice")
	alice := f.ops[0]
	f.login(alice)
	conv, _, _ := f.d.GetConversation(f.ctx)

	f.send(protocol.TopicConversationStoppedByOperator, protocol.OperatorEvent{OperatorToken: alice.Token})
	f.update()

	if !conv.Stopped() {
		t.Fatal("conversation should be stopped")
	}
	if len(f.d.Active()) != 0 {
		t.Error("stopped conversation not evicted")
	}
	if av := f.d.Available(); len(av) != 1 {
		t.Errorf("operator should remain available, got %v", av)
	}
}

func TestUpdate_DiscardsMalformed(t *testing.T) {
	f := newFixture(t, "alice")
	if err := f.bus.Publish(f.ctx, protocol.TopicAuthentication, []byte("not json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	f.send(protocol.TopicAuthentication, protocol.Authentication{OperatorToken: f.ops[0].Token, AuthToken: "a1"})
	f.update()

	got := f.replies()
	if len(got) != 1 {
		t.Fatalf("replies = %v, want one grant", got)
	}
}

func TestUpdate_BoundedBatch(t *testing.T) {
	f := newFixture(t, "alice")
	f.d.batchSize = 2
	for _, auth := range []string{"a1", "a2", "a3"} {
		f.send(protocol.TopicAuthentication, protocol.Authentication{OperatorToken: "stranger", AuthToken: auth})
	}

	f.update()
	if got := f.replies(); len(got) != 2 {
		t.Errorf("first update replied %d times, want 2", len(got))
	}
	f.update()
	if got := f.replies(); len(got) != 1 {
		t.Errorf("second update replied %d times, want 1", len(got))
	}
}

func TestUpdate_ClosedBusIsFatal(t *testing.T) {
	f := newFixture(t, "alice")
	f.bus.Close()
	err := f.d.Update(f.ctx)
	if !errors.Is(err, bus.ErrClosed) || !errors.Is(err, bus.ErrTransport) {
		t.Errorf("err = %v, want bus.ErrClosed marked as transport failure", err)
	}
}

// flakyTranscripts fails AppendMessage while appendErr is set.
type flakyTranscripts struct {
	*store.Store
	appendErr error
}

func (f *flakyTranscripts) AppendMessage(ctx context.Context, conversationID uint, direction, text string) (*models.Message, error) {
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	return f.Store.AppendMessage(ctx, conversationID, direction, text)
}

func TestReceiveMessages_KeepsMessagesWhenTranscriptFails(t *testing.T) {
	f := newFixture(t, "alice")
	alice := f.ops[0]
	flaky := &flakyTranscripts{Store: f.store}
	f.d.transcripts = flaky
	f.login(alice)
	conv, _, _ := f.d.GetConversation(f.ctx)

	f.send(protocol.TopicMessageToUser, protocol.Text{OperatorToken: alice.Token, Text: "hi"})
	f.send(protocol.TopicMessageToUser, protocol.Text{OperatorToken: alice.Token, Text: "still there?"})
	f.update()

	flaky.appendErr = errors.New("db locked")
	if _, err := conv.ReceiveMessages(f.ctx); err == nil {
		t.Fatal("ReceiveMessages should fail while the transcript is unavailable")
	}

	flaky.appendErr = nil
	msgs, err := conv.ReceiveMessages(f.ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(msgs) != 2 || msgs[0] != "hi" || msgs[1] != "still there?" {
		t.Errorf("retry returned %q", msgs)
	}
	transcript, _ := f.store.Messages(f.ctx, conv.ID())
	if len(transcript) != 2 {
		t.Errorf("transcript has %d messages, want 2: %+v", len(transcript), transcript)
	}
}

// partialTranscripts fails every AppendMessage after the first ok calls.
type partialTranscripts struct {
	*store.Store
	ok int
}

func (p *partialTranscripts) AppendMessage(ctx context.Context, conversationID uint, direction, text string) (*models.Message, error) {
	if p.ok == 0 {
		return nil, errors.New("disk full")
	}
	p.ok--
	return p.Store.AppendMessage(ctx, conversationID, direction, text)
}

func TestReceiveMessages_PartialFailureRecordsOnce(t *testing.T) {
	f := newFixture(t, "alice")
	alice := f.ops[0]
	partial := &partialTranscripts{Store: f.store, ok: 1}
	f.d.transcripts = partial
	f.login(alice)
	conv, _, _ := f.d.GetConversation(f.ctx)

	for _, text := range []string{"one", "two"} {
		f.send(protocol.TopicMessageToUser, protocol.Text{OperatorToken: alice.Token, Text: text})
	}
	f.update()
	if _, err := conv.ReceiveMessages(f.ctx); err == nil {
		t.Fatal("expected failure on the second append")
	}

	partial.ok = 10
	msgs, err := conv.ReceiveMessages(f.ctx)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("retry = %q, %v", msgs, err)
	}
	transcript, _ := f.store.Messages(f.ctx, conv.ID())
	if len(transcript) != 2 || transcript[0].Text != "one" || transcript[1].Text != "two" {
		t.Errorf("transcript = %+v", transcript)
	}
}

func TestSendMessage_PublishFailureIsNotRecorded(t *testing.T) {
	f := newFixture(t, "alice")
	f.login(f.ops[0])
	conv, _, _ := f.d.GetConversation(f.ctx)

	f.bus.Close()
	err := conv.SendMessage(f.ctx, "hello")
	if !errors.Is(err, bus.ErrTransport) {
		t.Fatalf("err = %v, want bus.ErrTransport", err)
	}
	if transcript, _ := f.store.Messages(f.ctx, conv.ID()); len(transcript) != 0 {
		t.Errorf("undelivered message recorded: %+v", transcript)
	}
}

func TestStop_PersistsImmediately(t *testing.T) {
	f := newFixture(t, "alice")
	f.login(f.ops[0])
	conv, _, _ := f.d.GetConversation(f.ctx)

	if err := conv.Stop(f.ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rec, err := f.store.GetConversation(f.ctx, conv.ID())
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Stopped || rec.StoppedAt == nil {
		t.Errorf("conversation record = %+v, want stopped before any Update", rec)
	}
}
