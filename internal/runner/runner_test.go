package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/bus"
	"github.com/zulandar/switchboard/internal/compiler"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/flow"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/operator"
	"github.com/zulandar/switchboard/internal/protocol"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/telegraph"
	"github.com/zulandar/switchboard/internal/vm"
)

const (
	testTick    = 5 * time.Millisecond
	testTimeout = 2 * time.Second
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(gdb)
}

// greeter asks for a name, thanks the user and starts over.
func greeter(t *testing.T) vm.Program {
	t.Helper()
	program, err := compiler.Compile(flow.Template{Screens: []flow.Screen{
		{ID: 1, Name: store.StartScreenName, Components: []flow.Component{
			flow.SendMessage{Text: "hi"},
			flow.GetInput{VariableName: "name"},
			flow.SendMessage{Text: "got it"},
		}},
	}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return program
}

// fakePool is an OperatorPool that never has operators.
type fakePool struct {
	mu        sync.Mutex
	updateErr error
	closed    bool
}

func (p *fakePool) Update(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updateErr
}

func (p *fakePool) Acquire(context.Context) (vm.Conversation, bool, error) {
	return nil, false, nil
}

func (p *fakePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type running struct {
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, b *Bot) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(testTimeout):
		}
	})
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for Run to return")
	}
	return nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(testTick)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func texts(msgs []telegraph.OutboundMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestNewBot_Validation(t *testing.T) {
	st := testStore(t)
	program := greeter(t)
	adapter := telegraph.NewMockAdapter()

	tests := []struct {
		name string
		opts BotOpts
		want string
	}{
		{"no name", BotOpts{Program: program, Adapter: adapter, Chats: st}, "name is required"},
		{"no adapter", BotOpts{Name: "b", Program: program, Chats: st}, "adapter is required"},
		{"no chats", BotOpts{Name: "b", Program: program, Adapter: adapter}, "chats is required"},
		{"empty program", BotOpts{Name: "b", Adapter: adapter, Chats: st}, "program is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBot(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRun_ConversesAndRecordsChats(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	rec, err := st.CreateBot(ctx, "greeter")
	if err != nil {
		t.Fatal(err)
	}
	adapter := telegraph.NewMockAdapter()
	b, err := NewBot(BotOpts{Name: "greeter", BotID: rec.ID, Program: greeter(t), Adapter: adapter, Chats: st, TickInterval: testTick})
	if err != nil {
		t.Fatal(err)
	}
	start(t, b)

	adapter.SimulateInbound(telegraph.InboundMessage{ChatID: "c1", UserID: "u1", Text: "/start"})
	if !adapter.WaitForSent(1, testTimeout) {
		t.Fatal("no greeting")
	}
	adapter.SimulateInbound(telegraph.InboundMessage{ChatID: "c1", UserID: "u1", Text: "bob"})
	if !adapter.WaitForSent(3, testTimeout) {
		t.Fatalf("sent = %d, want %d", adapter.SentCount(), 3)
	}

	got := adapter.AllSent()
	if want := []string{"hi", "got it", "hi"}; !reflect.DeepEqual(texts(got), want) {
		t.Errorf("sent = %q, want %q", texts(got), want)
	}
	for _, m := range got {
		if m.ChatID != "c1" {
			t.Errorf("ChatID = %q, want c1", m.ChatID)
		}
	}
	if name := b.Machine().Vars("c1")["name"]; name != "bob" {
		t.Errorf("name = %q, want bob", name)
	}

	chats, err := st.Chats(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ChatID != "c1" || chats[0].Platform != "mock" {
		t.Errorf("chats = %+v", chats)
	}
}

func TestRun_SkipsSelfMessages(t *testing.T) {
	st := testStore(t)
	adapter := telegraph.NewMockAdapter()
	adapter.SetBotUserID("B1")
	b, err := NewBot(BotOpts{Name: "greeter", Program: greeter(t), Adapter: adapter, Chats: st, TickInterval: testTick})
	if err != nil {
		t.Fatal(err)
	}
	start(t, b)

	adapter.SimulateInbound(telegraph.InboundMessage{ChatID: "self", UserID: "B1", Text: "echo"})
	adapter.SimulateInbound(telegraph.InboundMessage{ChatID: "c2", UserID: "u2", Text: "/start"})
	if !adapter.WaitForSent(1, testTimeout) {
		t.Fatal("no greeting")
	}
	if chats := b.Machine().Chats(); !reflect.DeepEqual(chats, []string{"c2"}) {
		t.Errorf("chats = %v, want [c2]", chats)
	}
}

func TestRun_StopsOnCancelAndClosesResources(t *testing.T) {
	adapter := telegraph.NewMockAdapter()
	pool := &fakePool{}
	b, err := NewBot(BotOpts{Name: "b", Program: greeter(t), Operators: pool, Adapter: adapter, Chats: testStore(t), TickInterval: testTick})
	if err != nil {
		t.Fatal(err)
	}
	r := start(t, b)
	time.Sleep(2 * testTick)
	r.cancel()
	if err := r.wait(t); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if err := adapter.Connect(context.Background()); err == nil {
		t.Error("adapter was not closed")
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if !pool.closed {
		t.Error("operator pool was not closed")
	}
}

func TestRun_ReturnsWhenInboundCloses(t *testing.T) {
	adapter := telegraph.NewMockAdapter()
	b, err := NewBot(BotOpts{Name: "b", Program: greeter(t), Adapter: adapter, Chats: testStore(t), TickInterval: testTick})
	if err != nil {
		t.Fatal(err)
	}
	r := start(t, b)
	eventually(t, "connect", adapter.Connected)
	adapter.Close()
	if err := r.wait(t); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
}

func TestRun_ConnectError(t *testing.T) {
	adapter := telegraph.NewMockAdapter()
	adapter.Close()
	b, err := NewBot(BotOpts{Name: "b", Program: greeter(t), Adapter: adapter, Chats: testStore(t)})
	if err != nil {
		t.Fatal(err)
	}
	err = b.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connect") {
		t.Fatalf("Run = %v, want connect error", err)
	}
}

func TestRun_PoolFailureIsFatal(t *testing.T) {
	boom := errors.New("bus down")
	pool := &fakePool{updateErr: boom}
	b, err := NewBot(BotOpts{Name: "b", Program: greeter(t), Operators: pool, Adapter: telegraph.NewMockAdapter(), Chats: testStore(t), TickInterval: testTick})
	if err != nil {
		t.Fatal(err)
	}
	r := start(t, b)
	if err := r.wait(t); !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want %v", err, boom)
	}
}

// brokenConversation accepts a handoff but can never deliver to the operator.
type brokenConversation struct{ sendErr error }

func (c *brokenConversation) Stopped() bool                                     { return false }
func (c *brokenConversation) SendMessage(context.Context, string) error         { return c.sendErr }
func (c *brokenConversation) ReceiveMessages(context.Context) ([]string, error) { return nil, nil }
func (c *brokenConversation) Stop(context.Context) error                        { return nil }

// handoffPool hands out conv to every Acquire.
type handoffPool struct{ conv vm.Conversation }

func (p *handoffPool) Update(context.Context) error { return nil }

func (p *handoffPool) Acquire(context.Context) (vm.Conversation, bool, error) {
	return p.conv, true, nil
}

func TestRun_SendTransportFailureIsFatal(t *testing.T) {
	program, err := compiler.Compile(flow.Template{Screens: []flow.Screen{
		{ID: 1, Name: store.StartScreenName, Components: []flow.Component{
			flow.NewDialog("start", "stop", "fail"),
		}},
	}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	down := bus.Transport(errors.New("bus down"))
	pool := &handoffPool{conv: &brokenConversation{sendErr: fmt.Errorf("bus: send messageToOperator: %w", down)}}
	adapter := telegraph.NewMockAdapter()
	b, err := NewBot(BotOpts{Name: "b", Program: program, Operators: pool, Adapter: adapter, Chats: testStore(t), TickInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	r := start(t, b)

	adapter.SimulateInbound(telegraph.InboundMessage{ChatID: "c1", UserID: "u1", Text: "/start"})
	if !adapter.WaitForSent(1, testTimeout) {
		t.Fatal("dialog did not start")
	}
	adapter.SimulateInbound(telegraph.InboundMessage{ChatID: "c1", UserID: "u1", Text: "hello"})
	if err := r.wait(t); !errors.Is(err, bus.ErrTransport) {
		t.Fatalf("Run = %v, want bus.ErrTransport", err)
	}
}

func TestRun_VMErrorIsNotFatal(t *testing.T) {
	program, err := compiler.Compile(flow.Template{Screens: []flow.Screen{
		{ID: 1, Name: store.StartScreenName, Components: []flow.Component{
			flow.NewDialog("start", "stop", "fail"),
			flow.GetInput{VariableName: "x"},
		}},
	}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	pool := &handoffPool{conv: &brokenConversation{sendErr: errors.New("rejected")}}
	adapter := telegraph.NewMockAdapter()
	b, err := NewBot(BotOpts{Name: "b", Program: program, Operators: pool, Adapter: adapter, Chats: testStore(t), TickInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	r := start(t, b)

	adapter.SimulateInbound(telegraph.InboundMessage{ChatID: "c1", UserID: "u1", Text: "/start"})
	adapter.SimulateInbound(telegraph.InboundMessage{ChatID: "c1", UserID: "u1", Text: "hello"})
	adapter.SimulateInbound(telegraph.InboundMessage{ChatID: "c2", UserID: "u2", Text: "/start"})
	if !adapter.WaitForSent(2, testTimeout) {
		t.Fatalf("sent = %d, want 2", adapter.SentCount())
	}
	select {
	case err := <-r.done:
		t.Fatalf("Run returned %v", err)
	default:
	}
}

func TestRun_InvalidBroadcastCron(t *testing.T) {
	b, err := NewBot(BotOpts{
		Name:       "b",
		Program:    greeter(t),
		Adapter:    telegraph.NewMockAdapter(),
		Chats:      testStore(t),
		Broadcasts: []config.BroadcastConfig{{Cron: "not a cron", Text: "news"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = b.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broadcast 0") {
		t.Fatalf("Run = %v, want broadcast error", err)
	}
}

func TestMailAll(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	rec, err := st.CreateBot(ctx, "news")
	if err != nil {
		t.Fatal(err)
	}
	for _, chat := range []string{"c1", "c2"} {
		if err := st.AddChat(ctx, rec.ID, chat, "mock"); err != nil {
			t.Fatal(err)
		}
	}
	adapter := telegraph.NewMockAdapter()
	if err := adapter.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	b, err := NewBot(BotOpts{Name: "news", BotID: rec.ID, Program: greeter(t), Adapter: adapter, Chats: st})
	if err != nil {
		t.Fatal(err)
	}

	n, err := b.MailAll(ctx, "extra extra")
	if err != nil || n != 2 {
		t.Fatalf("MailAll = %d, %v; want 2, nil", n, err)
	}
	sent := adapter.AllSent()
	if sent[0].ChatID != "c1" || sent[1].ChatID != "c2" || sent[1].Text != "extra extra" {
		t.Errorf("sent = %+v", sent)
	}

	adapter.SetSendError(errors.New("offline"))
	n, err = b.MailAll(ctx, "again")
	if err == nil || n != 0 {
		t.Fatalf("MailAll = %d, %v; want 0 and an error", n, err)
	}
	if !strings.Contains(err.Error(), "chat c1") || !strings.Contains(err.Error(), "chat c2") {
		t.Errorf("err = %v, want both chats named", err)
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	b := bus.NewMemoryBus(bus.MemoryBusOpts{})
	defer b.Close()

	if _, err := st.CreateBot(ctx, "empty"); err != nil {
		t.Fatal(err)
	}
	_, err := Load(ctx, LoadOpts{Store: st, Bus: b, Config: config.BotConfig{Name: "empty"}, Adapter: telegraph.NewMockAdapter()})
	if err == nil || !strings.Contains(err.Error(), "no template") {
		t.Errorf("Load(empty) = %v, want no template", err)
	}

	_, err = Load(ctx, LoadOpts{Store: st, Bus: b, Config: config.BotConfig{Name: "missing"}, Adapter: telegraph.NewMockAdapter()})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Load(missing) = %v, want ErrNotFound", err)
	}

	// A bare template is its empty start screen looping on itself.
	tmpl, err := st.CreateTemplate(ctx, "bare")
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := st.CreateBot(ctx, "bare")
	if err := st.SetTemplate(ctx, rec.ID, tmpl.ID); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(ctx, LoadOpts{Store: st, Bus: b, Config: config.BotConfig{Name: "bare"}, Adapter: telegraph.NewMockAdapter()})
	if err != nil {
		t.Fatalf("Load(bare) = %v", err)
	}
	if got := loaded.Machine().Program().Listing(); got != "0000 forward 0\n" {
		t.Errorf("listing = %q", got)
	}
}

// TestRegistry_HandoffThroughRunningBot drives a loaded bot through a full
// operator dialog with the operator side on the bot's bus namespace.
func TestRegistry_HandoffThroughRunningBot(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	alice, err := st.CreateOperator(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	tmpl, err := st.CreateTemplate(ctx, "support")
	if err != nil {
		t.Fatal(err)
	}
	screen := tmpl.Screens[0].ID
	for _, c := range []flow.Component{
		flow.OperatorDialog{StartMessage: "connected", StopMessage: "bye", FailMessage: "nobody"},
		flow.GetInput{VariableName: "after"},
	} {
		if _, err := st.AddComponent(ctx, screen, c); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := st.CreateBot(ctx, "helpdesk")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetTemplate(ctx, rec.ID, tmpl.ID); err != nil {
		t.Fatal(err)
	}
	if err := st.AddOperator(ctx, rec.ID, alice.ID); err != nil {
		t.Fatal(err)
	}

	shared := bus.NewMemoryBus(bus.MemoryBusOpts{})
	defer shared.Close()
	adapter := telegraph.NewMockAdapter()
	bot, err := Load(ctx, LoadOpts{
		Store:   st,
		Bus:     shared,
		Config:  config.BotConfig{Name: "helpdesk", TickInterval: testTick},
		Adapter: adapter,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ops, err := operator.NewDispatcher(ctx, operator.DispatcherOpts{Bus: bus.Namespace(shared, "helpdesk")})
	if err != nil {
		t.Fatal(err)
	}
	defer ops.Close(ctx)

	reg := NewRegistry(nil)
	if err := reg.Start(ctx, bot); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := reg.Start(ctx, bot); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if names := reg.Names(); !reflect.DeepEqual(names, []string{"helpdesk"}) {
		t.Errorf("Names = %v", names)
	}

	session, err := ops.GetInterface(ctx, alice.Token)
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "access granted", func() bool {
		ops.Update(ctx)
		status, ok := session.Status()
		return ok && status == protocol.StatusAccessGranted
	})

	adapter.SimulateInbound(telegraph.InboundMessage{ChatID: "u1", UserID: "u1", Text: "/start"})
	if !adapter.WaitForSent(1, testTimeout) {
		t.Fatal("no start message")
	}
	eventually(t, "conversation started", func() bool {
		ops.Update(ctx)
		return session.InConversation()
	})

	adapter.SimulateInbound(telegraph.InboundMessage{ChatID: "u1", UserID: "u1", Text: "question"})
	var received []string
	eventually(t, "message to operator", func() bool {
		ops.Update(ctx)
		msgs, _ := session.ReceiveMessages()
		received = append(received, msgs...)
		return len(received) > 0
	})
	if !reflect.DeepEqual(received, []string{"question"}) {
		t.Errorf("operator received %q", received)
	}

	if err := session.SendMessage(ctx, "answer"); err != nil {
		t.Fatal(err)
	}
	if !adapter.WaitForSent(2, testTimeout) {
		t.Fatal("answer not relayed")
	}

	adapter.SimulateInbound(telegraph.InboundMessage{ChatID: "u1", UserID: "u1", Text: vm.StopCommand})
	if !adapter.WaitForSent(3, testTimeout) {
		t.Fatal("no stop message")
	}
	if got, want := texts(adapter.AllSent()), []string{"connected", "answer", "bye"}; !reflect.DeepEqual(got, want) {
		t.Errorf("user saw %q, want %q", got, want)
	}

	if err := reg.Stop("helpdesk"); err != nil {
		t.Errorf("Stop = %v", err)
	}
	if reg.Running("helpdesk") {
		t.Error("bot still running after Stop")
	}
	if err := reg.Stop("helpdesk"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Stop = %v, want ErrNotRunning", err)
	}

	convs, err := st.ListConversations(ctx, alice.ID)
	if err != nil || len(convs) != 1 {
		t.Fatalf("conversations = %+v, %v", convs, err)
	}
	transcript, _ := st.Messages(ctx, convs[0].ID)
	if len(transcript) != 2 ||
		transcript[0].Direction != models.DirectionToOperator ||
		transcript[1].Direction != models.DirectionToUser {
		t.Errorf("transcript = %+v", transcript)
	}
}

func TestRegistry_WaitJoinsErrors(t *testing.T) {
	boom := errors.New("bus down")
	reg := NewRegistry(nil)
	for _, name := range []string{"a", "b"} {
		b, err := NewBot(BotOpts{
			Name:         name,
			Program:      greeter(t),
			Operators:    &fakePool{updateErr: boom},
			Adapter:      telegraph.NewMockAdapter(),
			Chats:        testStore(t),
			TickInterval: testTick,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := reg.Start(context.Background(), b); err != nil {
			t.Fatal(err)
		}
	}
	err := reg.Wait()
	if !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want %v", err, boom)
	}
	if names := reg.Names(); len(names) != 0 {
		t.Errorf("Names after exit = %v", names)
	}
	if _, ok := reg.Bot("a"); !ok {
		t.Error("finished bot should still be known until stopped")
	}
}

type countingPruner struct {
	mu    sync.Mutex
	calls int
}

func (p *countingPruner) Prune(context.Context, time.Duration) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return 1, nil
}

func TestStartPruning_Validation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		opts PruneOpts
	}{
		{"no bus", PruneOpts{Retention: time.Hour, Cron: "* * * * *"}},
		{"no retention", PruneOpts{Bus: &countingPruner{}, Cron: "* * * * *"}},
		{"bad cron", PruneOpts{Bus: &countingPruner{}, Retention: time.Hour, Cron: "@every"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := StartPruning(ctx, tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}

	stop, err := StartPruning(ctx, PruneOpts{Bus: &countingPruner{}, Retention: time.Hour, Cron: "*/5 * * * *"})
	if err != nil {
		t.Fatal(err)
	}
	stop()
}

func TestPrune_DeletesOldBusRows(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	b, err := bus.NewDBBus(bus.DBBusOpts{DB: st.DB()})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, protocol.TopicDisconnected, []byte(`{"operator_token":"x"}`)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	prune(ctx, b, time.Millisecond, slog.Default())

	var count int64
	if err := st.DB().Model(&models.BusMessage{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("bus rows = %d, want 0", count)
	}
}
