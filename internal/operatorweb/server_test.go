package operatorweb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/bus"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/dispatch"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/operator"
	"github.com/zulandar/switchboard/internal/protocol"
	"github.com/zulandar/switchboard/internal/store"
)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	alice  models.Operator
	bot    *dispatch.Dispatcher
	ops    *operator.Dispatcher
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
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
	alice, err := st.CreateOperator(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	b := bus.NewMemoryBus(bus.MemoryBusOpts{})
	bot, err := dispatch.New(ctx, dispatch.Opts{Bus: b, Roster: []models.Operator{*alice}, Transcripts: st})
	if err != nil {
		t.Fatal(err)
	}
	ops, err := operator.NewDispatcher(ctx, operator.DispatcherOpts{Bus: b})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{t: t, ctx: ctx, alice: *alice, bot: bot, ops: ops, router: NewRouter(ops, 5*time.Millisecond)}
}

// sync runs one update on each side of the bus.
func (f *fixture) sync() {
	f.t.Helper()
	if err := f.bot.Update(f.ctx); err != nil {
		f.t.Fatalf("bot Update: %v", err)
	}
	if err := f.ops.Update(f.ctx); err != nil {
		f.t.Fatalf("operator Update: %v", err)
	}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			f.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func expectCode(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, want, w.Body.String())
	}
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) sessionResponse {
	t.Helper()
	var resp sessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return resp
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	path := "/api/sessions/" + f.alice.Token

	w := f.do(http.MethodPost, "/api/sessions", gin.H{"token": f.alice.Token})
	expectCode(t, w, http.StatusCreated)
	if resp := decodeSession(t, w); resp.Status != statusPending || resp.Token != f.alice.Token {
		t.Errorf("open = %+v", resp)
	}

	// Not answered yet.
	expectCode(t, f.do(http.MethodGet, path+"/messages", nil), http.StatusUnauthorized)
	// Same token twice on one dispatcher.
	expectCode(t, f.do(http.MethodPost, "/api/sessions", gin.H{"token": f.alice.Token}), http.StatusConflict)

	f.sync()
	w = f.do(http.MethodGet, path, nil)
	expectCode(t, w, http.StatusOK)
	if resp := decodeSession(t, w); resp.Status != string(protocol.StatusAccessGranted) || resp.InConversation {
		t.Errorf("status = %+v", resp)
	}
	// Authenticated but idle.
	expectCode(t, f.do(http.MethodGet, path+"/messages", nil), http.StatusGone)

	conv, ok, err := f.bot.GetConversation(f.ctx)
	if err != nil || !ok {
		t.Fatalf("GetConversation = %v, %v", ok, err)
	}
	if err := conv.SendMessage(f.ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	f.sync()
	if resp := decodeSession(t, f.do(http.MethodGet, path, nil)); !resp.InConversation {
		t.Error("session should be in a conversation")
	}

	w = f.do(http.MethodGet, path+"/messages", nil)
	expectCode(t, w, http.StatusOK)
	var got struct {
		Messages []string `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Messages, []string{"hello"}) {
		t.Errorf("messages = %q", got.Messages)
	}
	// Drained.
	w = f.do(http.MethodGet, path+"/messages", nil)
	if strings.TrimSpace(w.Body.String()) != `{"messages":[]}` {
		t.Errorf("second read = %s", w.Body.String())
	}

	expectCode(t, f.do(http.MethodPost, path+"/messages", gin.H{"text": "hi"}), http.StatusNoContent)
	expectCode(t, f.do(http.MethodPost, path+"/messages", gin.H{}), http.StatusBadRequest)
	f.sync()
	reply, err := conv.ReceiveMessages(f.ctx)
	if err != nil || !reflect.DeepEqual(reply, []string{"hi"}) {
		t.Errorf("user received %q, %v", reply, err)
	}

	expectCode(t, f.do(http.MethodPost, path+"/stop", nil), http.StatusNoContent)
	expectCode(t, f.do(http.MethodPost, path+"/stop", nil), http.StatusGone)
	f.sync()
	if !conv.Stopped() {
		t.Error("bot side did not see the operator stop")
	}

	expectCode(t, f.do(http.MethodDelete, path, nil), http.StatusNoContent)
	expectCode(t, f.do(http.MethodGet, path, nil), http.StatusNotFound)
	f.sync()
	if avail := f.bot.Available(); len(avail) != 0 {
		t.Errorf("available after release = %v", avail)
	}
}

func TestUnknownOperatorDenied(t *testing.T) {
	f := newFixture(t)
	expectCode(t, f.do(http.MethodPost, "/api/sessions", gin.H{"token": "stranger"}), http.StatusCreated)
	f.sync()

	w := f.do(http.MethodGet, "/api/sessions/stranger", nil)
	if resp := decodeSession(t, w); resp.Status != string(protocol.StatusAccessDenied) {
		t.Errorf("status = %+v", resp)
	}
	expectCode(t, f.do(http.MethodPost, "/api/sessions/stranger/messages", gin.H{"text": "x"}), http.StatusForbidden)
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)
	expectCode(t, f.do(http.MethodPost, "/api/sessions", gin.H{}), http.StatusBadRequest)
	expectCode(t, f.do(http.MethodGet, "/api/sessions/nobody/messages", nil), http.StatusNotFound)
	expectCode(t, f.do(http.MethodDelete, "/api/sessions/nobody", nil), http.StatusNotFound)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{protocol.ErrNotAuthenticated, http.StatusUnauthorized},
		{protocol.ErrAccessDenied, http.StatusForbidden},
		{protocol.ErrAlreadyConnected, http.StatusConflict},
		{operator.ErrInterfaceOpen, http.StatusConflict},
		{protocol.ErrConversationStopped, http.StatusGone},
		{fmt.Errorf("wrapped: %w", protocol.ErrConversationStopped), http.StatusGone},
		{errors.New("bus down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.err); got != tt.want {
			t.Errorf("httpStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestStart_NilDispatcher(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil || !strings.Contains(err.Error(), "dispatcher is required") {
		t.Fatalf("err = %v, want dispatcher is required", err)
	}
}

type sseRecord struct {
	event string
	data  string
}

// readSSE reads events from r until it ends.
func readSSE(r io.Reader) []sseRecord {
	var out []sseRecord
	var cur sseRecord
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			out = append(out, cur)
			cur = sseRecord{}
		}
	}
	return out
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	path := "/api/sessions/" + f.alice.Token
	expectCode(t, f.do(http.MethodPost, "/api/sessions", gin.H{"token": f.alice.Token}), http.StatusCreated)
	f.sync()

	conv, ok, err := f.bot.GetConversation(f.ctx)
	if err != nil || !ok {
		t.Fatalf("GetConversation = %v, %v", ok, err)
	}
	if err := conv.SendMessage(f.ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	f.sync()

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	resp, err := http.Get(srv.URL + path + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := make(chan []sseRecord, 1)
	go func() { events <- readSSE(resp.Body) }()

	// Give the stream a few polls to deliver the queued message, then
	// release the session to end it.
	time.Sleep(50 * time.Millisecond)
	expectCode(t, f.do(http.MethodDelete, path, nil), http.StatusNoContent)

	var got []sseRecord
	select {
	case got = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after release")
	}

	var names []string
	for _, e := range got {
		names = append(names, e.event)
	}
	if want := []string{"session", "message", "closed"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	if got[1].data != `{"text":"hello"}` {
		t.Errorf("message data = %s", got[1].data)
	}
	if !strings.Contains(got[0].data, `"in_conversation":true`) {
		t.Errorf("session data = %s", got[0].data)
	}
}

func TestEventStream_UnknownSession(t *testing.T) {
	f := newFixture(t)
	expectCode(t, f.do(http.MethodGet, "/api/sessions/nobody/events", nil), http.StatusNotFound)
}
