package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/sofa/internal/certs"
	"github.com/zsiec/sofa/internal/conference"
	"github.com/zsiec/sofa/internal/config"
	"github.com/zsiec/sofa/internal/engine/enginetest"
	"github.com/zsiec/sofa/internal/hub"
	"github.com/zsiec/sofa/internal/room"
	"github.com/zsiec/sofa/internal/track"
	"github.com/zsiec/sofa/internal/transport"
	"github.com/zsiec/sofa/internal/videometa"
	"github.com/zsiec/sofa/internal/worker"
)

func newTestServer(t *testing.T) (*Server, *conference.Service, *hub.Hub) {
	t.Helper()
	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	pool, err := worker.NewPool(context.Background(), enginetest.New(), 1, nil)
	if err != nil {
		t.Fatalf("worker.NewPool: %v", err)
	}
	producers, consumers := track.NewProducers(nil), track.NewConsumers(nil)
	h := hub.New(nil)
	svc := conference.New(conference.Deps{
		Rooms:       room.NewRegistry(pool, time.Second, nil),
		Transports:  transport.NewManager(producers, consumers, time.Second, nil),
		Producers:   producers,
		Consumers:   consumers,
		Resolver:    videometa.NewResolver(videometa.Config{}),
		Broadcaster: h,
		Limits:      config.Default().Rooms,
	})
	h.SetService(svc)

	srv, err := NewServer(ServerConfig{
		Addr:    ":0",
		Cert:    cert,
		Service: svc,
		Sockets: h,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, svc, h
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) hub.Result {
	t.Helper()
	var res hub.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return res
}

func post(handler http.Handler, path, sessionID, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(HeaderSocketID, sessionID)
	}
	if key != "" {
		req.Header.Set(HeaderUserKey, key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	_, svc, _ := newTestServer(t)

	tests := []struct {
		name string
		cfg  ServerConfig
	}{
		{"missing cert", ServerConfig{Addr: ":0", Service: svc}},
		{"missing addr", ServerConfig{Cert: cert, Service: svc}},
		{"missing service", ServerConfig{Addr: ":0", Cert: cert}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewServer(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHandleListRoomsEmpty(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/rooms", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q, want *", got)
	}
}

func TestHandleCertHash(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/cert-hash", nil)
	rec := httptest.NewRecorder()
	srv.H3Handler().ServeHTTP(rec, req)

	var resp certHashResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Hash != srv.config.Cert.FingerprintBase64() {
		t.Errorf("hash = %q, want %q", resp.Hash, srv.config.Cert.FingerprintBase64())
	}
	if !resp.SelfSigned {
		t.Error("generated cert should be reported self-signed")
	}
}

func TestHandleOptions(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/room/join", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, HeaderUserKey) {
		t.Errorf("allowed headers %q missing %s", got, HeaderUserKey)
	}
}

func TestOperationRequiresSession(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	rec := post(srv.Handler(), "/api/room/join", "", "", `{"roomId":"lobby","username":"alice"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	res := decode(t, rec)
	if res.OK || res.Error != "No socket-id header in request" {
		t.Errorf("got %+v", res)
	}
}

func TestOperationFlow(t *testing.T) {
	t.Parallel()
	srv, svc, _ := newTestServer(t)
	handler := srv.Handler()
	svc.Connect("s1")

	rec := post(handler, "/api/room/join", "s1", "", `{"roomId":"lobby","username":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("join status = %d, body %s", rec.Code, rec.Body)
	}
	var joined struct {
		OK   bool                    `json:"ok"`
		Data conference.JoinResponse `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&joined); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !joined.OK || joined.Data.Key == "" {
		t.Fatalf("join failed: %+v", joined)
	}

	// once a key is issued it is required
	rec = post(handler, "/api/chat/message", "s1", "", `{"text":"hi"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	rec = post(handler, "/api/chat/message", "s1", "wrong", `{"text":"hi"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	rec = post(handler, "/api/chat/message", "s1", joined.Data.Key, `{"text":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	rec = post(handler, "/api/transport/create", "s1", joined.Data.Key, `{"type":"sideways","roomId":"lobby"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = post(handler, "/api/no/such", "s1", joined.Data.Key, `{}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	req := httptest.NewRequest("GET", "/api/rooms", nil)
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, req)
	var rooms []conference.RoomInfo
	if err := json.NewDecoder(listRec.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != "lobby" || rooms[0].Participants != 1 {
		t.Errorf("rooms = %+v", rooms)
	}
}

func TestWebsocketSession(t *testing.T) {
	t.Parallel()
	srv, svc, h := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello struct {
		Event string            `json:"event"`
		Data  map[string]string `json:"data"`
	}
	if err := ws.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	id := hello.Data["id"]
	if _, ok := svc.Session(id); !ok {
		t.Fatalf("session %q not registered", id)
	}

	data, _ := json.Marshal(map[string]string{"roomId": "lobby", "username": "alice"})
	if err := ws.WriteJSON(hub.Request{Event: "room/join", ID: 1, Data: data}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// the join broadcasts reach the joiner too; read until the reply
	for {
		var msg struct {
			Event string `json:"event"`
			OK    bool   `json:"ok"`
		}
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Event == "room/join" {
			if !msg.OK {
				t.Fatal("join over websocket failed")
			}
			break
		}
	}

	ws.Close()
	deadline := time.Now().Add(5 * time.Second)
	for h.Len() > 0 || len(svc.Rooms()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("closing the socket should disconnect the session and close the room")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebsocketBufferSignalsKeepOrder(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	type message struct {
		Event string          `json:"event"`
		ID    uint64          `json:"id"`
		OK    bool            `json:"ok"`
		Error string          `json:"error"`
		Data  json.RawMessage `json:"data"`
	}
	var (
		nextID   uint64
		streamID string
		signals  []bool
	)
	// call sends a request and reads until its reply, recording the
	// player's buffer broadcasts on the way.
	call := func(event string, data any) message {
		t.Helper()
		nextID++
		b, _ := json.Marshal(data)
		if err := ws.WriteJSON(hub.Request{Event: event, ID: nextID, Data: b}); err != nil {
			t.Fatalf("write %s: %v", event, err)
		}
		for {
			_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			var msg message
			if err := ws.ReadJSON(&msg); err != nil {
				t.Fatalf("read: %v", err)
			}
			switch {
			case msg.Event == event && msg.ID == nextID:
				if !msg.OK {
					t.Fatalf("%s failed: %s", event, msg.Error)
				}
				return msg
			case msg.ID == 0 && msg.Event == "external/create":
				var snap struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(msg.Data, &snap); err == nil && snap.ID != "" {
					streamID = snap.ID
				}
			case streamID != "" && msg.Event == "video/buffer/"+streamID:
				var p struct {
					IsBuffering bool `json:"isBuffering"`
				}
				if err := json.Unmarshal(msg.Data, &p); err != nil {
					t.Fatalf("buffer payload: %v", err)
				}
				signals = append(signals, p.IsBuffering)
			}
		}
	}

	call("room/join", map[string]string{"roomId": "lobby", "username": "alice"})
	call("external/create", map[string]string{"videoUrl": "https://example.com/v.mp4"})
	if streamID == "" {
		t.Fatal("no external/create broadcast")
	}
	call("video/buffer", map[string]any{"id": streamID, "isBuffering": false})

	// Fire each pair back to back; the replies are read afterwards.
	const rounds = 50
	for range rounds {
		for _, buffering := range []bool{true, false} {
			nextID++
			b, _ := json.Marshal(map[string]any{"id": streamID, "isBuffering": buffering})
			if err := ws.WriteJSON(hub.Request{Event: "video/buffer", ID: nextID, Data: b}); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
	}
	call("video/play", map[string]string{"id": streamID})

	if len(signals) != 2*rounds+1 {
		t.Fatalf("got %d buffer broadcasts, want %d", len(signals), 2*rounds+1)
	}
	for i, got := range signals {
		if want := i%2 == 1; got != want {
			t.Fatalf("broadcast %d isBuffering = %v, want %v", i, got, want)
		}
	}
	if signals[len(signals)-1] {
		t.Fatal("barrier left closed after the player reported ready")
	}
}
