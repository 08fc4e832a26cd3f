package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func recv(t *testing.T, ch <-chan []byte) map[string]interface{} {
	t.Helper()
	select {
	case data, ok := <-ch:
		require.True(t, ok, "subscriber channel closed")
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	return nil
}

func TestHub_DeliversToAllSubscribers(t *testing.T) {
	h := NewHub("test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	a, b := h.Subscribe(), h.Subscribe()
	h.Broadcast(FeederStatus(epoch, "first_feeder_empty"))

	for _, s := range []*Subscriber{a, b} {
		m := recv(t, s.C)
		assert.Equal(t, "feeder_status", m["type"])
		assert.Equal(t, "first_feeder_empty", m["payload"].(map[string]interface{})["state"])
	}
}

func TestHub_SlowSubscriberDroppedNotEvent(t *testing.T) {
	h := NewHub("test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	slow := h.Subscribe()
	fast := h.Subscribe()

	for i := 0; i < subscriberBuffer+5; i++ {
		h.Broadcast(SequencerState(epoch, "a", "b"))
		recv(t, fast.C)
	}

	require.Eventually(t, func() bool { return h.SubscriberCount() == 1 }, 2*time.Second, time.Millisecond)

	n := 0
	for range slow.C {
		n++
	}
	assert.Equal(t, subscriberBuffer, n, "slow subscriber keeps what was buffered, then its channel closes")

	h.Broadcast(SequencerState(epoch, "b", "c"))
	m := recv(t, fast.C)
	assert.Equal(t, "sequencer_state", m["type"])
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	h := NewHub("idle")
	done := make(chan struct{})
	go func() {
		for i := 0; i < inboundBuffer+10; i++ {
			h.Broadcast(FeederStatus(epoch, "x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked with no running hub")
	}
	assert.Equal(t, uint64(10), h.Dropped())
}

func TestHub_RunStopClosesSubscribers(t *testing.T) {
	h := NewHub("test")
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	s := h.Subscribe()
	cancel()
	<-stopped

	_, ok := <-s.C
	assert.False(t, ok)
	_, ok = <-h.Subscribe().C
	assert.False(t, ok, "subscribing to a stopped hub yields a closed channel")
}

func TestHub_ServeWS(t *testing.T) {
	h := NewHub("ws")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.SubscriberCount() == 1 }, 2*time.Second, time.Millisecond)

	label := "3001"
	h.Broadcast(BinStateUpdate(epoch, "snap-1", map[string]*string{"0_0": &label, "0_1": nil}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev struct {
		Type    string          `json:"type"`
		Payload BinStatePayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "bin_state_update", ev.Type)
	assert.Equal(t, "snap-1", ev.Payload.ID)
	require.NotNil(t, ev.Payload.Contents["0_0"])
	assert.Equal(t, "3001", *ev.Payload.Contents["0_0"])
	assert.Nil(t, ev.Payload.Contents["0_1"])

	conn.Close()
	require.Eventually(t, func() bool { return h.SubscriberCount() == 0 }, 2*time.Second, time.Millisecond)
}

func TestBinStateUpdate_CopiesContents(t *testing.T) {
	label := "basic"
	contents := map[string]*string{"0_0": &label}
	ev := BinStateUpdate(epoch, "", contents)
	label = "changed"
	contents["0_1"] = nil

	p := ev.Payload.(BinStatePayload)
	assert.Equal(t, "basic", *p.Contents["0_0"])
	assert.Len(t, p.Contents, 1)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Broadcast(FeederStatus(epoch, "a"))
	r.Broadcast(CameraFrame(epoch, "main", []byte{1}))
	Discard.Broadcast(FeederStatus(epoch, "ignored"))

	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.OfType(CameraFrameEvent), 1)
}

func httpHandler(h *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.ServeWS)
	return mux
}
