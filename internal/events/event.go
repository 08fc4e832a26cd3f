// Package events defines the messages the sorter publishes to its
// observers and the hub that fans them out.
package events

import (
	"sync"
	"time"
)

// Type names an event on the wire.
type Type string

const (
	CameraFrameEvent       Type = "camera_frame"
	KnownObjectUpdateEvent Type = "known_object_update"
	BinStateUpdateEvent    Type = "bin_state_update"
	FeederStatusEvent      Type = "feeder_status"
	SequencerStateEvent    Type = "sequencer_state"
)

// Event is one fire-and-forget notification.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Sink receives events. Implementations must not block the caller.
type Sink interface {
	Broadcast(ev Event)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Broadcast(Event) {}

// CameraFramePayload carries one JPEG frame.
type CameraFramePayload struct {
	Camera string `json:"camera"`
	Image  []byte `json:"image"`
}

// BinRef addresses a bin in an event payload.
type BinRef struct {
	DistributionModule int `json:"distribution_module"`
	Bin                int `json:"bin"`
}

// KnownObjectPayload reports progress on the object being sorted. Fields
// are omitted until known.
type KnownObjectPayload struct {
	UUID             string  `json:"uuid"`
	TrackID          *int64  `json:"track_id,omitempty"`
	Image            []byte  `json:"image,omitempty"`
	ClassificationID *string `json:"classification_id,omitempty"`
	CategoryID       *string `json:"category_id,omitempty"`
	BinCoordinates   *BinRef `json:"bin_coordinates,omitempty"`
}

// BinStatePayload is the full bin assignment map.
type BinStatePayload struct {
	ID       string             `json:"id,omitempty"`
	Contents map[string]*string `json:"contents"`
}

// FeederStatusPayload reports the derived feeder state.
type FeederStatusPayload struct {
	State string `json:"state"`
}

// SequencerStatePayload reports a state machine transition.
type SequencerStatePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func CameraFrame(at time.Time, camera string, jpeg []byte) Event {
	return Event{Type: CameraFrameEvent, Timestamp: at, Payload: CameraFramePayload{Camera: camera, Image: jpeg}}
}

func KnownObjectUpdate(at time.Time, p KnownObjectPayload) Event {
	return Event{Type: KnownObjectUpdateEvent, Timestamp: at, Payload: p}
}

// BinStateUpdate copies contents so later ledger mutations cannot leak into
// an event still in flight.
func BinStateUpdate(at time.Time, id string, contents map[string]*string) Event {
	cp := make(map[string]*string, len(contents))
	for k, v := range contents {
		if v != nil {
			s := *v
			v = &s
		}
		cp[k] = v
	}
	return Event{Type: BinStateUpdateEvent, Timestamp: at, Payload: BinStatePayload{ID: id, Contents: cp}}
}

func FeederStatus(at time.Time, state string) Event {
	return Event{Type: FeederStatusEvent, Timestamp: at, Payload: FeederStatusPayload{State: state}}
}

func SequencerState(at time.Time, from, to string) Event {
	return Event{Type: SequencerStateEvent, Timestamp: at, Payload: SequencerStatePayload{From: from, To: to}}
}

// Recorder is a Sink that keeps events in memory, for tests and replay.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Broadcast(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
