// Package monitor serves the sorter's debug pages under /debug/: a status
// snapshot, conveyor speed charts and raw command injection for servicing.
package monitor

import (
	"embed"
	"html/template"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/sorter/internal/bins"
	"github.com/banshee-data/sorter/internal/encoder"
	"github.com/banshee-data/sorter/internal/hardware"
	"github.com/banshee-data/sorter/internal/sequencer"
	"github.com/banshee-data/sorter/internal/vision"
)

//go:embed templates/*
var templateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(templateFS, "templates/send-command.html.tmpl"))

type SequencerSource interface {
	State() sequencer.StateKind
	Ticks() uint64
	Pending() (sequencer.KnownObject, bool)
}

type QueueSource interface {
	QueueDepth() int
	Stats() (sent, failed uint64)
}

// SpeedSource is the encoder tracker.
type SpeedSource interface {
	ShortSpeed() (float64, bool)
	LongSpeed() (float64, bool)
	Windows() (short, long []float64)
	History() []encoder.Sample
	Missed() uint64
}

// SceneSource is the trajectory tracker.
type SceneSource interface {
	ConveyorVelocity() (float64, bool)
	Len() int
	Anomalies() int
}

type BinSource interface {
	TrySnapshot() (bins.State, bool)
}

type CameraSource interface {
	TryStatus() (vision.PollerStatus, bool)
}

// Deps are the components the debug pages read from. Any of them may be nil.
type Deps struct {
	Sequencer SequencerSource
	Queue     QueueSource
	Speed     SpeedSource
	Scene     SceneSource
	Bins      BinSource
	Cameras   []CameraSource
	Commander hardware.Commander
}

// AttachAdminRoutes mounts the debug pages on mux. These routes are meant
// for localhost or tailnet access only.
func AttachAdminRoutes(mux *http.ServeMux, d Deps) {
	debug := tsweb.Debugger(mux)

	debug.Handle("sorter-status", "Sorter status (JSON)", http.HandlerFunc(d.serveStatus))
	debug.Handle("speed-chart", "Conveyor speed windows", http.HandlerFunc(d.serveSpeedChart))
	debug.HandleSilentFunc("travel-plot.png", d.serveTravelPlot)
	debug.HandleFunc("send-command", "Send a raw command to the controller", serveSendCommandPage)
	debug.HandleSilentFunc("send-command-api", d.serveSendCommand)
}
