package monitor

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/sorter/internal/bins"
	"github.com/banshee-data/sorter/internal/hardware"
	"github.com/banshee-data/sorter/internal/httputil"
	"github.com/banshee-data/sorter/internal/monitoring"
	"github.com/banshee-data/sorter/internal/version"
	"github.com/banshee-data/sorter/internal/vision"
)

// Status is the sorter-status response. Sections whose component is busy
// or absent are left out rather than waited for.
type Status struct {
	Version string         `json:"version"`
	State   string         `json:"state,omitempty"`
	Ticks   uint64         `json:"ticks"`
	Pending *PendingStatus `json:"pending,omitempty"`

	QueueDepth     int    `json:"queue_depth"`
	CommandsSent   uint64 `json:"commands_sent"`
	CommandsFailed uint64 `json:"commands_failed"`

	ShortSpeedCmS *float64 `json:"short_speed_cm_s,omitempty"`
	LongSpeedCmS  *float64 `json:"long_speed_cm_s,omitempty"`
	EncoderMissed uint64   `json:"encoder_missed"`

	ConveyorVelocityCmMs *float64 `json:"conveyor_velocity_cm_ms,omitempty"`
	Trajectories         int      `json:"trajectories"`
	TrackingAnomalies    int      `json:"tracking_anomalies"`

	Bins     *bins.State           `json:"bins,omitempty"`
	BinsBusy bool                  `json:"bins_busy,omitempty"`
	Cameras  []vision.PollerStatus `json:"cameras,omitempty"`
}

// PendingStatus describes the object being sorted.
type PendingStatus struct {
	UUID       string            `json:"uuid"`
	ItemID     *string           `json:"item_id,omitempty"`
	CategoryID *string           `json:"category_id,omitempty"`
	Bin        *bins.Coordinates `json:"bin,omitempty"`
}

func optional(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

func (d Deps) status() Status {
	st := Status{Version: version.String()}
	if d.Sequencer != nil {
		st.State = d.Sequencer.State().String()
		st.Ticks = d.Sequencer.Ticks()
		if obj, ok := d.Sequencer.Pending(); ok {
			st.Pending = &PendingStatus{UUID: obj.UUID, ItemID: obj.ItemID, CategoryID: obj.CategoryID, Bin: obj.Bin}
		}
	}
	if d.Queue != nil {
		st.QueueDepth = d.Queue.QueueDepth()
		st.CommandsSent, st.CommandsFailed = d.Queue.Stats()
	}
	if d.Speed != nil {
		st.ShortSpeedCmS = optional(d.Speed.ShortSpeed())
		st.LongSpeedCmS = optional(d.Speed.LongSpeed())
		st.EncoderMissed = d.Speed.Missed()
	}
	if d.Scene != nil {
		st.ConveyorVelocityCmMs = optional(d.Scene.ConveyorVelocity())
		st.Trajectories = d.Scene.Len()
		st.TrackingAnomalies = d.Scene.Anomalies()
	}
	if d.Bins != nil {
		if snap, ok := d.Bins.TrySnapshot(); ok {
			st.Bins = &snap
		} else {
			st.BinsBusy = true
		}
	}
	for _, c := range d.Cameras {
		if ps, ok := c.TryStatus(); ok {
			st.Cameras = append(st.Cameras, ps)
		}
	}
	return st
}

func (d Deps) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, d.status())
}

type commandDoc struct {
	ID   byte
	Name string
}

func serveSendCommandPage(w http.ResponseWriter, r *http.Request) {
	ids := []hardware.CommandID{
		hardware.InitServoBoard, hardware.SetServoAngle, hardware.SetMotorDirection,
		hardware.SetMotorPWM, hardware.EncoderRequest, hardware.EncoderReset,
	}
	data := struct {
		Example  string
		Commands []commandDoc
	}{
		Example: hex.EncodeToString(hardware.Command{ID: hardware.EncoderReset}.Encode()),
	}
	for _, id := range ids {
		data.Commands = append(data.Commands, commandDoc{ID: byte(id), Name: id.String()})
	}

	buf := bytes.NewBuffer(nil)
	if err := sendCommandTemplate.Execute(buf, data); err != nil {
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.Copy(w, buf)
}

// serveSendCommand decodes a hex frame and queues it for the controller.
func (d Deps) serveSendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if d.Commander == nil {
		http.Error(w, "No controller attached", http.StatusServiceUnavailable)
		return
	}
	raw := strings.Join(strings.Fields(r.FormValue("frame")), "")
	if raw == "" {
		http.Error(w, "Missing frame", http.StatusBadRequest)
		return
	}
	frame, err := hex.DecodeString(raw)
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad hex: %v", err), http.StatusBadRequest)
		return
	}
	cmd, err := hardware.DecodeCommand(frame)
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad frame: %v", err), http.StatusBadRequest)
		return
	}
	if err := d.Commander.Enqueue(cmd); err != nil {
		http.Error(w, "Failed to queue command", http.StatusInternalServerError)
		return
	}
	monitoring.Opsf("[monitor] operator sent %s", cmd)
	io.WriteString(w, fmt.Sprintf("Queued %s", cmd))
}
