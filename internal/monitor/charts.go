package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sorter/internal/httputil"
)

// lineData right-aligns values in a series of length n so every window
// ends at the newest sample. Leading points are left empty.
func lineData(values []float64, n int) []opts.LineData {
	out := make([]opts.LineData, n)
	off := n - len(values)
	for i, v := range values {
		out[off+i] = opts.LineData{Value: v}
	}
	return out
}

// serveSpeedChart renders the encoder's short and long speed windows as an
// HTML line chart, oldest sample first.
func (d Deps) serveSpeedChart(w http.ResponseWriter, r *http.Request) {
	if d.Speed == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "encoder disabled")
		return
	}
	short, long := d.Speed.Windows()
	n := len(long)
	if len(short) > n {
		n = len(short)
	}
	xs := make([]int, n)
	for i := range xs {
		xs[i] = i - n + 1
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Conveyor speed", Theme: "dark", Width: "1000px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Conveyor speed", Subtitle: fmt.Sprintf("short=%d long=%d samples", len(short), len(long))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Sample", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Speed (cm/s)", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(xs).
		AddSeries("long window", lineData(long, n)).
		AddSeries("short window", lineData(short, n))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// serveTravelPlot renders the encoder's retained distance history as a
// PNG, seconds relative to the newest reading.
func (d Deps) serveTravelPlot(w http.ResponseWriter, r *http.Request) {
	if d.Speed == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "encoder disabled")
		return
	}
	history := d.Speed.History()
	if len(history) == 0 {
		httputil.WriteJSONError(w, http.StatusNotFound, "no encoder readings yet")
		return
	}

	last := history[len(history)-1].At
	pts := make(plotter.XYs, len(history))
	for i, s := range history {
		pts[i] = plotter.XY{X: s.At.Sub(last).Seconds(), Y: s.DistanceCm}
	}

	p := plot.New()
	p.Title.Text = "Conveyor travel"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Distance (cm)"
	l, err := plotter.NewLine(pts)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	l.Color = color.RGBA{R: 38, G: 130, B: 142, A: 255}
	l.Width = vg.Points(1)
	p.Add(l)

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
