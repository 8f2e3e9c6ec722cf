package web

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jnb666/trafficnet/nnet"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

type TrainPage struct {
	*Templates
	d *Dashboard
}

// Base data for handler functions to display the training stats
func NewTrainPage(t *Templates, d *Dashboard) *TrainPage {
	p := &TrainPage{d: d}
	p.Templates = t.Select("/train")
	p.AddOption(Link{Name: "stats json", Url: "/stats"})
	return p
}

// Handler function for the train template
func (p *TrainPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.d.Lock()
		defer p.d.Unlock()
		p.Heading = template.HTML(fmt.Sprintf(`%s: epoch <span id="epoch">%d</span> of %d`,
			template.HTMLEscapeString(p.d.Model), p.d.Epoch, p.d.Conf.MaxEpoch))
		p.Exec(w, "train", p)
	}
}

func (p *TrainPage) Headers() []string {
	return p.d.Headers
}

func (p *TrainPage) LatestStats(n int) []nnet.Stats {
	stats := p.d.stats
	last := len(stats) - 1
	res := []nnet.Stats{}
	for i := last; i >= 0 && i > last-n; i-- {
		res = append(res, stats[i])
	}
	return res
}

func (p *TrainPage) RunTime() string {
	if len(p.d.stats) == 0 {
		return ""
	}
	elapsed := p.d.stats[len(p.d.stats)-1].Elapsed
	return fmt.Sprintf("run time: %s", elapsed.Round(10*time.Millisecond))
}

func (p *TrainPage) LossPlot(width, height int) template.HTML {
	return plotHTML(p.d.lossPlot(), width, height)
}

func (p *TrainPage) AccuracyPlot(width, height int) template.HTML {
	return plotHTML(p.d.accuracyPlot(), width, height)
}

// handler to return loss or accuracy plot in svg format
func (d *Dashboard) plotHandler(w http.ResponseWriter, r *http.Request) {
	d.Lock()
	var plt *plot.Plot
	if mux.Vars(r)["name"] == "loss" {
		plt = d.lossPlot()
	} else {
		plt = d.accuracyPlot()
	}
	d.Unlock()
	var buf bytes.Buffer
	if err := writePlot(&buf, plt, 480, 320); err != nil {
		logError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Write(buf.Bytes())
}

// loss values are at even indexes in the stats, accuracy at odd indexes
func (d *Dashboard) lossPlot() *plot.Plot {
	plt := newPlot()
	for i := 0; i < len(d.Headers); i += 2 {
		if line := newLinePlot(d.stats, i, 1); line != nil {
			plt.Add(line)
			plt.Legend.Add(d.Headers[i], line)
		}
	}
	return plt
}

func (d *Dashboard) accuracyPlot() *plot.Plot {
	plt := newPlot()
	for i := 1; i < len(d.Headers); i += 2 {
		if line := newLinePlot(d.stats, i, 100); line != nil {
			plt.Add(line)
			plt.Legend.Add(d.Headers[i]+" %", line)
		}
	}
	return plt
}

func newPlot() *plot.Plot {
	p := plot.New()
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	return p
}

func writePlot(buf *bytes.Buffer, p *plot.Plot, w, h int) error {
	writer, err := p.WriterTo(vg.Points(float64(w)), vg.Points(float64(h)), "svg")
	if err != nil {
		return err
	}
	_, err = writer.WriteTo(buf)
	return err
}

func plotHTML(p *plot.Plot, w, h int) template.HTML {
	var buf bytes.Buffer
	if err := writePlot(&buf, p, w, h); err != nil {
		return template.HTML(template.HTMLEscapeString(err.Error()))
	}
	return template.HTML(buf.String())
}

func newLinePlot(stats []nnet.Stats, ix int, scale float64) *linePlot {
	var pts plotter.XYs
	xmax, ymax := 1.0, 0.0
	for _, s := range stats {
		if ix >= len(s.Values) {
			continue
		}
		pt := plotter.XY{X: float64(s.Epoch), Y: s.Values[ix] * scale}
		pts = append(pts, pt)
		if pt.X > xmax {
			xmax = pt.X
		}
		if pt.Y > ymax {
			ymax = pt.Y
		}
	}
	if len(pts) == 0 {
		return nil
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return nil
	}
	l.Width = 2
	l.Color = plotutil.Color(ix)
	return &linePlot{Line: l, xmin: 1, xmax: xmax, ymin: 0, ymax: ymax}
}

// modified plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}
