// Package web has a web based dashboard to monitor network training and view the classified images.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jnb666/trafficnet/img"
	"github.com/jnb666/trafficnet/nnet"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Dashboard records the stats from each training epoch and serves them over http.
// It implements the nnet.Tester interface by wrapping another tester.
type Dashboard struct {
	Model   string
	Conf    nnet.Config
	Headers []string
	Epoch   int
	base    *nnet.TestBase
	next    nnet.Tester
	stats   []nnet.Stats
	data    *img.Data
	pred    []int32
	conns   map[*websocket.Conn]bool
	tmpl    *Templates
	sync.Mutex
}

// Epoch update sent to websocket clients
type StatsMessage struct {
	Epoch   int
	Headers []string
	Values  []float64
	Elapsed string
	Done    bool
}

// NewDashboard creates a new dashboard. base holds the stats which are updated when next is called
// at the end of each epoch. If next is nil then base is used.
func NewDashboard(model string, conf nnet.Config, base *nnet.TestBase, next nnet.Tester) (*Dashboard, error) {
	t, err := NewTemplates()
	if err != nil {
		return nil, errors.Wrap(err, "error loading templates")
	}
	if next == nil {
		next = base
	}
	return &Dashboard{
		Model:   model,
		Conf:    conf,
		Headers: base.Headers,
		base:    base,
		next:    next,
		conns:   make(map[*websocket.Conn]bool),
		tmpl:    t,
	}, nil
}

// Test calls the wrapped tester, saves the latest stats and sends them to any connected clients.
func (d *Dashboard) Test(net *nnet.Network, epoch int, loss, accuracy float64, start time.Time) bool {
	done := d.next.Test(net, epoch, loss, accuracy, start)
	d.Lock()
	s := d.base.Stats[len(d.base.Stats)-1]
	d.stats = append(d.stats, s)
	d.Epoch = epoch
	msg := StatsMessage{
		Epoch:   s.Epoch,
		Headers: d.Headers,
		Values:  s.Values,
		Elapsed: s.Elapsed.Round(10 * time.Millisecond).String(),
		Done:    done,
	}
	conns := make([]*websocket.Conn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.Unlock()
	for _, c := range conns {
		if err := c.WriteJSON(msg); err != nil {
			zap.S().Debugw("websocket write failed", "error", err)
			d.dropConn(c)
		}
	}
	return done
}

// SetPredictions saves the images and predicted classes to display on the images page.
func (d *Dashboard) SetPredictions(data *img.Data, pred []int32) {
	d.Lock()
	defer d.Unlock()
	d.data = data
	d.pred = pred
}

// Stats returns a copy of the stats recorded so far
func (d *Dashboard) Stats() []nnet.Stats {
	d.Lock()
	defer d.Unlock()
	return append([]nnet.Stats{}, d.stats...)
}

// Router returns the http handler for the dashboard pages
func (d *Dashboard) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/train", http.StatusFound))
	r.HandleFunc("/train", NewTrainPage(d.tmpl.Clone(), d).Base())
	r.HandleFunc("/plot/{name:loss|accuracy}", d.plotHandler)
	r.HandleFunc("/stats", d.statsHandler)
	r.HandleFunc("/ws", d.websocketHandler)
	r.HandleFunc("/config", NewConfigPage(d.tmpl.Clone(), d).Base())
	images := NewImagePage(d.tmpl.Clone(), d, 3, 5, 10)
	r.HandleFunc("/images/", images.Base())
	r.HandleFunc("/images/{page:[0-9]+}", images.Base())
	r.HandleFunc("/img/{index:[0-9]+}", images.Image())
	return r
}

// ListenAndServe runs the web server until the context is cancelled.
func (d *Dashboard) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: d.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	zap.S().Infow("starting web server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "web server")
	}
	return nil
}

func (d *Dashboard) statsHandler(w http.ResponseWriter, r *http.Request) {
	d.Lock()
	resp := struct {
		Model   string
		Headers []string
		Stats   []nnet.Stats
	}{Model: d.Model, Headers: d.Headers, Stats: d.stats}
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(resp)
	d.Unlock()
	if err != nil {
		zap.S().Warnw("error encoding stats", "error", err)
	}
}

func (d *Dashboard) websocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.S().Warnw("websocket upgrade failed", "error", err)
		return
	}
	d.Lock()
	d.conns[conn] = true
	d.Unlock()
	// wait for the client to go away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			d.dropConn(conn)
			return
		}
	}
}

func (d *Dashboard) dropConn(c *websocket.Conn) {
	d.Lock()
	defer d.Unlock()
	if d.conns[c] {
		delete(d.conns, c)
		c.Close()
	}
}
