package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/trafficnet/img"
	"github.com/jnb666/trafficnet/nnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tester which records fixed stats
type fakeTester struct {
	base *nnet.TestBase
}

func (f fakeTester) Test(net *nnet.Network, epoch int, loss, accuracy float64, start time.Time) bool {
	f.base.Stats = append(f.base.Stats, nnet.Stats{Epoch: epoch, Values: []float64{loss, accuracy}, Elapsed: time.Second})
	return epoch >= 3
}

func newDashboard(t *testing.T) *Dashboard {
	base := nnet.NewTestBase()
	base.Headers = []string{"loss", "accuracy"}
	conf := nnet.Config{MaxEpoch: 3}.AddLayers(nnet.Flatten{}, nnet.Linear{Nout: 2})
	d, err := NewDashboard("test", conf, base, fakeTester{base: base})
	require.NoError(t, err)
	return d
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, string) {
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.String()
}

func TestStatsAndPlots(t *testing.T) {
	d := newDashboard(t)
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	assert.False(t, d.Test(nil, 1, 2.5, 0.25, time.Now()))
	assert.False(t, d.Test(nil, 2, 1.5, 0.5, time.Now()))
	assert.Len(t, d.Stats(), 2)

	resp, body := get(t, srv, "/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var res struct {
		Model   string
		Headers []string
		Stats   []nnet.Stats
	}
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	assert.Equal(t, "test", res.Model)
	require.Len(t, res.Stats, 2)
	assert.Equal(t, []float64{1.5, 0.5}, res.Stats[1].Values)

	for _, name := range []string{"loss", "accuracy"} {
		resp, body = get(t, srv, "/plot/"+name)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
		assert.Contains(t, body, "<svg")
	}
	resp, _ = get(t, srv, "/plot/other")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = get(t, srv, "/train")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "epoch <span id=\"epoch\">2</span> of 3")
	assert.Contains(t, body, "50.00%")
}

func TestConfigPage(t *testing.T) {
	d := newDashboard(t)
	srv := httptest.NewServer(d.Router())
	defer srv.Close()
	resp, body := get(t, srv, "/config")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "MaxEpoch")
	assert.Contains(t, body, "linear {Nout:2}")
}

func TestImages(t *testing.T) {
	d := newDashboard(t)
	srv := httptest.NewServer(d.Router())
	defer srv.Close()
	resp, body := get(t, srv, "/images/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "no predictions available")
	resp, _ = get(t, srv, "/img/0")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	images := []*img.Image{img.NewRGB(4, 4), img.NewRGB(4, 4)}
	data := img.NewData([]string{"stop", "yield"}, []int32{0, 1}, images)
	d.SetPredictions(data, []int32{0, 0})
	resp, body = get(t, srv, "/images/1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `src="/img/1"`)
	assert.Contains(t, body, `class="error"`)

	resp, body = get(t, srv, "/img/1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(body, "\x89PNG"))
}

func TestWebsocket(t *testing.T) {
	d := newDashboard(t)
	srv := httptest.NewServer(d.Router())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	// wait for the server to register the connection
	require.Eventually(t, func() bool {
		d.Lock()
		defer d.Unlock()
		return len(d.conns) == 1
	}, time.Second, 10*time.Millisecond)

	assert.True(t, d.Test(nil, 3, 0.5, 0.9, time.Now()))
	var msg StatsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, 3, msg.Epoch)
	assert.Equal(t, []float64{0.5, 0.9}, msg.Values)
	assert.True(t, msg.Done)
}
