package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/protocol"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/dougsko/rigbridge/pkg/radiosim"
)

func noSleep(time.Duration) {}

func newTestDaemon(t *testing.T) (*RigDaemon, *radiosim.Radio) {
	t.Helper()
	cfg := config.Default()
	cfg.Radio.Simulate = true
	cfg.Radio.ResponseTimeoutMs = 20
	cfg.Radio.ProbeWindowMs = 5
	cfg.Locks.FastMs = 50
	cfg.Locks.StandardMs = 100
	cfg.Web.SocketPath = ""
	cfg.Storage.DatabasePath = filepath.Join(t.TempDir(), "tx.db")

	sim := radiosim.New(radiosim.KX3, 38400)
	d, err := newDaemon(cfg, sim, noSleep)
	require.NoError(t, err)
	t.Cleanup(func() {
		d.cancel()
		d.txlog.Close()
	})
	d.statusInterval = 10 * time.Millisecond

	require.NoError(t, d.engine.Connect(context.Background()))
	return d, sim
}

func request(t *testing.T, d *RigDaemon, method, path, body string) (int, protocol.Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	d.router.ServeHTTP(w, req)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestRadioEndpoints(t *testing.T) {
	d, sim := newTestDaemon(t)

	t.Run("Frequency Round Trip", func(t *testing.T) {
		code, resp := request(t, d, http.MethodPut, "/api/v1/frequency", `{"frequency":14074000}`)
		require.Equal(t, http.StatusOK, code, resp.Error)
		assert.Equal(t, float64(14074000), resp.Data["frequency"])

		code, resp = request(t, d, http.MethodGet, "/api/v1/frequency", "")
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, float64(14074000), resp.Data["frequency"])
		assert.Equal(t, int64(14074000), sim.Frequency())
	})

	t.Run("Frequency Above Ceiling", func(t *testing.T) {
		code, resp := request(t, d, http.MethodPut, "/api/v1/frequency", `{"frequency":60000000}`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.False(t, resp.Success)
	})

	t.Run("Mode", func(t *testing.T) {
		code, resp := request(t, d, http.MethodPut, "/api/v1/mode", `{"mode":"USB"}`)
		require.Equal(t, http.StatusOK, code, resp.Error)
		code, resp = request(t, d, http.MethodPut, "/api/v1/mode", `{"mode":"CW"}`)
		require.Equal(t, http.StatusOK, code, resp.Error)
		assert.Equal(t, "CW", resp.Data["mode"])
	})

	t.Run("Unknown Mode", func(t *testing.T) {
		code, _ := request(t, d, http.MethodPut, "/api/v1/mode", `{"mode":"SSTV"}`)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("Volume Delta Clamps", func(t *testing.T) {
		code, resp := request(t, d, http.MethodPut, "/api/v1/volume", `{"volume":250}`)
		require.Equal(t, http.StatusOK, code, resp.Error)

		code, resp = request(t, d, http.MethodPut, "/api/v1/volume", `{"delta":10}`)
		require.Equal(t, http.StatusOK, code, resp.Error)
		assert.Equal(t, float64(255), resp.Data["volume"])
		assert.Equal(t, 255, sim.Volume())
	})

	t.Run("Volume Needs A Value", func(t *testing.T) {
		code, _ := request(t, d, http.MethodPut, "/api/v1/volume", `{}`)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("Power Zero Is Accepted", func(t *testing.T) {
		code, resp := request(t, d, http.MethodPut, "/api/v1/power", `{"power":0}`)
		require.Equal(t, http.StatusOK, code, resp.Error)
		assert.Equal(t, float64(0), resp.Data["power"])
	})

	t.Run("State Round Trip", func(t *testing.T) {
		code, resp := request(t, d, http.MethodGet, "/api/v1/state", "")
		require.Equal(t, http.StatusOK, code, resp.Error)
		state, err := json.Marshal(resp.Data["state"])
		require.NoError(t, err)

		code, resp = request(t, d, http.MethodPut, "/api/v1/state", string(state))
		require.Equal(t, http.StatusOK, code, resp.Error)
	})

	t.Run("Message Bank And History", func(t *testing.T) {
		code, resp := request(t, d, http.MethodPost, "/api/v1/msg/2", "")
		require.Equal(t, http.StatusOK, code, resp.Error)

		code, resp = request(t, d, http.MethodGet, "/api/v1/history?kind=MESSAGE", "")
		require.Equal(t, http.StatusOK, code, resp.Error)
		assert.Equal(t, float64(1), resp.Data["count"])
	})

	t.Run("Bad Bank", func(t *testing.T) {
		code, _ := request(t, d, http.MethodPost, "/api/v1/msg/9", "")
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestBusyRadio(t *testing.T) {
	d, _ := newTestDaemon(t)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.engine.WithDriver(time.Second, "test-holder", func(radio.Driver) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	code, resp := request(t, d, http.MethodGet, "/api/v1/frequency", "")
	close(release)
	<-done

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, resp.Success)
	assert.Equal(t, "radio busy, retry", resp.Error)
}

func TestFT8Endpoints(t *testing.T) {
	d, sim := newTestDaemon(t)
	before := sim.Frequency()

	tones := make([]string, 79)
	for i := range tones {
		tones[i] = "3"
	}
	body := `{"base_hz":14074000,"tones":[` + strings.Join(tones, ",") + `]}`

	t.Run("Start Without Job", func(t *testing.T) {
		code, _ := request(t, d, http.MethodPost, "/api/v1/ft8/start", "")
		assert.Equal(t, http.StatusConflict, code)
	})

	t.Run("Tone Out Of Range", func(t *testing.T) {
		bad := strings.Replace(body, "[3,", "[9,", 1)
		code, _ := request(t, d, http.MethodPost, "/api/v1/ft8/prepare", bad)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("Short Sequence", func(t *testing.T) {
		code, _ := request(t, d, http.MethodPost, "/api/v1/ft8/prepare", `{"base_hz":14074000,"tones":[1,2,3]}`)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("Prepare Then Cancel", func(t *testing.T) {
		code, resp := request(t, d, http.MethodPost, "/api/v1/ft8/prepare", body)
		require.Equal(t, http.StatusOK, code, resp.Error)
		job := resp.Data["job"].(map[string]interface{})
		assert.Equal(t, "prepared", job["state"])
		assert.Equal(t, int64(14074000), sim.Frequency())

		code, _ = request(t, d, http.MethodPost, "/api/v1/ft8/prepare", body)
		assert.Equal(t, http.StatusConflict, code)

		code, resp = request(t, d, http.MethodPost, "/api/v1/ft8/cancel", "")
		require.Equal(t, http.StatusOK, code, resp.Error)
		job = resp.Data["job"].(map[string]interface{})
		assert.Equal(t, "cancelled", job["state"])
		assert.Equal(t, before, sim.Frequency())

		code, resp = request(t, d, http.MethodGet, "/api/v1/ft8/status", "")
		require.Equal(t, http.StatusOK, code)
		job = resp.Data["job"].(map[string]interface{})
		assert.Equal(t, "cancelled", job["state"])
	})
}

func TestStatusWebSocket(t *testing.T) {
	d, _ := newTestDaemon(t)
	server := httptest.NewServer(d.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, "status", msg["type"])
	status := msg["status"].(map[string]interface{})
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, "KX3", status["family"])

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "status", msg["type"])
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"Not Connected", radio.ErrNotConnected, http.StatusServiceUnavailable},
		{"Invalid", radio.ErrInvalidInput, http.StatusBadRequest},
		{"Not Confirmed", radio.ErrNotConfirmed, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusCode(tt.err))
		})
	}
}
