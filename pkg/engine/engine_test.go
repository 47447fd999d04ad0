package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/rigbridge/pkg/cat"
	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/ft8"
	"github.com/dougsko/rigbridge/pkg/protocol"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/dougsko/rigbridge/pkg/radiosim"
	"github.com/dougsko/rigbridge/pkg/scopedlock"
	"github.com/dougsko/rigbridge/pkg/storage"
)

func noSleep(time.Duration) {}

// virtualClock advances only when the sequencer sleeps
type virtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Radio.Simulate = true
	cfg.Locks.FastMs = 50
	cfg.Locks.StandardMs = 100
	cfg.Web.SocketPath = filepath.Join(t.TempDir(), "ctl.sock")
	cfg.Storage.DatabasePath = filepath.Join(t.TempDir(), "tx.db")
	return cfg
}

func newTestEngine(t *testing.T, model radiosim.Model) (*Engine, *radiosim.Radio, *virtualClock) {
	t.Helper()
	cfg := testConfig(t)

	sim := radiosim.New(model, 38400)
	transport := cat.NewTransport(sim, cat.Options{
		BusyDelay:       time.Microsecond,
		ResponseTimeout: 20 * time.Millisecond,
		ProbeWindow:     5 * time.Millisecond,
		Sleep:           noSleep,
	})
	session := radio.NewSession(transport, radio.SessionOptions{Sleep: noSleep})

	txlog, err := storage.NewTxLog(cfg.Storage.DatabasePath, cfg.Storage.MaxRecords)
	require.NoError(t, err)
	t.Cleanup(func() { txlog.Close() })

	clock := &virtualClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	e := New(cfg, session, Options{
		TxLog:      txlog,
		Clock:      clock,
		Simulated:  true,
		RetryDelay: 10 * time.Millisecond,
	})
	return e, sim, clock
}

func connectedEngine(t *testing.T, model radiosim.Model) (*Engine, *radiosim.Radio, *virtualClock) {
	t.Helper()
	e, sim, clock := newTestEngine(t, model)
	require.NoError(t, e.Connect(context.Background()))
	return e, sim, clock
}

func TestNew(t *testing.T) {
	t.Run("Create Engine", func(t *testing.T) {
		e, _, _ := newTestEngine(t, radiosim.KX3)

		assert.Equal(t, e.config.Web.SocketPath, e.socketPath)
		assert.Equal(t, 50*time.Millisecond, e.fast)
		assert.Equal(t, 100*time.Millisecond, e.standard)
		assert.Equal(t, 10*time.Second, e.critical)
		assert.NotNil(t, e.Sequencer())
		assert.False(t, e.IsConnected())
	})

	t.Run("Operations Before Connect", func(t *testing.T) {
		e, _, _ := newTestEngine(t, radiosim.KX3)

		_, err := e.GetFrequency()
		assert.ErrorIs(t, err, radio.ErrNotConnected)
		assert.Equal(t, ClassBusy, Classify(err))

		status := e.Status()
		assert.False(t, status.Connected)
		assert.True(t, status.Simulated)
		assert.Equal(t, Version, status.Version)
	})

	t.Run("Connect", func(t *testing.T) {
		e, _, _ := connectedEngine(t, radiosim.KH1)
		assert.True(t, e.IsConnected())
		assert.Equal(t, radio.FamilyKH1, e.Family())
	})
}

func TestRadioOperations(t *testing.T) {
	t.Run("Frequency Round Trip", func(t *testing.T) {
		e, sim, _ := connectedEngine(t, radiosim.KX3)

		require.NoError(t, e.SetFrequency(14074000))
		hz, err := e.GetFrequency()
		require.NoError(t, err)
		assert.Equal(t, int64(14074000), hz)
		assert.Equal(t, int64(14074000), sim.Frequency())
	})

	t.Run("Frequency Above Ceiling Is Rejected", func(t *testing.T) {
		e, sim, _ := connectedEngine(t, radiosim.KX2)
		before := sim.Frequency()

		err := e.SetFrequency(50000000)
		assert.ErrorIs(t, err, radio.ErrInvalidInput)
		assert.Equal(t, ClassInvalid, Classify(err))
		assert.Equal(t, before, sim.Frequency())
	})

	t.Run("Mode Round Trip", func(t *testing.T) {
		e, _, _ := connectedEngine(t, radiosim.KX3)

		require.NoError(t, e.SetMode(radio.ModeUSB))
		require.NoError(t, e.SetMode(radio.ModeCW))
		mode, err := e.GetMode()
		require.NoError(t, err)
		assert.Equal(t, radio.ModeCW, mode)
	})

	t.Run("Power", func(t *testing.T) {
		e, _, _ := connectedEngine(t, radiosim.KX3)

		require.NoError(t, e.SetPower(12))
		watts, err := e.GetPower()
		require.NoError(t, err)
		assert.Equal(t, 12, watts)
	})

	t.Run("Volume Delta Clamps At Ceiling", func(t *testing.T) {
		e, sim, _ := connectedEngine(t, radiosim.KX3)

		level, err := e.SetVolume(250)
		require.NoError(t, err)
		assert.Equal(t, 250, level)

		level, err = e.AdjustVolume(10)
		require.NoError(t, err)
		assert.Equal(t, 255, level)
		assert.Equal(t, 255, sim.Volume())

		level, err = e.AdjustVolume(-300)
		require.NoError(t, err)
		assert.Equal(t, 0, level)
		assert.Equal(t, 0, sim.Volume())
	})

	t.Run("Absolute Volume Clamps", func(t *testing.T) {
		e, sim, _ := connectedEngine(t, radiosim.KX3)

		level, err := e.SetVolume(400)
		require.NoError(t, err)
		assert.Equal(t, 255, level)
		assert.Equal(t, 255, sim.Volume())
	})

	t.Run("Transmit Toggle", func(t *testing.T) {
		e, sim, _ := connectedEngine(t, radiosim.KX3)

		require.NoError(t, e.SetTransmit(true))
		assert.True(t, sim.Transmitting())
		on, err := e.GetTransmit()
		require.NoError(t, err)
		assert.True(t, on)

		require.NoError(t, e.SetTransmit(false))
		assert.False(t, sim.Transmitting())
	})

	t.Run("State Round Trip", func(t *testing.T) {
		e, _, _ := connectedEngine(t, radiosim.KX3)

		before, err := e.GetState()
		require.NoError(t, err)
		require.NoError(t, e.RestoreState(before))
		after, err := e.GetState()
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("Status Reads Radio", func(t *testing.T) {
		e, _, _ := connectedEngine(t, radiosim.KX3)
		require.NoError(t, e.SetFrequency(7074000))

		status := e.Status()
		assert.True(t, status.Connected)
		assert.Equal(t, "KX3", status.Family)
		assert.Equal(t, 38400, status.Baud)
		assert.Equal(t, int64(7074000), status.Frequency)
		assert.Equal(t, "CW", status.Mode)
	})
}

func TestLockTiers(t *testing.T) {
	t.Run("Held Lock Makes Callers Busy", func(t *testing.T) {
		e, _, _ := connectedEngine(t, radiosim.KX3)

		guard := e.session.Lock(time.Second, "test-holder")
		require.True(t, guard.Acquired())

		start := time.Now()
		_, err := e.GetFrequency()
		elapsed := time.Since(start)

		assert.ErrorIs(t, err, ErrBusy)
		assert.ErrorIs(t, err, scopedlock.ErrTimeout)
		assert.Equal(t, ClassBusy, Classify(err))
		assert.Equal(t, "radio busy, retry", Message(err))
		assert.Less(t, elapsed, time.Second)

		guard.Release()
		_, err = e.GetFrequency()
		assert.NoError(t, err)
	})

	t.Run("Busy Operations Are Not Logged", func(t *testing.T) {
		e, _, _ := connectedEngine(t, radiosim.KX3)
		e.critical = 20 * time.Millisecond

		guard := e.session.Lock(time.Second, "test-holder")
		require.True(t, guard.Acquired())
		err := e.TuneATU()
		guard.Release()
		require.ErrorIs(t, err, ErrBusy)

		records, err := e.History(storage.HistoryQuery{})
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestLockOwnership(t *testing.T) {
	t.Run("Concurrent Callers Share A Tag", func(t *testing.T) {
		e, _, _ := connectedEngine(t, radiosim.KX3)
		e.fast = 5 * time.Second

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.GetFrequency()
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, uint64(0), e.session.Mutex().Reentries())
	})

	t.Run("Sequencer Asking Twice Is Reported", func(t *testing.T) {
		e, _, _ := connectedEngine(t, radiosim.KX3)
		rig := &ft8Rig{e: e, owner: scopedlock.NewOwner("ft8")}

		err := rig.WithDriver(time.Second, "ft8-transmit", func(radio.Driver) error {
			return rig.WithDriver(10*time.Millisecond, "ft8-restore", func(radio.Driver) error {
				return nil
			})
		})
		assert.ErrorIs(t, err, ErrBusy)
		assert.Equal(t, uint64(1), e.session.Mutex().Reentries())
	})

	t.Run("Stale Handle Is Refused", func(t *testing.T) {
		e, sim, _ := connectedEngine(t, radiosim.KX3)
		handle := e.session.Lock(time.Second, "test-holder")
		require.True(t, handle.Acquired())
		d, err := handle.Driver()
		require.NoError(t, err)
		handle.Release()

		before := len(sim.Writes())
		_, err = d.GetFrequency()
		assert.ErrorIs(t, err, radio.ErrLockNotHeld)
		assert.Len(t, sim.Writes(), before)
	})
}

func TestStatusDuringFT8(t *testing.T) {
	e, _, _ := connectedEngine(t, radiosim.KX3)
	_, err := e.FT8Prepare(14074000, ft8Tones())
	require.NoError(t, err)

	handle := e.session.Lock(time.Second, "ft8-transmit")
	require.True(t, handle.Acquired())
	_, timeoutsBefore := e.session.Mutex().Stats()

	status := e.Status()
	handle.Release()

	assert.True(t, status.Connected)
	assert.False(t, status.Transmitting)
	assert.Zero(t, status.Frequency)
	_, timeouts := e.session.Mutex().Stats()
	assert.Equal(t, timeoutsBefore, timeouts)

	_, err = e.FT8Cancel()
	require.NoError(t, err)
	assert.NotZero(t, e.Status().Frequency)
}

func TestTransmissionLog(t *testing.T) {
	t.Run("ATU Keyer And Message Are Recorded", func(t *testing.T) {
		e, _, _ := connectedEngine(t, radiosim.KX3)

		require.NoError(t, e.TuneATU())
		require.NoError(t, e.SendKeyer("CQ TEST"))
		require.NoError(t, e.PlayMessage(2))

		records, err := e.History(storage.HistoryQuery{})
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, protocol.KindMessage, records[0].Kind)
		assert.Equal(t, "bank 2", records[0].Detail)
		assert.Equal(t, protocol.KindKeyer, records[1].Kind)
		assert.Equal(t, "CQ TEST", records[1].Detail)
		assert.Equal(t, protocol.KindATU, records[2].Kind)
		for _, rec := range records {
			assert.Equal(t, protocol.OutcomeOK, rec.Outcome)
			assert.Equal(t, int64(14060000), rec.Frequency)
		}
	})

	t.Run("Rejected Input Is Not Recorded", func(t *testing.T) {
		e, _, _ := connectedEngine(t, radiosim.KX3)

		err := e.SendKeyer("")
		assert.ErrorIs(t, err, radio.ErrInvalidInput)

		records, err := e.History(storage.HistoryQuery{})
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("No Log Configured", func(t *testing.T) {
		e, _, _ := connectedEngine(t, radiosim.KX3)
		e.txlog = nil

		require.NoError(t, e.TuneATU())
		records, err := e.History(storage.HistoryQuery{})
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func ft8Tones() []uint8 {
	tones := make([]uint8, ft8.SymbolCount)
	for i := range tones {
		tones[i] = uint8(i % ft8.ToneCount)
	}
	return tones
}

func TestFT8(t *testing.T) {
	t.Run("End To End", func(t *testing.T) {
		e, sim, clock := connectedEngine(t, radiosim.KX3)
		startFreq := sim.Frequency()
		startMode := sim.ModeCode()
		begin := clock.Now()

		job, err := e.FT8Prepare(14074000, ft8Tones())
		require.NoError(t, err)
		assert.Equal(t, ft8.StatePrepared, job.State)
		assert.Equal(t, int64(14074000), sim.Frequency())

		_, err = e.FT8Prepare(14074000, ft8Tones())
		assert.ErrorIs(t, err, ft8.ErrJobActive)
		assert.Equal(t, ClassConflict, Classify(err))

		_, err = e.FT8Start()
		require.NoError(t, err)
		e.Sequencer().Wait()

		done, ok := e.FT8Status()
		require.True(t, ok)
		assert.Equal(t, ft8.StateCompleted, done.State)
		assert.Equal(t, ft8.SymbolCount, done.SymbolsSent)
		assert.Equal(t, 79*160*time.Millisecond, clock.Now().Sub(begin))

		assert.False(t, sim.Transmitting())
		assert.Equal(t, startFreq, sim.Frequency())
		assert.Equal(t, startMode, sim.ModeCode())

		records, err := e.History(storage.HistoryQuery{Kind: protocol.KindFT8})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, job.ID, records[0].JobID)
		assert.Equal(t, protocol.OutcomeOK, records[0].Outcome)
		assert.Equal(t, ft8.SymbolCount, records[0].Symbols)

		_, err = e.FT8Prepare(7074000, ft8Tones())
		assert.NoError(t, err)
	})

	t.Run("Cancel Prepared Job", func(t *testing.T) {
		e, sim, _ := connectedEngine(t, radiosim.KX3)
		startFreq := sim.Frequency()

		_, err := e.FT8Prepare(14074000, ft8Tones())
		require.NoError(t, err)

		job, err := e.FT8Cancel()
		require.NoError(t, err)
		assert.Equal(t, ft8.StateCancelled, job.State)
		assert.Equal(t, startFreq, sim.Frequency())

		records, err := e.History(storage.HistoryQuery{Kind: protocol.KindFT8})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, protocol.OutcomeCancelled, records[0].Outcome)
	})

	t.Run("Cancel Without Job", func(t *testing.T) {
		e, _, _ := connectedEngine(t, radiosim.KX3)
		_, err := e.FT8Cancel()
		assert.ErrorIs(t, err, ft8.ErrNoJob)
	})
}

func TestCommands(t *testing.T) {
	e, sim, _ := connectedEngine(t, radiosim.KX3)

	run := func(t *testing.T, line string) *protocol.Response {
		t.Helper()
		cmd, err := protocol.ParseCommand(line)
		require.NoError(t, err)
		return e.handleCommand(cmd)
	}

	t.Run("Frequency", func(t *testing.T) {
		resp := run(t, "FREQUENCY:14074000")
		require.True(t, resp.Success, resp.Error)
		assert.Equal(t, int64(14074000), resp.Data["frequency"])
	})

	t.Run("Bad Frequency", func(t *testing.T) {
		resp := run(t, "FREQUENCY:abc")
		assert.False(t, resp.Success)
	})

	t.Run("Mode", func(t *testing.T) {
		resp := run(t, "MODE:usb")
		require.True(t, resp.Success, resp.Error)
		assert.Equal(t, "USB", resp.Data["mode"])
	})

	t.Run("Volume Delta", func(t *testing.T) {
		sim.SetVolume(40)
		resp := run(t, "VOLUME:+10")
		require.True(t, resp.Success, resp.Error)
		assert.Equal(t, 50, resp.Data["volume"])
	})

	t.Run("Xmit Needs State", func(t *testing.T) {
		resp := run(t, "XMIT:maybe")
		assert.False(t, resp.Success)
	})

	t.Run("FT8 Status When Idle", func(t *testing.T) {
		resp := run(t, "FT8:status")
		require.True(t, resp.Success)
		job := resp.Data["job"].(ft8.Job)
		assert.Equal(t, ft8.StateIdle, job.State)
	})

	t.Run("Unknown Command", func(t *testing.T) {
		resp := run(t, "BOGUS")
		assert.False(t, resp.Success)
		assert.Equal(t, "unknown command: BOGUS", resp.Error)
	})
}

func TestParseVolume(t *testing.T) {
	tests := []struct {
		arg      string
		value    int
		relative bool
		wantErr  bool
	}{
		{"120", 120, false, false},
		{"+10", 10, true, false},
		{"-5", -5, true, false},
		{" 7 ", 7, false, false},
		{"loud", 0, false, true},
		{"", 0, false, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.arg), func(t *testing.T) {
			value, relative, err := ParseVolume(tt.arg)
			if tt.wantErr {
				assert.ErrorIs(t, err, radio.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.value, value)
			assert.Equal(t, tt.relative, relative)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"Nil", nil, ClassOK},
		{"Busy", fmt.Errorf("%w: get-mode", ErrBusy), ClassBusy},
		{"Bad Response", fmt.Errorf("FA;: %w", cat.ErrBadResponse), ClassBusy},
		{"Device Busy", cat.ErrDeviceBusy, ClassBusy},
		{"Invalid", fmt.Errorf("%w: bank 9", radio.ErrInvalidInput), ClassInvalid},
		{"Job Conflict", ft8.ErrJobActive, ClassConflict},
		{"Not Confirmed", radio.ErrNotConfirmed, ClassFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestControlSocket(t *testing.T) {
	e, _, _ := connectedEngine(t, radiosim.KX3)
	require.NoError(t, e.Start())
	defer e.Stop()

	conn, err := net.Dial("unix", e.socketPath)
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	send := func(t *testing.T, line string) protocol.Response {
		t.Helper()
		_, err := conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		reply, err := reader.ReadString('\n')
		require.NoError(t, err)

		var resp protocol.Response
		require.NoError(t, json.Unmarshal([]byte(reply), &resp))
		return resp
	}

	t.Run("Ping", func(t *testing.T) {
		resp := send(t, "PING")
		assert.True(t, resp.Success)
		assert.Contains(t, resp.Data, "pong")
	})

	t.Run("Frequency Round Trip", func(t *testing.T) {
		resp := send(t, "FREQUENCY:14074000")
		require.True(t, resp.Success, resp.Error)
		assert.Equal(t, float64(14074000), resp.Data["frequency"])

		resp = send(t, "FREQUENCY")
		require.True(t, resp.Success, resp.Error)
		assert.Equal(t, float64(14074000), resp.Data["frequency"])
	})

	t.Run("Status", func(t *testing.T) {
		resp := send(t, "STATUS")
		require.True(t, resp.Success)
		status := resp.Data["status"].(map[string]interface{})
		assert.Equal(t, true, status["connected"])
		assert.Equal(t, "KX3", status["family"])
	})

	t.Run("History", func(t *testing.T) {
		resp := send(t, "HISTORY:5")
		require.True(t, resp.Success, resp.Error)
		assert.Equal(t, float64(0), resp.Data["count"])
	})

	t.Run("Quit", func(t *testing.T) {
		resp := send(t, "QUIT")
		assert.True(t, resp.Success)
		assert.Equal(t, "goodbye", resp.Data["message"])
	})
}

func TestStartConnectsInBackground(t *testing.T) {
	e, _, _ := newTestEngine(t, radiosim.KX2)
	e.socketPath = ""
	require.NoError(t, e.Start())
	defer e.Stop()

	assert.Eventually(t, e.IsConnected, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, radio.FamilyKX2, e.Family())
}
