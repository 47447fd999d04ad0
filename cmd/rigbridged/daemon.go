package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dougsko/rigbridge/pkg/cat"
	"github.com/dougsko/rigbridge/pkg/client"
	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/engine"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/dougsko/rigbridge/pkg/radiosim"
	"github.com/dougsko/rigbridge/pkg/storage"
)

// RigDaemon ties the engine to the serial port, the transmission log and
// the web server
type RigDaemon struct {
	config *config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	engine       *engine.Engine
	transport    *cat.Transport
	txlog        *storage.TxLog
	socketClient *client.SocketClient
	router       *gin.Engine
	webServer    *http.Server

	// statusInterval paces the websocket status stream
	statusInterval time.Duration
}

// NewRigDaemon opens the radio link and builds the daemon
func NewRigDaemon(cfg *config.Config) (*RigDaemon, error) {
	port, err := openPort(cfg)
	if err != nil {
		return nil, err
	}
	return newDaemon(cfg, port, time.Sleep)
}

// openPort returns the serial device, or a simulated radio in simulate mode
func openPort(cfg *config.Config) (cat.Port, error) {
	if cfg.Radio.Simulate {
		logging.Infof("main", "using simulated %s", cfg.Radio.SimulateFamily)
		return radiosim.New(radiosim.Model(cfg.Radio.SimulateFamily), cfg.Radio.PreferredBaud), nil
	}
	return cat.OpenSerial(cfg.Radio.Device, cfg.Radio.CandidateBauds[0])
}

func newDaemon(cfg *config.Config, port cat.Port, sleep func(time.Duration)) (*RigDaemon, error) {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	transport := cat.NewTransport(port, cat.Options{
		BusyDelay:       ms(cfg.Radio.BusyRetryMs),
		ResponseTimeout: ms(cfg.Radio.ResponseTimeoutMs),
		ProbeWindow:     ms(cfg.Radio.ProbeWindowMs),
		CandidateBauds:  cfg.Radio.CandidateBauds,
		PreferredBaud:   cfg.Radio.PreferredBaud,
		Sleep:           sleep,
	})
	session := radio.NewSession(transport, radio.SessionOptions{
		Tries:      cfg.Radio.Tries,
		Settle:     ms(cfg.Radio.SettleMs),
		ATUTimeout: ms(cfg.Radio.ATUTimeoutMs),
		Sleep:      sleep,
	})

	var txlog *storage.TxLog
	if cfg.Storage.DatabasePath != "" {
		var err error
		txlog, err = storage.NewTxLog(cfg.Storage.DatabasePath, cfg.Storage.MaxRecords)
		if err != nil {
			transport.Close()
			return nil, fmt.Errorf("failed to open transmission log: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	daemon := &RigDaemon{
		config:         cfg,
		ctx:            ctx,
		cancel:         cancel,
		transport:      transport,
		txlog:          txlog,
		socketClient:   client.NewSocketClient(cfg.Web.SocketPath),
		statusInterval: time.Second,
	}
	daemon.engine = engine.New(cfg, session, engine.Options{
		TxLog:     txlog,
		Simulated: cfg.Radio.Simulate,
	})

	daemon.setupWebServer()
	return daemon, nil
}

// Start starts the daemon
func (d *RigDaemon) Start() error {
	logging.Info("main", "Starting rigbridged daemon...")

	if err := d.engine.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Wait a moment for the socket to be ready
	time.Sleep(100 * time.Millisecond)
	if d.config.Web.SocketPath != "" && !d.socketClient.IsConnected() {
		d.engine.Stop()
		return fmt.Errorf("failed to reach engine control socket")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logging.Infof("http", "Starting web server on %s", d.webServer.Addr)
		if err := d.webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("http", "Web server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the daemon gracefully
func (d *RigDaemon) Stop() error {
	logging.Info("main", "Stopping daemon...")

	d.cancel()

	if d.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.webServer.Shutdown(ctx); err != nil {
			logging.Warnf("http", "Web server shutdown error: %v", err)
		}
	}

	if err := d.engine.Stop(); err != nil {
		logging.Warnf("main", "Engine shutdown error: %v", err)
	}

	d.wg.Wait()

	if d.txlog != nil {
		if err := d.txlog.Close(); err != nil {
			logging.Warnf("storage", "close transmission log: %v", err)
		}
	}
	if err := d.transport.Close(); err != nil {
		logging.Warnf("cat", "close port: %v", err)
	}

	logging.Info("main", "Daemon stopped")
	return nil
}

// setupWebServer initializes the router and routes
func (d *RigDaemon) setupWebServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	api := router.Group("/api/v1")
	{
		api.GET("/status", d.handleGetStatus)
		api.GET("/frequency", d.handleGetFrequency)
		api.PUT("/frequency", d.handleSetFrequency)
		api.GET("/mode", d.handleGetMode)
		api.PUT("/mode", d.handleSetMode)
		api.GET("/power", d.handleGetPower)
		api.PUT("/power", d.handleSetPower)
		api.GET("/volume", d.handleGetVolume)
		api.PUT("/volume", d.handleSetVolume)
		api.PUT("/xmit", d.handleSetXmit)
		api.POST("/msg/:bank", d.handlePlayMessage)
		api.POST("/atu", d.handleTuneATU)
		api.POST("/keyer", d.handleSendKeyer)
		api.PUT("/time", d.handleSyncTime)
		api.GET("/state", d.handleGetState)
		api.PUT("/state", d.handleRestoreState)
		api.POST("/ft8/prepare", d.handleFT8Prepare)
		api.POST("/ft8/start", d.handleFT8Start)
		api.POST("/ft8/cancel", d.handleFT8Cancel)
		api.GET("/ft8/status", d.handleFT8Status)
		api.GET("/history", d.handleGetHistory)
		api.GET("/ws", d.handleStatusWebSocket)
	}

	d.router = router
	d.webServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", d.config.Web.BindAddress, d.config.Web.Port),
		Handler: router,
	}
}

// requestLogger logs each request through the component logger
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("http", "request", logging.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}
