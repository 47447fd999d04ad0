package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dougsko/rigbridge/pkg/engine"
	"github.com/dougsko/rigbridge/pkg/ft8"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/protocol"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/dougsko/rigbridge/pkg/storage"
)

// statusCode maps an engine error onto the HTTP reply status
func statusCode(err error) int {
	switch engine.Classify(err) {
	case engine.ClassOK:
		return http.StatusOK
	case engine.ClassBusy:
		return http.StatusServiceUnavailable
	case engine.ClassInvalid:
		return http.StatusBadRequest
	case engine.ClassConflict:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusCode(err), protocol.NewErrorResponse(engine.Message(err)))
}

func respondBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, protocol.NewErrorResponse(err.Error()))
}

func respond(c *gin.Context, data map[string]interface{}) {
	c.JSON(http.StatusOK, protocol.NewSuccessResponse(data))
}

// handleGetStatus returns daemon, radio and FT8 job status
func (d *RigDaemon) handleGetStatus(c *gin.Context) {
	job, _ := d.engine.FT8Status()
	respond(c, map[string]interface{}{
		"status": d.engine.Status(),
		"ft8":    job,
	})
}

func (d *RigDaemon) handleGetFrequency(c *gin.Context) {
	hz, err := d.engine.GetFrequency()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"frequency": hz})
}

// handleSetFrequency tunes VFO A and echoes the value read back
func (d *RigDaemon) handleSetFrequency(c *gin.Context) {
	var req struct {
		Frequency int64 `json:"frequency" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	if err := d.engine.SetFrequency(req.Frequency); err != nil {
		respondError(c, err)
		return
	}
	d.handleGetFrequency(c)
}

func (d *RigDaemon) handleGetMode(c *gin.Context) {
	mode, err := d.engine.GetMode()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"mode": mode.String()})
}

func (d *RigDaemon) handleSetMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	mode, err := radio.ParseMode(req.Mode)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := d.engine.SetMode(mode); err != nil {
		respondError(c, err)
		return
	}
	d.handleGetMode(c)
}

func (d *RigDaemon) handleGetPower(c *gin.Context) {
	watts, err := d.engine.GetPower()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"power": watts})
}

func (d *RigDaemon) handleSetPower(c *gin.Context) {
	var req struct {
		Power *int `json:"power" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	if err := d.engine.SetPower(*req.Power); err != nil {
		respondError(c, err)
		return
	}
	d.handleGetPower(c)
}

func (d *RigDaemon) handleGetVolume(c *gin.Context) {
	level, err := d.engine.GetVolume()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"volume": level})
}

// handleSetVolume accepts {"volume": n} or {"delta": n}
func (d *RigDaemon) handleSetVolume(c *gin.Context) {
	var req struct {
		Volume *int `json:"volume"`
		Delta  *int `json:"delta"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	var level int
	var err error
	switch {
	case req.Volume != nil && req.Delta != nil:
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("give volume or delta, not both"))
		return
	case req.Volume != nil:
		level, err = d.engine.SetVolume(*req.Volume)
	case req.Delta != nil:
		level, err = d.engine.AdjustVolume(*req.Delta)
	default:
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("volume or delta is required"))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"volume": level})
}

func (d *RigDaemon) handleSetXmit(c *gin.Context) {
	var req struct {
		Transmit *bool `json:"transmit" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	if err := d.engine.SetTransmit(*req.Transmit); err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"transmitting": *req.Transmit})
}

func (d *RigDaemon) handlePlayMessage(c *gin.Context) {
	bank, err := strconv.Atoi(c.Param("bank"))
	if err != nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("bank must be a number"))
		return
	}

	if err := d.engine.PlayMessage(bank); err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"bank": bank})
}

func (d *RigDaemon) handleTuneATU(c *gin.Context) {
	if err := d.engine.TuneATU(); err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"status": "tuned"})
}

func (d *RigDaemon) handleSendKeyer(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	if err := d.engine.SendKeyer(req.Text); err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"text": req.Text})
}

// handleSyncTime sets the radio clock from the client's epoch seconds and
// UTC offset
func (d *RigDaemon) handleSyncTime(c *gin.Context) {
	var req struct {
		Epoch            int64 `json:"epoch" binding:"required"`
		UTCOffsetMinutes int   `json:"utc_offset_minutes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	offset := time.Duration(req.UTCOffsetMinutes) * time.Minute
	if err := d.engine.SyncEpoch(req.Epoch, offset); err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{
		"time": time.Unix(req.Epoch, 0).UTC().Add(offset).Format("15:04:05"),
	})
}

func (d *RigDaemon) handleGetState(c *gin.Context) {
	st, err := d.engine.GetState()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"state": st})
}

func (d *RigDaemon) handleRestoreState(c *gin.Context) {
	var st radio.State
	if err := c.ShouldBindJSON(&st); err != nil {
		respondBadRequest(c, err)
		return
	}

	if err := d.engine.RestoreState(st); err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"state": st})
}

// handleFT8Prepare takes the pre-encoded tone sequence. Tones arrive as
// numbers; a []uint8 field would decode from base64.
func (d *RigDaemon) handleFT8Prepare(c *gin.Context) {
	var req struct {
		BaseHz int64 `json:"base_hz" binding:"required"`
		Tones  []int `json:"tones" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	tones := make([]uint8, len(req.Tones))
	for i, tone := range req.Tones {
		if tone < 0 || tone >= ft8.ToneCount {
			c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("tones must be 0 to 7"))
			return
		}
		tones[i] = uint8(tone)
	}

	job, err := d.engine.FT8Prepare(req.BaseHz, tones)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"job": job})
}

func (d *RigDaemon) handleFT8Start(c *gin.Context) {
	job, err := d.engine.FT8Start()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"job": job})
}

func (d *RigDaemon) handleFT8Cancel(c *gin.Context) {
	job, err := d.engine.FT8Cancel()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, map[string]interface{}{"job": job})
}

func (d *RigDaemon) handleFT8Status(c *gin.Context) {
	job, _ := d.engine.FT8Status()
	respond(c, map[string]interface{}{"job": job})
}

// handleGetHistory returns logged transmissions, newest first
func (d *RigDaemon) handleGetHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	query := storage.HistoryQuery{
		Limit:   limit,
		Offset:  offset,
		Kind:    c.Query("kind"),
		Outcome: c.Query("outcome"),
		JobID:   c.Query("job_id"),
	}
	if since := c.Query("since"); since != "" {
		at, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("since must be RFC3339"))
			return
		}
		query.Since = &at
	}

	records, err := d.engine.History(query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, protocol.NewErrorResponse(err.Error()))
		return
	}
	respond(c, map[string]interface{}{
		"transmissions": records,
		"count":         len(records),
	})
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the API is meant for the local network
	},
}

// handleStatusWebSocket streams radio status and the FT8 job to the client
func (d *RigDaemon) handleStatusWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warnf("http", "WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	logging.Debugf("http", "status WebSocket client connected")

	// Reads only detect the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(d.statusInterval)
	defer ticker.Stop()

	for {
		job, _ := d.engine.FT8Status()
		data := map[string]interface{}{
			"type":      "status",
			"timestamp": time.Now().UTC(),
			"status":    d.engine.Status(),
			"ft8":       job,
		}
		if err := conn.WriteJSON(data); err != nil {
			logging.Debugf("http", "WebSocket write error: %v", err)
			return
		}

		select {
		case <-ticker.C:
		case <-closed:
			return
		case <-d.ctx.Done():
			return
		}
	}
}
