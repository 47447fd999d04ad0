package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dougsko/rigbridge/pkg/protocol"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/dougsko/rigbridge/pkg/storage"
)

// handleCommand processes a single control socket command
func (e *Engine) handleCommand(cmd *protocol.Command) *protocol.Response {
	switch cmd.Type {
	case protocol.CmdStatus:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"status": e.Status(),
		})

	case protocol.CmdPing:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"pong": time.Now().Unix(),
		})

	case protocol.CmdQuit:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"message": "goodbye",
		})

	case protocol.CmdFrequency:
		return e.handleFrequency(cmd)

	case protocol.CmdMode:
		return e.handleMode(cmd)

	case protocol.CmdPower:
		return e.handlePower(cmd)

	case protocol.CmdVolume:
		return e.handleVolume(cmd)

	case protocol.CmdXmit:
		return e.handleXmit(cmd)

	case protocol.CmdMsg:
		bank, err := strconv.Atoi(cmd.Arg("bank"))
		if err != nil {
			return protocol.NewErrorResponse("MSG needs a bank number")
		}
		if err := e.PlayMessage(bank); err != nil {
			return errorResponse(err)
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"bank": bank})

	case protocol.CmdATU:
		if err := e.TuneATU(); err != nil {
			return errorResponse(err)
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"status": "tuned"})

	case protocol.CmdKeyer:
		text := cmd.Arg("text")
		if err := e.SendKeyer(text); err != nil {
			return errorResponse(err)
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"text": text})

	case protocol.CmdTime:
		return e.handleTime(cmd)

	case protocol.CmdState:
		st, err := e.GetState()
		if err != nil {
			return errorResponse(err)
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"state": st})

	case protocol.CmdFT8:
		return e.handleFT8(cmd)

	case protocol.CmdHistory:
		return e.handleHistory(cmd)

	default:
		return protocol.NewErrorResponse(fmt.Sprintf("unknown command: %s", cmd.Type))
	}
}

func errorResponse(err error) *protocol.Response {
	return protocol.NewErrorResponse(Message(err))
}

// handleFrequency reads VFO A, or tunes it when an argument is given
func (e *Engine) handleFrequency(cmd *protocol.Command) *protocol.Response {
	if arg := cmd.Arg("frequency"); arg != "" {
		hz, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return protocol.NewErrorResponse(fmt.Sprintf("invalid frequency %q", arg))
		}
		if err := e.SetFrequency(hz); err != nil {
			return errorResponse(err)
		}
	}

	hz, err := e.GetFrequency()
	if err != nil {
		return errorResponse(err)
	}
	return protocol.NewSuccessResponse(map[string]interface{}{"frequency": hz})
}

func (e *Engine) handleMode(cmd *protocol.Command) *protocol.Response {
	if arg := cmd.Arg("mode"); arg != "" {
		mode, err := radio.ParseMode(arg)
		if err != nil {
			return errorResponse(err)
		}
		if err := e.SetMode(mode); err != nil {
			return errorResponse(err)
		}
	}

	mode, err := e.GetMode()
	if err != nil {
		return errorResponse(err)
	}
	return protocol.NewSuccessResponse(map[string]interface{}{"mode": mode.String()})
}

func (e *Engine) handlePower(cmd *protocol.Command) *protocol.Response {
	if arg := cmd.Arg("power"); arg != "" {
		watts, err := strconv.Atoi(arg)
		if err != nil {
			return protocol.NewErrorResponse(fmt.Sprintf("invalid power %q", arg))
		}
		if err := e.SetPower(watts); err != nil {
			return errorResponse(err)
		}
	}

	watts, err := e.GetPower()
	if err != nil {
		return errorResponse(err)
	}
	return protocol.NewSuccessResponse(map[string]interface{}{"power": watts})
}

// handleVolume reads the gain, sets it, or moves it by a signed delta
func (e *Engine) handleVolume(cmd *protocol.Command) *protocol.Response {
	arg := cmd.Arg("volume")
	if arg == "" {
		level, err := e.GetVolume()
		if err != nil {
			return errorResponse(err)
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"volume": level})
	}

	value, relative, err := ParseVolume(arg)
	if err != nil {
		return errorResponse(err)
	}

	var level int
	if relative {
		level, err = e.AdjustVolume(value)
	} else {
		level, err = e.SetVolume(value)
	}
	if err != nil {
		return errorResponse(err)
	}
	return protocol.NewSuccessResponse(map[string]interface{}{"volume": level})
}

// ParseVolume reads "120" as an absolute level and "+10" or "-10" as a delta
func ParseVolume(arg string) (value int, relative bool, err error) {
	arg = strings.TrimSpace(arg)
	relative = strings.HasPrefix(arg, "+") || strings.HasPrefix(arg, "-")
	value, err = strconv.Atoi(arg)
	if err != nil {
		return 0, false, fmt.Errorf("%w: volume %q", radio.ErrInvalidInput, arg)
	}
	return value, relative, nil
}

func (e *Engine) handleXmit(cmd *protocol.Command) *protocol.Response {
	var on bool
	switch cmd.Arg("state") {
	case "1", "on", "ON":
		on = true
	case "0", "off", "OFF":
		on = false
	default:
		return protocol.NewErrorResponse("XMIT needs 0 or 1")
	}

	if err := e.SetTransmit(on); err != nil {
		return errorResponse(err)
	}
	return protocol.NewSuccessResponse(map[string]interface{}{"transmitting": on})
}

// handleTime sets the radio clock from hh:mm:ss
func (e *Engine) handleTime(cmd *protocol.Command) *protocol.Response {
	at, err := time.Parse("15:04:05", cmd.Arg("time"))
	if err != nil {
		return protocol.NewErrorResponse("TIME needs hh:mm:ss")
	}
	if err := e.SyncTime(at.Hour(), at.Minute(), at.Second()); err != nil {
		return errorResponse(err)
	}
	return protocol.NewSuccessResponse(map[string]interface{}{"time": at.Format("15:04:05")})
}

// handleFT8 reports or cancels the current job. Jobs are prepared over
// HTTP because the tone sequence does not fit a command line.
func (e *Engine) handleFT8(cmd *protocol.Command) *protocol.Response {
	switch strings.ToLower(cmd.Arg("action")) {
	case "", "status":
		job, _ := e.FT8Status()
		return protocol.NewSuccessResponse(map[string]interface{}{"job": job})
	case "cancel":
		job, err := e.FT8Cancel()
		if err != nil {
			return errorResponse(err)
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"job": job})
	default:
		return protocol.NewErrorResponse(fmt.Sprintf("unknown FT8 action: %s", cmd.Arg("action")))
	}
}

func (e *Engine) handleHistory(cmd *protocol.Command) *protocol.Response {
	limit := 20
	if arg := cmd.Arg("limit"); arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return protocol.NewErrorResponse(fmt.Sprintf("invalid limit %q", arg))
		}
		limit = n
	}

	records, err := e.History(storage.HistoryQuery{Limit: limit})
	if err != nil {
		return protocol.NewErrorResponse(err.Error())
	}
	return protocol.NewSuccessResponse(map[string]interface{}{
		"transmissions": records,
		"count":         len(records),
	})
}
