package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Command represents a command sent over the control socket
type Command struct {
	Type string                 `json:"type"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Response is the envelope for every control socket and HTTP reply
type Response struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// TxRecord is one entry of the transmission log
type TxRecord struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Frequency int64     `json:"frequency"`
	Mode      string    `json:"mode"`
	Detail    string    `json:"detail"`
	Outcome   string    `json:"outcome"`
	JobID     string    `json:"job_id,omitempty"`
	Symbols   int       `json:"symbols,omitempty"`
}

// Transmission kinds and outcomes
const (
	KindFT8     = "FT8"
	KindKeyer   = "KEYER"
	KindATU     = "ATU"
	KindMessage = "MESSAGE"

	OutcomeOK        = "ok"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Status represents the current daemon and radio status
type Status struct {
	Connected    bool      `json:"connected"`
	Family       string    `json:"family"`
	Baud         int       `json:"baud"`
	Frequency    int64     `json:"frequency"`
	Mode         string    `json:"mode"`
	Power        int       `json:"power"`
	Volume       int       `json:"volume"`
	Transmitting bool      `json:"transmitting"`
	Simulated    bool      `json:"simulated"`
	Uptime       string    `json:"uptime"`
	StartTime    time.Time `json:"start_time"`
	Version      string    `json:"version"`
}

// ErrEmptyCommand is returned for a blank command line
var ErrEmptyCommand = errors.New("empty command")

// argNames maps a command to the name of its single argument
var argNames = map[string]string{
	CmdFrequency: "frequency",
	CmdMode:      "mode",
	CmdPower:     "power",
	CmdVolume:    "volume",
	CmdXmit:      "state",
	CmdMsg:       "bank",
	CmdKeyer:     "text",
	CmdTime:      "time",
	CmdFT8:       "action",
	CmdHistory:   "limit",
}

// ParseCommand parses a text command into a Command struct.
// The argument is everything after the first colon, so TIME:12:30:00 and
// KEYER:CQ DE N0CALL keep their colons and spaces.
func ParseCommand(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyCommand
	}
	parts := strings.SplitN(text, ":", 2)

	cmd := &Command{
		Type: strings.ToUpper(strings.TrimSpace(parts[0])),
		Args: make(map[string]interface{}),
	}

	if len(parts) > 1 {
		args := parts[1]
		if cmd.Type != CmdKeyer {
			args = strings.TrimSpace(args)
		}
		if name, ok := argNames[cmd.Type]; ok && args != "" {
			cmd.Args[name] = args
		}
	}

	return cmd, nil
}

// Arg returns a string argument or ""
func (c *Command) Arg(name string) string {
	v, _ := c.Args[name].(string)
	return v
}

// FormatResponse converts a Response to JSON string
func (r *Response) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data map[string]interface{}) *Response {
	return &Response{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}

// Protocol commands
const (
	CmdStatus    = "STATUS"
	CmdPing      = "PING"
	CmdQuit      = "QUIT"
	CmdFrequency = "FREQUENCY"
	CmdMode      = "MODE"
	CmdPower     = "POWER"
	CmdVolume    = "VOLUME"
	CmdXmit      = "XMIT"
	CmdMsg       = "MSG"
	CmdATU       = "ATU"
	CmdKeyer     = "KEYER"
	CmdTime      = "TIME"
	CmdState     = "STATE"
	CmdFT8       = "FT8"
	CmdHistory   = "HISTORY"
)
