package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/dougsko/rigbridge/pkg/protocol"
)

// SocketClient talks to the engine's control socket
type SocketClient struct {
	socketPath string
	timeout    time.Duration
}

// NewSocketClient creates a new socket client
func NewSocketClient(socketPath string) *SocketClient {
	return &SocketClient{
		socketPath: socketPath,
		timeout:    15 * time.Second,
	}
}

// SetTimeout bounds the dial and the whole exchange. Keyer and ATU
// commands hold the radio for several seconds.
func (c *SocketClient) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SendCommand sends a command and returns the response
func (c *SocketClient) SendCommand(cmd string) (*protocol.Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	_, err = conn.Write([]byte(cmd + "\n"))
	if err != nil {
		return nil, fmt.Errorf("send error: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read error: %w", err)
		}
		return nil, fmt.Errorf("no response received")
	}

	var response protocol.Response
	if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	return &response, nil
}

// decode re-encodes one field of the response data into out
func decode(resp *protocol.Response, field string, out interface{}) error {
	value, ok := resp.Data[field]
	if !ok {
		return fmt.Errorf("%s not found in response", field)
	}
	data, _ := json.Marshal(value)
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return nil
}

func (c *SocketClient) call(cmd string) (*protocol.Response, error) {
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%s: %s", cmd, resp.Error)
	}
	return resp, nil
}

// GetStatus gets the current daemon status
func (c *SocketClient) GetStatus() (*protocol.Status, error) {
	resp, err := c.call(protocol.CmdStatus)
	if err != nil {
		return nil, err
	}

	var status protocol.Status
	if err := decode(resp, "status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetHistory gets the most recent transmissions
func (c *SocketClient) GetHistory(limit int) ([]protocol.TxRecord, error) {
	cmd := protocol.CmdHistory
	if limit > 0 {
		cmd = fmt.Sprintf("%s:%d", protocol.CmdHistory, limit)
	}

	resp, err := c.call(cmd)
	if err != nil {
		return nil, err
	}

	var records []protocol.TxRecord
	if err := decode(resp, "transmissions", &records); err != nil {
		return nil, err
	}
	return records, nil
}

// SetFrequency tunes the radio and returns the frequency it reads back
func (c *SocketClient) SetFrequency(hz int64) (int64, error) {
	resp, err := c.call(fmt.Sprintf("%s:%d", protocol.CmdFrequency, hz))
	if err != nil {
		return 0, err
	}

	var got int64
	if err := decode(resp, "frequency", &got); err != nil {
		return 0, err
	}
	return got, nil
}

// CancelFT8 stops the current FT8 job
func (c *SocketClient) CancelFT8() error {
	_, err := c.call(protocol.CmdFT8 + ":cancel")
	return err
}

// Ping tests the connection
func (c *SocketClient) Ping() error {
	_, err := c.call(protocol.CmdPing)
	return err
}

// IsConnected tests if the daemon is reachable
func (c *SocketClient) IsConnected() bool {
	return c.Ping() == nil
}
