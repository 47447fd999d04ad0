package cat

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the serial byte transport the engine runs over. A go.bug.st/serial
// port satisfies it; tests and the simulator provide in-memory versions.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	SetMode(mode *serial.Mode) error
}

// OpenSerial opens device at the given rate with 8N1 framing
func OpenSerial(device string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}
	return port, nil
}

func modeFor(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}
