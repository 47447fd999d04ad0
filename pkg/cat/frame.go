package cat

import (
	"errors"
	"fmt"
)

// Terminator ends every command and every response frame
const Terminator = ';'

var (
	// ErrBadResponse covers wrong length, prefix, terminator, non-digit
	// payload and silence once the retry budget is spent.
	ErrBadResponse = errors.New("bad response from radio")
	// ErrDeviceBusy is returned only when the radio keeps answering busy
	// past MaxBusyRetries.
	ErrDeviceBusy = errors.New("radio stayed busy")
	// ErrWrite means the command could not be written to the port
	ErrWrite = errors.New("serial write failed")
	// ErrInvalidCommand is a caller bug: malformed command or lengths
	ErrInvalidCommand = errors.New("invalid command")
)

// busyReply is what the radio sends when it cannot take a command yet
var busyReply = []byte{'?', Terminator}

// IsBusy reports whether resp is the two-byte busy reply
func IsBusy(resp []byte) bool {
	return len(resp) == 2 && resp[0] == busyReply[0] && resp[1] == busyReply[1]
}

// ValidateResponse checks resp against the frame expected for cmd. The
// first echoLen bytes must repeat the command prefix, the frame must be
// exactly totalLen bytes, end with the terminator, and carry only ASCII
// digits in between.
func ValidateResponse(cmd string, resp []byte, echoLen, totalLen int) error {
	if len(resp) != totalLen {
		return fmt.Errorf("%w: length %d, want %d", ErrBadResponse, len(resp), totalLen)
	}
	if string(resp[:echoLen]) != cmd[:echoLen] {
		return fmt.Errorf("%w: prefix %q, want %q", ErrBadResponse, resp[:echoLen], cmd[:echoLen])
	}
	if resp[totalLen-1] != Terminator {
		return fmt.Errorf("%w: terminator %q", ErrBadResponse, resp[totalLen-1])
	}
	for i := echoLen; i < totalLen-1; i++ {
		if resp[i] < '0' || resp[i] > '9' {
			return fmt.Errorf("%w: non-digit %q at %d", ErrBadResponse, resp[i], i)
		}
	}
	return nil
}

// ValidatePrefix checks a variable-length frame: command prefix and terminator only
func ValidatePrefix(cmd string, resp []byte, echoLen int) error {
	if len(resp) < echoLen+1 {
		return fmt.Errorf("%w: short frame %q", ErrBadResponse, resp)
	}
	if string(resp[:echoLen]) != cmd[:echoLen] {
		return fmt.Errorf("%w: prefix %q, want %q", ErrBadResponse, resp[:echoLen], cmd[:echoLen])
	}
	if resp[len(resp)-1] != Terminator {
		return fmt.Errorf("%w: missing terminator", ErrBadResponse)
	}
	return nil
}

func checkCommand(cmd string, echoLen, totalLen int) error {
	if len(cmd) < 2 || cmd[len(cmd)-1] != Terminator {
		return fmt.Errorf("%w: %q is not terminated", ErrInvalidCommand, cmd)
	}
	if echoLen < 2 || echoLen > 3 || echoLen >= len(cmd) {
		return fmt.Errorf("%w: echo length %d for %q", ErrInvalidCommand, echoLen, cmd)
	}
	if totalLen != 0 && totalLen < echoLen+1 {
		return fmt.Errorf("%w: total length %d shorter than echo", ErrInvalidCommand, totalLen)
	}
	return nil
}
