package link

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// DefaultBaudRate is what the fan controller firmware configures.
const DefaultBaudRate = 9600

// Opener opens the transport for a resolved port name.
type Opener interface {
	Open(name string) (io.ReadWriteCloser, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(name string) (io.ReadWriteCloser, error)

func (f OpenerFunc) Open(name string) (io.ReadWriteCloser, error) { return f(name) }

// SerialOpener opens a real serial port at 8N1.
type SerialOpener struct {
	BaudRate int
}

func (o SerialOpener) Open(name string) (io.ReadWriteCloser, error) {
	baud := o.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("link: failed to open %s: %w", name, err)
	}
	// Drop anything the board printed while it was resetting on open.
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("link: failed to reset input on %s: %w", name, err)
	}
	return port, nil
}
