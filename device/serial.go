package device

import (
	"context"
	"fmt"
	"io"

	serial "github.com/allbin/go-serial"
)

// SerialEndpoint opens a local serial/UART port at a fixed baud rate.
type SerialEndpoint struct {
	Path string
	Baud int
}

func (e *SerialEndpoint) String() string {
	return fmt.Sprintf("serial:%s@%d", e.Path, e.Baud)
}

func (e *SerialEndpoint) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	port, err := serial.Open(e.Path, serial.WithBaudRate(e.Baud))
	if err != nil {
		return nil, err
	}
	return port, nil
}
