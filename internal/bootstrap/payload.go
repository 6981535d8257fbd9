package bootstrap

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Payload is the relay executable delivered to the remote host.
type Payload struct {
	Size int64
	Open func() (io.ReadCloser, error)
}

// ExecutablePayload returns the running executable as a payload.
func ExecutablePayload() (*Payload, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat executable: %w", err)
	}

	return &Payload{
		Size: fi.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// BytesPayload wraps an in-memory payload.
func BytesPayload(b []byte) *Payload {
	return &Payload{
		Size: int64(len(b)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil },
	}
}

// framedReader yields exactly Size bytes, which is what the remote
// `head -c SIZE` consumes before the stream is closed.
func (p *Payload) framedReader() (io.Reader, io.Closer, error) {
	rc, err := p.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open payload: %w", err)
	}
	return io.LimitReader(rc, p.Size), rc, nil
}
