package controller

import (
	"os"
	"path/filepath"

	"github.com/rviscarra/remotedesk/internal/wire"
)

// FrameSink consumes received frames
type FrameSink interface {
	WriteFrame(f *wire.Frame) error
}

// FileSink keeps the most recent frame image at Path
type FileSink struct {
	Path string
}

// WriteFrame replaces the file through a rename so readers never see a
// partial image
func (s FileSink) WriteFrame(f *wire.Frame) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".frame-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(f.Image); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), s.Path)
}
