package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rviscarra/remotedesk/internal/models"
)

// state is what an agent keeps between runs
type state struct {
	DeviceCode models.DeviceCode `json:"device_code"`
}

func loadState(path string) (state, error) {
	var st state

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}

	if err != nil {
		return st, err
	}

	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("state file %s: %w", path, err)
	}

	if st.DeviceCode != "" {
		if _, err := models.ParseDeviceCode(string(st.DeviceCode)); err != nil {
			return state{}, fmt.Errorf("state file %s: %w", path, err)
		}
	}

	return st, nil
}

// saveState writes through a temp file so a crash never leaves a torn file
func saveState(path string, st state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".remotedesk-state-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), path)
}
