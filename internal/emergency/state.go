package emergency

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeEmergency Mode = "emergency"
)

// Thresholds are the conditions that force an emergency transition.
type Thresholds struct {
	MaxLatency        time.Duration   `json:"max_latency" yaml:"max_latency"`
	MarketDataMaxAge  time.Duration   `json:"market_data_max_age" yaml:"market_data_max_age"`
	MinAvailableFunds decimal.Decimal `json:"min_available_funds" yaml:"min_available_funds"`
}

// State is the durable emergency state. Decimal values serialize as
// strings so the file round-trips without precision loss.
type State struct {
	Mode           Mode                       `json:"mode"`
	PositionLimits map[string]decimal.Decimal `json:"position_limits"`
	Thresholds     Thresholds                 `json:"thresholds"`
	LastTransition time.Time                  `json:"last_transition"`
}

func defaultState(thresholds Thresholds) State {
	return State{
		Mode:           ModeNormal,
		PositionLimits: make(map[string]decimal.Decimal),
		Thresholds:     thresholds,
	}
}

// Store persists emergency state durably.
type Store interface {
	Save(State) error
	Load() (State, bool, error)
}

// FileStore persists state as JSON via write-to-temp-then-rename, so a
// crash mid-write never leaves a half-written state file observable.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Save(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal emergency state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Load reads the state file. The second return is false when no usable
// state exists (missing or corrupt file), in which case the caller
// falls back to defaults and re-persists.
func (s *FileStore) Load() (State, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read state file: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		// Corrupt state is recoverable: reconstruct from defaults.
		return State{}, false, nil
	}
	if state.PositionLimits == nil {
		state.PositionLimits = make(map[string]decimal.Decimal)
	}
	return state, true, nil
}
