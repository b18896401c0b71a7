// Package governance decides whether deployments are currently frozen.
package governance

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidFreezeWindow = errors.New("invalid freeze window")

// WindowConfig is the JSON form of a freeze window: a cron start expression, how long the
// freeze lasts after each start, and the environments it applies to (all when empty).
type WindowConfig struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Duration string   `json:"duration"`
	EnvIDs   []string `json:"env_ids,omitempty"`
}

type window struct {
	name     string
	schedule cron.Schedule
	duration time.Duration
	envIDs   []string
}

func (w window) appliesTo(envID string) bool {
	return len(w.envIDs) == 0 || slices.Contains(w.envIDs, envID)
}

// active reports whether at falls in [start, start+duration) for some start of the schedule.
func (w window) active(at time.Time) bool {
	start := w.schedule.Next(at.Add(-w.duration))

	return !start.After(at)
}

// FreezeChecker evaluates a fixed set of freeze windows.
type FreezeChecker struct {
	windows []window
	logger  *slog.Logger
}

// NewFreezeChecker parses configs; a window with a bad schedule or duration fails the whole set.
func NewFreezeChecker(logger *slog.Logger, configs ...WindowConfig) (*FreezeChecker, error) {
	windows := make([]window, 0, len(configs))

	for _, config := range configs {
		if config.Name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidFreezeWindow)
		}

		schedule, err := cron.ParseStandard(config.Schedule)
		if err != nil {
			return nil, fmt.Errorf("%w %s: schedule %q: %w", ErrInvalidFreezeWindow, config.Name, config.Schedule, err)
		}

		duration, err := time.ParseDuration(config.Duration)
		if err != nil || duration <= 0 {
			return nil, fmt.Errorf("%w %s: duration %q", ErrInvalidFreezeWindow, config.Name, config.Duration)
		}

		windows = append(windows, window{
			name:     config.Name,
			schedule: schedule,
			duration: duration,
			envIDs:   config.EnvIDs,
		})
	}

	return &FreezeChecker{
		windows: windows,
		logger:  logger.With("module", "deployment_freeze"),
	}, nil
}

// ParseWindows reads the JSON array given through --freeze-windows. Blank input means no windows.
func ParseWindows(raw string) ([]WindowConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var configs []WindowConfig
	if err := json.Unmarshal([]byte(raw), &configs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFreezeWindow, err)
	}

	return configs, nil
}

// ActiveFreeze returns the name of the first window freezing envID at the given time.
func (f *FreezeChecker) ActiveFreeze(at time.Time, envID string) (string, bool) {
	for _, w := range f.windows {
		if w.appliesTo(envID) && w.active(at) {
			f.logger.Debug("deployment freeze active", "window", w.name, "env_id", envID)

			return w.name, true
		}
	}

	return "", false
}
