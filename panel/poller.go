package panel

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval matches the refresh period of the sensor dashboard.
const DefaultPollInterval = 2500 * time.Millisecond

// Poller runs a task on a fixed interval until released. A tick is skipped,
// not queued, when the previous one is still running.
type Poller struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewPoller starts polling. The first run happens after one interval.
// Task errors are logged and polling continues.
func NewPoller(interval time.Duration, task func(ctx context.Context) error, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := task(ctx); err != nil && ctx.Err() == nil {
					logger.Warn("poll failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return p
}

// PollReadings refreshes state from read_sensors every interval.
func PollReadings(api *API, state *State, interval time.Duration, logger *slog.Logger) *Poller {
	return NewPoller(interval, func(ctx context.Context) error {
		r, err := api.ReadSensors(ctx)
		if err != nil {
			return err
		}
		state.SetReadings(r)
		return nil
	}, logger)
}

// Release stops the timer, cancels the in-flight tick and waits for it to
// return. It is idempotent.
func (p *Poller) Release() {
	p.once.Do(p.cancel)
	<-p.done
}
