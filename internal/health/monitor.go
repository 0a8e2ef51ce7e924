package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ncecere/gemini_chat_gateway/internal/config"
	"github.com/ncecere/gemini_chat_gateway/internal/providers"
	"github.com/ncecere/gemini_chat_gateway/internal/rotator"
)

// Monitor periodically probes excluded credentials and lifts the exclusion
// of those the provider accepts again.
type Monitor struct {
	pool      *rotator.Rotator
	prober    providers.Prober
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	startOnce sync.Once
}

// NewMonitor constructs a monitor using the health configuration.
func NewMonitor(pool *rotator.Rotator, prober providers.Prober, cfg config.HealthConfig, logger *slog.Logger) *Monitor {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 || timeout > interval {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		pool:     pool,
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Start begins the monitoring loop until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil || m.pool == nil || m.prober == nil {
		return
	}
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every currently excluded credential once and returns how many
// were restored.
func (m *Monitor) Sweep(ctx context.Context) int {
	excluded := m.pool.Snapshot().Excluded
	if len(excluded) == 0 {
		return 0
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		restored int
	)
	for _, index := range excluded {
		credential, ok := m.pool.Credential(index)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(index int, credential string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			if err := m.prober.Probe(probeCtx, credential); err != nil {
				m.logger.Debug("credential still failing",
					slog.Int("credential_index", index),
					slog.String("credential", rotator.Mask(credential)),
					slog.String("error", err.Error()),
				)
				return
			}
			m.pool.ReportSuccess(index)
			m.logger.Info("credential restored by health probe",
				slog.Int("credential_index", index),
				slog.String("credential", rotator.Mask(credential)),
			)
			mu.Lock()
			restored++
			mu.Unlock()
		}(index, credential)
	}
	wg.Wait()
	return restored
}
