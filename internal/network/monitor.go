// Package network probes connectivity and reports changes to the upload machine.
package network

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 5 * time.Second
)

var errMissingSetter = errors.New("network: online setter required")

type Config struct {
	ProbeURL  string
	Interval  time.Duration
	Client    *http.Client
	SetOnline func(online bool)
	Logger    *zap.Logger
}

// Monitor issues a HEAD request against ProbeURL on every tick. Any response counts as online;
// transport failures count as offline. Without a probe URL the monitor reports online once and idles.
type Monitor struct {
	probeURL  string
	interval  time.Duration
	client    *http.Client
	setOnline func(bool)
	logger    *zap.Logger
}

func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.SetOnline == nil {
		return nil, errMissingSetter
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		probeURL:  cfg.ProbeURL,
		interval:  interval,
		client:    client,
		setOnline: cfg.SetOnline,
		logger:    logger,
	}, nil
}

// Probe performs a single connectivity check.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.probeURL == "" {
		return true
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, http.NoBody)
	if err != nil {
		m.logger.Warn("network probe request invalid", zap.String("url", m.probeURL), zap.Error(err))
		return false
	}
	response, err := m.client.Do(request)
	if err != nil {
		m.logger.Debug("network probe failed", zap.Error(err))
		return false
	}
	response.Body.Close()
	return true
}

// Run reports connectivity until ctx is done. Only changes are forwarded after the first probe.
func (m *Monitor) Run(ctx context.Context) error {
	online := m.Probe(ctx)
	m.setOnline(online)
	if m.probeURL == "" {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current := m.Probe(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if current != online {
				online = current
				m.logger.Info("connectivity changed", zap.Bool("online", online))
				m.setOnline(online)
			}
		}
	}
}
