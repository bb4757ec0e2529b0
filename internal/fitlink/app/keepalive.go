package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/fitlink/internal/fitlink/store"
	"github.com/aussiebroadwan/fitlink/pkg/connect"
	"github.com/aussiebroadwan/fitlink/pkg/idx"
	"github.com/aussiebroadwan/fitlink/pkg/slogx"
)

// KeepAliveService periodically refreshes the bearer token ahead of its
// expiry and prunes old token history, so a long-running process never
// makes a request with a stale token.
type KeepAliveService struct {
	Client    *connect.Client
	History   store.History // optional
	Logger    *slog.Logger
	Interval  time.Duration
	Lead      time.Duration
	Retention time.Duration

	now func() time.Time

	// Internal channels for lifecycle management
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewKeepAliveService creates a keep-alive worker. If the interval is 0 or
// negative, it defaults to 5 minutes.
func NewKeepAliveService(client *connect.Client, logger *slog.Logger, cfg KeepAliveConfig) *KeepAliveService {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}

	return &KeepAliveService{
		Client:    client,
		Logger:    logger,
		Interval:  cfg.Interval,
		Lead:      cfg.Lead,
		Retention: cfg.Retention,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the background worker. Call Stop to shut it down.
func (s *KeepAliveService) Start() {
	go s.run()
	s.Logger.Info("keep-alive service started", "interval", s.Interval, "lead", s.Lead)
}

// Stop shuts down the worker, blocking until any in-progress cycle ends.
func (s *KeepAliveService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("keep-alive service stopped")
}

func (s *KeepAliveService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Check immediately on startup
	s.cycle()

	for {
		select {
		case <-ticker.C:
			s.cycle()
		case <-s.stopCh:
			return
		}
	}
}

// cycle runs one keep-alive pass. A refresh failure does not stop pruning.
func (s *KeepAliveService) cycle() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ctx = slogx.WithRequestID(slogx.WithContext(ctx, s.Logger), idx.New().String())
	logger := slogx.FromContext(ctx)

	refreshed, err := s.refreshIfDue(ctx)
	switch {
	case err != nil:
		logger.Error("keep-alive refresh failed", "error", err, "kind", connect.KindOf(err))
	case refreshed:
		logger.Info("bearer token refreshed ahead of expiry")
	}

	if s.History != nil && s.Retention > 0 {
		pruned, err := s.History.PruneEvents(ctx, s.now().Add(-s.Retention))
		if err != nil {
			logger.Error("failed to prune token history", "error", err)
		} else if pruned > 0 {
			logger.Debug("pruned token history", "deleted", pruned)
		}
	}
}

// refreshIfDue refreshes the bearer token when it expires within Lead.
func (s *KeepAliveService) refreshIfDue(ctx context.Context) (bool, error) {
	bundle := s.Client.Session().Bundle()
	if bundle == nil {
		slogx.FromContext(ctx).Debug("not logged in, nothing to keep alive")
		return false, nil
	}

	if !bundle.Bearer.Expired(s.now().Add(s.Lead)) {
		return false, nil
	}

	if err := s.Client.EnsureFreshToken(ctx); err != nil {
		return false, err
	}
	return true, nil
}
