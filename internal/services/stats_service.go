package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/rs/zerolog"
)

// StatsSource reports the live registry counters.
type StatsSource interface {
	GetStats() models.RegistryStats
}

// StatsService logs registry stats at a fixed interval.
type StatsService struct {
	Interval    time.Duration
	Source      StatsSource
	PendingAuth func() int // optional
	Logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatsService initializes a new StatsService.
func NewStatsService(interval time.Duration, source StatsSource, pendingAuth func() int, logger zerolog.Logger) *StatsService {
	return &StatsService{
		Interval:    interval,
		Source:      source,
		PendingAuth: pendingAuth,
		Logger:      logger.With().Str("component", "stats").Logger(),
	}
}

// Start launches the stats loop in a separate goroutine.
func (s *StatsService) Start() error {
	if s.ctx != nil {
		s.Logger.Warn().Msg("StatsService is already running")
		return errors.New("stats service is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStatsLoop()
	}()

	s.Logger.Info().Dur("interval", s.Interval).Msg("StatsService started successfully")
	return nil
}

// Stop gracefully stops the stats service.
func (s *StatsService) Stop() error {
	if s.ctx == nil {
		s.Logger.Warn().Msg("StatsService is not running")
		return errors.New("stats service is not running")
	}

	s.cancel()
	s.wg.Wait()

	s.ctx = nil
	s.cancel = nil

	s.Logger.Info().Msg("StatsService stopped successfully")
	return nil
}

func (s *StatsService) runStatsLoop() {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.report()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *StatsService) report() {
	stats := s.Source.GetStats()
	ev := s.Logger.Info().
		Int("connections", stats.TotalConnections).
		Int("customers", stats.Customers).
		Int("boxes", stats.Boxes).
		Int("pending_requests", stats.PendingRequests)
	if s.PendingAuth != nil {
		ev = ev.Int("pending_auth", s.PendingAuth())
	}
	ev.Msg("Relay stats")
}
