package node

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// loopService adapts a blocking run(ctx) error function to
// shared/service.Service, the shape each per-network Syncer is
// registered under (the CancellationEngine uses tickingService). Modeled on
// beacon-chain/powchain's Web3Service, which is likewise a bare
// "goroutine plus cancel func" behind Start/Stop/Status.
type loopService struct {
	name   string
	run    func(ctx context.Context) error
	cancel context.CancelFunc
	errCh  chan error
}

func newLoopService(name string, run func(ctx context.Context) error) *loopService {
	return &loopService{name: name, run: run, errCh: make(chan error, 1)}
}

func (s *loopService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		s.errCh <- s.run(ctx)
	}()
}

func (s *loopService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if err := <-s.errCh; err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// tickingService adapts a func(ctx) error that runs one pass (e.g.
// CancellationEngine.Run) into a Service that re-invokes it on every
// tick of interval until stopped, logging (not failing) per-pass
// errors so one bad pass doesn't take the whole node down.
type tickingService struct {
	name     string
	interval time.Duration
	pass     func(ctx context.Context) error
	cancel   context.CancelFunc
	done     chan struct{}
}

func newTickingService(name string, interval time.Duration, pass func(ctx context.Context) error) *tickingService {
	return &tickingService{name: name, interval: interval, pass: pass, done: make(chan struct{})}
}

func (s *tickingService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.pass(ctx); err != nil {
					logrus.WithError(err).WithField("service", s.name).Error("periodic pass failed")
				}
			}
		}
	}()
}

func (s *tickingService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	return nil
}

func (s *tickingService) Status() error {
	return nil
}

func (s *loopService) Status() error {
	select {
	case err := <-s.errCh:
		// Put it back so Stop() can still observe it. An early exit
		// with an error is reported as unhealthy; a clean early exit
		// is only logged.
		s.errCh <- err
		if err != nil {
			return err
		}
		logrus.WithField("service", s.name).Warn("service loop exited before being asked to stop")
		return nil
	default:
		return nil
	}
}
