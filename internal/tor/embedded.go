package tor

import (
	"context"
	"time"

	"github.com/nao1215/tornago"
)

// embeddedDaemon wraps a tornago-managed Tor process so the rest of the
// supervisor does not depend on tornago types.
type embeddedDaemon struct {
	process *tornago.TorProcess
}

// startEmbedded launches Tor through tornago instead of an external binary.
// The SOCKS listener is pinned to the configured endpoint so the readiness
// gate and the upstream client keep a fixed address for the process
// lifetime. StartTorDaemon blocks until network bootstrap completes, so in
// this mode the readiness gate normally succeeds on its first probe.
func (s *Supervisor) startEmbedded(ctx context.Context) error {
	budget := time.Duration(s.cfg.Readiness.MaxAttempts) * s.cfg.Readiness.Interval()

	launchCfg, err := tornago.NewTorLaunchConfig(
		tornago.WithTorSocksAddr(s.cfg.Socks.Addr()),
		tornago.WithTorControlAddr("127.0.0.1:0"),
		tornago.WithTorStartupTimeout(budget),
	)
	if err != nil {
		return err
	}

	process, err := tornago.StartTorDaemon(launchCfg)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		_ = process.Stop()
		return ctx.Err()
	default:
	}

	s.embedded = &embeddedDaemon{process: process}
	s.setProcessUp(true)

	s.logger.Info("embedded tor ready",
		"socks_addr", process.SocksAddr(),
		"control_addr", process.ControlAddr(),
	)
	return nil
}

func (s *Supervisor) stopEmbedded() error {
	err := s.embedded.process.Stop()
	s.embedded = nil
	s.setProcessUp(false)
	return err
}
