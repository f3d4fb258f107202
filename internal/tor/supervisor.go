package tor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"onion-proxy-go/internal/config"
	"onion-proxy-go/internal/metrics"
)

// stopGracePeriod is how long Stop waits for the child to exit after the
// interrupt signal before killing it.
const stopGracePeriod = 5 * time.Second

// logLine is one line of child process output with its origin stream.
type logLine struct {
	stream string
	text   string
}

// Supervisor launches and owns the Tor child process, streaming its output
// line-by-line to the log sink tagged with a source label. There is no
// restart policy: if the child dies, the SOCKS endpoint stays unreachable
// and every forwarded request fails until the gateway is restarted.
type Supervisor struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	cmd      *exec.Cmd
	embedded *embeddedDaemon

	// lines decouples output consumption from the pipe readers; the
	// consumer goroutine is the only writer to the log sink.
	lines    chan logLine
	procDone chan struct{}
}

// NewSupervisor creates a supervisor for the Tor daemon described by cfg.
// The metrics parameter is optional; pass nil to disable process metrics.
func NewSupervisor(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		logger:   logger.With("component", "tor_supervisor"),
		metrics:  m,
		lines:    make(chan logLine, 64),
		procDone: make(chan struct{}),
	}
}

// Start launches the Tor daemon. In embedded mode the daemon is managed by
// tornago and the call blocks until bootstrap completes; otherwise the
// external binary is spawned asynchronously and the caller is expected to
// gate on the SOCKS endpoint before serving traffic. A spawn failure is
// returned immediately and is fatal to startup.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.Tor.Embedded {
		return s.startEmbedded(ctx)
	}

	if s.cfg.Tor.DataDir != "" {
		if err := os.MkdirAll(s.cfg.Tor.DataDir, 0o700); err != nil {
			return fmt.Errorf("create tor data dir: %w", err)
		}
	}

	cmd := exec.Command(s.cfg.Tor.Binary, s.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tor stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("tor stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", s.cfg.Tor.Binary, err)
	}
	s.cmd = cmd
	s.setProcessUp(true)

	s.logger.Info("tor process started",
		"binary", s.cfg.Tor.Binary,
		"pid", cmd.Process.Pid,
		"socks_addr", s.cfg.Socks.Addr(),
	)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pump(&pumps, stdout, "stdout")
	go s.pump(&pumps, stderr, "stderr")
	go func() {
		pumps.Wait()
		close(s.lines)
	}()
	go s.consume()
	go s.reap(cmd)

	return nil
}

// args builds the tor command line from the config. The torrc path is
// passed with -f per the tor CLI contract; SOCKS port and data directory
// are pinned explicitly so the probe target matches what tor binds.
func (s *Supervisor) args() []string {
	args := []string{}
	if s.cfg.Tor.Torrc != "" {
		args = append(args, "-f", s.cfg.Tor.Torrc)
	}
	args = append(args, "--SocksPort", s.cfg.Socks.Addr())
	if s.cfg.Tor.DataDir != "" {
		args = append(args, "--DataDirectory", s.cfg.Tor.DataDir)
	}
	return args
}

// pump reads one output stream line-by-line into the line channel.
func (s *Supervisor) pump(wg *sync.WaitGroup, r io.Reader, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.lines <- logLine{stream: stream, text: scanner.Text()}
	}
}

// consume drains the line channel into the log sink.
func (s *Supervisor) consume() {
	for ln := range s.lines {
		s.logger.Info(ln.text,
			"source", "tor",
			"stream", ln.stream,
		)
	}
}

// reap waits for the child to exit and records the outcome. A dead child is
// not restarted; the readiness of the SOCKS endpoint simply never recovers.
func (s *Supervisor) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	s.setProcessUp(false)
	if err != nil {
		s.logger.Warn("tor process exited", "err", err)
	} else {
		s.logger.Info("tor process exited cleanly")
	}
	close(s.procDone)
}

// Stop shuts the child down: interrupt first, kill after the grace period.
// Safe to call on an unstarted supervisor.
func (s *Supervisor) Stop() error {
	if s.embedded != nil {
		return s.stopEmbedded()
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			<-s.procDone
			return nil
		}
		return s.cmd.Process.Kill()
	}

	select {
	case <-s.procDone:
		return nil
	case <-time.After(stopGracePeriod):
		s.logger.Warn("tor process did not exit; killing")
		err := s.cmd.Process.Kill()
		<-s.procDone
		return err
	}
}

// Running reports whether the supervised daemon is currently alive.
func (s *Supervisor) Running() bool {
	if s.embedded != nil {
		return true
	}
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.procDone:
		return false
	default:
		return true
	}
}

func (s *Supervisor) setProcessUp(up bool) {
	if s.metrics == nil {
		return
	}
	if up {
		s.metrics.TorProcessUp.Set(1)
	} else {
		s.metrics.TorProcessUp.Set(0)
	}
}
