// Package wol powers on the machine behind a remote before a cloud task and
// waits until its storage port answers.
package wol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// Service wakes a remote host.
type Service interface {
	Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error)
}

// Sender broadcasts a magic packet.
type Sender interface {
	Wake(broadcastIP string, mac net.HardwareAddr) error
}

// Dialer reaches the remote host's storage port.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// MagicPacketSender sends magic packets over UDP port 9 with mdlayher/wol.
type MagicPacketSender struct{}

// Wake broadcasts a magic packet for mac.
func (MagicPacketSender) Wake(broadcastIP string, mac net.HardwareAddr) error {
	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return fmt.Errorf("invalid broadcast IP: %s", broadcastIP)
	}

	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("opening magic packet socket: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(net.JoinHostPort(ip.String(), "9"), mac); err != nil {
		return fmt.Errorf("sending magic packet: %w", err)
	}
	return nil
}

// Impl implements Service.
type Impl struct {
	sender Sender
	dialer Dialer
	logger zerolog.Logger
}

// New creates a service that sends real packets.
func New(logger zerolog.Logger) *Impl {
	return NewWithSender(logger, MagicPacketSender{}, &net.Dialer{Timeout: 5 * time.Second})
}

// NewWithSender creates a service with a custom sender and dialer (for testing).
func NewWithSender(logger zerolog.Logger, sender Sender, dialer Dialer) *Impl {
	return &Impl{
		sender: sender,
		dialer: dialer,
		logger: logger,
	}
}

// Wake powers on the remote host. With a HostAddress set it also waits until
// the host accepts TCP connections there, then for StabilizeWait.
// Failures are reported in result.Error.
func (s *Impl) Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
	start := time.Now()
	result := &models.WOLResult{}
	defer func() { result.WaitDuration = time.Since(start) }()

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		result.Error = fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err)
		return result, nil
	}

	log := s.logger.With().Str("mac", cfg.MACAddress).Str("host", cfg.HostAddress).Logger()
	log.Info().Str("broadcast", cfg.BroadcastIP).Msg("waking remote host")

	if err := s.sender.Wake(cfg.BroadcastIP, mac); err != nil {
		result.Error = err
		return result, nil
	}
	result.PacketSent = true

	if cfg.HostAddress == "" {
		log.Info().Msg("magic packet sent, not waiting for remote host")
		result.HostReady = true
		return result, nil
	}

	log.Info().Dur("timeout", cfg.Timeout).Msg("waiting for remote host to come up")
	if err := s.awaitHost(ctx, cfg, log); err != nil {
		result.Error = err
		return result, nil
	}

	result.HostReady = true
	log.Info().Dur("duration", time.Since(start)).Msg("remote host is up")
	return result, nil
}

// awaitHost dials HostAddress every PollInterval until it answers, then
// lets the host settle.
func (s *Impl) awaitHost(ctx context.Context, cfg models.WOLConfig, log zerolog.Logger) error {
	dialCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	for attempt := 1; ; attempt++ {
		conn, err := s.dialer.DialContext(dialCtx, "tcp", cfg.HostAddress)
		if err == nil {
			_ = conn.Close()
			break
		}
		log.Debug().Err(err).Int("attempt", attempt).Msg("remote host not reachable yet")

		select {
		case <-dialCtx.Done():
			return waitErr(ctx, dialCtx, cfg.HostAddress)
		case <-time.After(cfg.PollInterval):
		}
		if dialCtx.Err() != nil {
			return waitErr(ctx, dialCtx, cfg.HostAddress)
		}
	}

	if cfg.StabilizeWait <= 0 {
		return nil
	}
	log.Debug().Dur("wait", cfg.StabilizeWait).Msg("letting remote host settle")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cfg.StabilizeWait):
		return nil
	}
}

// waitErr tells a cancelled caller apart from an expired wait.
func waitErr(parent, dialCtx context.Context, addr string) error {
	if err := parent.Err(); err != nil {
		return err
	}
	if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timeout waiting for remote host at %s", addr)
	}
	return dialCtx.Err()
}
