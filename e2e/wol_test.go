//go:build e2e

package e2e

import (
	"context"
	"io"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/wol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// listen accepts and drops TCP connections, standing in for the woken NAS.
func listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return ln.Addr().String()
}

func TestWOL_WithTCPTarget_E2E(t *testing.T) {
	addr := listen(t)

	// Mock WOL client that doesn't actually send packets
	svc := wol.NewWithSender(testLogger(), &mockSender{}, &net.Dialer{Timeout: time.Second})

	cfg := models.WOLConfig{
		MACAddress:    "AA:BB:CC:DD:EE:FF",
		BroadcastIP:   "255.255.255.255",
		HostAddress:   addr,
		Timeout:       5 * time.Second,
		PollInterval:  100 * time.Millisecond,
		StabilizeWait: 100 * time.Millisecond,
	}

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.True(t, result.HostReady)
	assert.Nil(t, result.Error)
	assert.GreaterOrEqual(t, result.WaitDuration, 100*time.Millisecond)
}

func TestWOL_DelayedTarget_E2E(t *testing.T) {
	// Reserve a port, then start listening on it only after a few polls.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var dials atomic.Int32
	dialer := &countingDialer{dials: &dials}
	lateCh := make(chan net.Listener, 1)
	t.Cleanup(func() {
		select {
		case late := <-lateCh:
			_ = late.Close()
		default:
		}
	})
	go func() {
		for dials.Load() < 3 {
			time.Sleep(10 * time.Millisecond)
		}
		late, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		lateCh <- late
		for {
			conn, err := late.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	svc := wol.NewWithSender(testLogger(), &mockSender{}, dialer)

	cfg := models.WOLConfig{
		MACAddress:    "AA:BB:CC:DD:EE:FF",
		BroadcastIP:   "255.255.255.255",
		HostAddress:   addr,
		Timeout:       5 * time.Second,
		PollInterval:  50 * time.Millisecond,
		StabilizeWait: 50 * time.Millisecond,
	}

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.True(t, result.HostReady)
	assert.Nil(t, result.Error)
	assert.GreaterOrEqual(t, dials.Load(), int32(3))
}

func TestWOL_TargetNeverReady_E2E(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	svc := wol.NewWithSender(testLogger(), &mockSender{}, &net.Dialer{Timeout: 50 * time.Millisecond})

	cfg := models.WOLConfig{
		MACAddress:    "AA:BB:CC:DD:EE:FF",
		BroadcastIP:   "255.255.255.255",
		HostAddress:   addr,
		Timeout:       200 * time.Millisecond,
		PollInterval:  50 * time.Millisecond,
		StabilizeWait: 0,
	}

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.False(t, result.HostReady)
	assert.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "timeout")
}

// Mock implementations for E2E tests
type mockSender struct{}

func (m *mockSender) Wake(broadcastIP string, mac net.HardwareAddr) error {
	return nil
}

type countingDialer struct {
	dials *atomic.Int32
}

func (d *countingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.dials.Add(1)
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, addr)
}

// RealWOL tests - only run if explicitly configured
func TestRealWOL_E2E(t *testing.T) {
	mac := os.Getenv("TEST_WOL_MAC")
	if mac == "" {
		t.Skip("TEST_WOL_MAC not set")
	}

	pollAddress := os.Getenv("TEST_WOL_POLL_ADDRESS")

	svc := wol.New(testLogger())

	cfg := models.WOLConfig{
		MACAddress:    mac,
		BroadcastIP:   "255.255.255.255",
		HostAddress:   pollAddress,
		Timeout:       5 * time.Minute,
		PollInterval:  10 * time.Second,
		StabilizeWait: 10 * time.Second,
	}

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	if pollAddress != "" {
		assert.True(t, result.HostReady)
	}
}
