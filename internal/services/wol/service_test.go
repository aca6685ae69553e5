package wol

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	wakeFunc func(broadcastIP string, mac net.HardwareAddr) error
}

func (m *mockSender) Wake(broadcastIP string, mac net.HardwareAddr) error {
	if m.wakeFunc != nil {
		return m.wakeFunc(broadcastIP, mac)
	}
	return nil
}

type mockDialer struct {
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (m *mockDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if m.dialFunc != nil {
		return m.dialFunc(ctx, network, addr)
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestWake_Success_NoHostAddress(t *testing.T) {
	var capturedMAC net.HardwareAddr
	var capturedBroadcastIP string

	wolClient := &mockSender{
		wakeFunc: func(broadcastIP string, mac net.HardwareAddr) error {
			capturedMAC = mac
			capturedBroadcastIP = broadcastIP
			return nil
		},
	}

	svc := NewWithSender(testLogger(), wolClient, nil)

	cfg := models.WOLConfig{
		MACAddress:  "AA:BB:CC:DD:EE:FF",
		BroadcastIP: "192.168.1.255",
	}

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.True(t, result.HostReady)
	assert.Nil(t, result.Error)

	expectedMAC, _ := net.ParseMAC("AA:BB:CC:DD:EE:FF")
	assert.Equal(t, expectedMAC, capturedMAC)
	assert.Equal(t, "192.168.1.255", capturedBroadcastIP)
}

func TestWake_InvalidMAC(t *testing.T) {
	svc := NewWithSender(testLogger(), &mockSender{}, nil)

	result, err := svc.Wake(context.Background(), models.WOLConfig{
		MACAddress:  "invalid-mac",
		BroadcastIP: "192.168.1.255",
	})

	require.NoError(t, err)
	assert.False(t, result.PacketSent)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "invalid MAC address")
}

func TestWake_SendFailed(t *testing.T) {
	wolClient := &mockSender{
		wakeFunc: func(_ string, _ net.HardwareAddr) error {
			return errors.New("network error")
		},
	}

	svc := NewWithSender(testLogger(), wolClient, nil)

	result, err := svc.Wake(context.Background(), models.WOLConfig{
		MACAddress:  "AA:BB:CC:DD:EE:FF",
		BroadcastIP: "192.168.1.255",
	})

	require.NoError(t, err)
	assert.False(t, result.PacketSent)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "network error")
}

func TestWake_PollsRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	svc := NewWithSender(testLogger(), &mockSender{}, &net.Dialer{Timeout: time.Second})

	result, err := svc.Wake(context.Background(), models.WOLConfig{
		MACAddress:   "AA:BB:CC:DD:EE:FF",
		BroadcastIP:  "192.168.1.255",
		HostAddress:  ln.Addr().String(),
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.True(t, result.HostReady)
	assert.Nil(t, result.Error)
}

func TestWake_DelayedSuccess(t *testing.T) {
	var calls atomic.Int32
	dialer := &mockDialer{
		dialFunc: func(_ context.Context, network, addr string) (net.Conn, error) {
			assert.Equal(t, "tcp", network)
			assert.Equal(t, "192.168.1.100:22", addr)
			if calls.Add(1) < 3 {
				return nil, errors.New("connection refused")
			}
			client, server := net.Pipe()
			_ = server.Close()
			return client, nil
		},
	}

	svc := NewWithSender(testLogger(), &mockSender{}, dialer)

	result, err := svc.Wake(context.Background(), models.WOLConfig{
		MACAddress:   "AA:BB:CC:DD:EE:FF",
		BroadcastIP:  "192.168.1.255",
		HostAddress:  "192.168.1.100:22",
		Timeout:      10 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.True(t, result.HostReady)
	assert.Nil(t, result.Error)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWake_Timeout(t *testing.T) {
	dialer := &mockDialer{
		dialFunc: func(_ context.Context, _, _ string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}

	svc := NewWithSender(testLogger(), &mockSender{}, dialer)

	result, err := svc.Wake(context.Background(), models.WOLConfig{
		MACAddress:   "AA:BB:CC:DD:EE:FF",
		BroadcastIP:  "192.168.1.255",
		HostAddress:  "192.168.1.100:22",
		Timeout:      50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.False(t, result.HostReady)
	require.Error(t, result.Error)
	assert.EqualError(t, result.Error, "timeout waiting for remote host at 192.168.1.100:22")
	assert.Positive(t, result.WaitDuration)
}

func TestWake_NoTimeoutWaitsForCaller(t *testing.T) {
	dialer := &mockDialer{
		dialFunc: func(_ context.Context, _, _ string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := NewWithSender(testLogger(), &mockSender{}, dialer)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result, err := svc.Wake(ctx, models.WOLConfig{
		MACAddress:   "AA:BB:CC:DD:EE:FF",
		BroadcastIP:  "192.168.1.255",
		HostAddress:  "192.168.1.100:22",
		PollInterval: 10 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.False(t, result.HostReady)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestWake_ContextCancelled(t *testing.T) {
	dialer := &mockDialer{
		dialFunc: func(_ context.Context, _, _ string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}

	svc := NewWithSender(testLogger(), &mockSender{}, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := svc.Wake(ctx, models.WOLConfig{
		MACAddress:   "AA:BB:CC:DD:EE:FF",
		BroadcastIP:  "192.168.1.255",
		HostAddress:  "192.168.1.100:22",
		Timeout:      10 * time.Second,
		PollInterval: 100 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.False(t, result.HostReady)
	assert.Equal(t, context.Canceled, result.Error)
}

func TestWake_WithStabilizeWait(t *testing.T) {
	svc := NewWithSender(testLogger(), &mockSender{}, &mockDialer{})

	stabilizeWait := 50 * time.Millisecond
	start := time.Now()
	result, err := svc.Wake(context.Background(), models.WOLConfig{
		MACAddress:    "AA:BB:CC:DD:EE:FF",
		BroadcastIP:   "192.168.1.255",
		HostAddress:   "192.168.1.100:22",
		Timeout:       10 * time.Second,
		PollInterval:  10 * time.Millisecond,
		StabilizeWait: stabilizeWait,
	})

	require.NoError(t, err)
	assert.True(t, result.HostReady)
	assert.GreaterOrEqual(t, time.Since(start), stabilizeWait)
}
