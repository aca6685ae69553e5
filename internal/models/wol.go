package models

import "time"

// WOLConfig describes how to power on the machine behind a remote.
type WOLConfig struct {
	MACAddress    string
	BroadcastIP   string
	HostAddress   string        // host:port dialed until the remote host accepts connections
	Timeout       time.Duration // max time to wait for the remote host
	PollInterval  time.Duration // how often to dial
	StabilizeWait time.Duration // wait after the remote host answers
}

// WOLResult is the outcome of waking a remote host.
type WOLResult struct {
	PacketSent   bool
	HostReady    bool
	WaitDuration time.Duration
	Error        error
}
