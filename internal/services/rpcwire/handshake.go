package rpcwire

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
)

const (
	helloMethod     = "hello"
	protocolVersion = 1
)

type hello struct {
	Token   string `json:"token"`
	Version int    `json:"version"`
}

type welcome struct {
	PID     int `json:"pid"`
	Version int `json:"version"`
}

// ClientHandshake presents the session token and waits for the server to accept it.
func ClientHandshake(c *Conn, token string) error {
	if err := c.writeFrame(frame{Method: helloMethod}, hello{Token: token, Version: protocolVersion}); err != nil {
		return err
	}
	f, body, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("reading handshake reply: %w", err)
	}
	if f.Error != "" {
		return fmt.Errorf("%w: %s", ErrUnauthorized, f.Error)
	}
	var w welcome
	if err := json.Unmarshal(body, &w); err != nil {
		return fmt.Errorf("decoding handshake reply: %w", err)
	}
	if w.Version != protocolVersion {
		return fmt.Errorf("protocol version %d, want %d", w.Version, protocolVersion)
	}
	return nil
}

// ServerHandshake checks the peer uid (unless allowedUID is negative) and the session token.
func ServerHandshake(c *Conn, token string, allowedUID int) error {
	if allowedUID >= 0 {
		cred, err := PeerCred(c.uc)
		if err != nil {
			return fmt.Errorf("reading peer credentials: %w", err)
		}
		if int(cred.Uid) != allowedUID && cred.Uid != 0 {
			_ = c.writeFrame(frame{Method: helloMethod, Error: "peer not allowed"}, nil)
			return fmt.Errorf("%w: uid %d", ErrUnauthorized, cred.Uid)
		}
	}

	f, body, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}
	var h hello
	if f.Method != helloMethod || json.Unmarshal(body, &h) != nil {
		_ = c.writeFrame(frame{Method: helloMethod, Error: "malformed handshake"}, nil)
		return fmt.Errorf("%w: malformed handshake", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(h.Token), []byte(token)) != 1 {
		_ = c.writeFrame(frame{Method: helloMethod, Error: "bad token"}, nil)
		return fmt.Errorf("%w: bad token", ErrUnauthorized)
	}

	return c.writeFrame(frame{Method: helloMethod}, welcome{PID: os.Getpid(), Version: protocolVersion})
}
