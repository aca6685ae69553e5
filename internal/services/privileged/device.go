package privileged

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fgeck/droidbackup/internal/models"
)

const screenOffTimeoutKey = "screen_off_timeout"

// UserInfo{0:Owner:c13} running
var userInfoRe = regexp.MustCompile(`UserInfo\{(\d+):([^:]*):([0-9a-fA-F]+)\}(.*)`)

// GetUsers lists the user profiles on the device.
func (s *Impl) GetUsers(ctx context.Context) (users []models.UserInfo) {
	users = []models.UserInfo{}
	s.guard("GetUsers", func() error {
		out, err := s.executor.Execute(ctx, "pm", "list", "users")
		if err != nil {
			return fmt.Errorf("pm list users: %w, output: %s", err, string(out))
		}
		users = append(users, parseUserList(string(out))...)
		return nil
	})
	return users
}

// GetUserHandle resolves a user id, or nil if the user does not exist.
func (s *Impl) GetUserHandle(ctx context.Context, userID int) (handle *models.UserHandle) {
	s.guard("GetUserHandle", func() error {
		out, err := s.executor.Execute(ctx, "pm", "list", "users")
		if err != nil {
			return fmt.Errorf("pm list users: %w, output: %s", err, string(out))
		}
		for _, u := range parseUserList(string(out)) {
			if u.ID == userID {
				handle = &models.UserHandle{Identifier: userID}
			}
		}
		return nil
	})
	return handle
}

// SetDisplayPowerMode turns the display off or back on.
func (s *Impl) SetDisplayPowerMode(ctx context.Context, mode int) (ok bool) {
	s.guard("SetDisplayPowerMode", func() error {
		key := "KEYCODE_WAKEUP"
		if mode == models.PowerModeOff {
			key = "KEYCODE_SLEEP"
		}
		if out, err := s.executor.Execute(ctx, "input", "keyevent", key); err != nil {
			return fmt.Errorf("input keyevent: %w, output: %s", err, string(out))
		}
		ok = true
		return nil
	})
	return ok
}

// GetScreenOffTimeout returns the screen timeout in milliseconds.
func (s *Impl) GetScreenOffTimeout(ctx context.Context) (timeout int) {
	timeout = models.DefaultScreenOffTimeout
	s.guard("GetScreenOffTimeout", func() error {
		v, err := s.getSetting(ctx, "system", screenOffTimeoutKey)
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("screen timeout %q: %w", v, err)
		}
		timeout = n
		return nil
	})
	return timeout
}

// SetScreenOffTimeout sets the screen timeout in milliseconds.
func (s *Impl) SetScreenOffTimeout(ctx context.Context, timeout int) (ok bool) {
	s.guard("SetScreenOffTimeout", func() error {
		if err := s.putSetting(ctx, "system", screenOffTimeoutKey, strconv.Itoa(timeout)); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// GetSetting reads a key from the system, secure or global namespace.
func (s *Impl) GetSetting(ctx context.Context, namespace, key string) (value string) {
	s.guard("GetSetting", func() error {
		v, err := s.getSetting(ctx, namespace, key)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value
}

// PutSetting writes a key. An empty value deletes it.
func (s *Impl) PutSetting(ctx context.Context, namespace, key, value string) (ok bool) {
	s.guard("PutSetting", func() error {
		if err := s.putSetting(ctx, namespace, key, value); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

func (s *Impl) getSetting(ctx context.Context, namespace, key string) (string, error) {
	if err := validNamespace(namespace); err != nil {
		return "", err
	}
	out, err := s.executor.Execute(ctx, "settings", "get", namespace, key)
	if err != nil {
		return "", fmt.Errorf("settings get: %w, output: %s", err, string(out))
	}
	v := strings.TrimSpace(string(out))
	if v == "null" {
		return "", nil
	}
	return v, nil
}

func (s *Impl) putSetting(ctx context.Context, namespace, key, value string) error {
	if err := validNamespace(namespace); err != nil {
		return err
	}
	args := []string{"put", namespace, key, value}
	if value == "" {
		args = []string{"delete", namespace, key}
	}
	if out, err := s.executor.Execute(ctx, "settings", args...); err != nil {
		return fmt.Errorf("settings %s: %w, output: %s", args[0], err, string(out))
	}
	return nil
}

func validNamespace(namespace string) error {
	switch namespace {
	case "system", "secure", "global":
		return nil
	default:
		return fmt.Errorf("unknown settings namespace %q", namespace)
	}
}

func parseUserList(out string) []models.UserInfo {
	var users []models.UserInfo
	for _, line := range strings.Split(out, "\n") {
		m := userInfoRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		flags, _ := strconv.ParseInt(m[3], 16, 64)
		users = append(users, models.UserInfo{
			ID:      id,
			Name:    m[2],
			Flags:   int(flags),
			Running: strings.Contains(m[4], "running"),
		})
	}
	return users
}
