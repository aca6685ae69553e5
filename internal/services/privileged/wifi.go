package privileged

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/fgeck/droidbackup/internal/models"
)

// Security types accepted by `cmd wifi add-network`.
const (
	WifiSecurityOpen = "open"
	WifiSecurityOWE  = "owe"
	WifiSecurityWPA2 = "wpa2"
	WifiSecurityWPA3 = "wpa3"
)

type wifiStore struct {
	Networks []wifiNetwork `xml:"NetworkList>Network"`
}

type wifiNetwork struct {
	Config wifiValues `xml:"WifiConfiguration"`
}

type wifiValues struct {
	Strings  []wifiValue `xml:"string"`
	Booleans []wifiValue `xml:"boolean"`
}

type wifiValue struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
	Text  string `xml:",chardata"`
}

func (v wifiValues) str(name string) (string, bool) {
	for _, s := range v.Strings {
		if s.Name == name {
			return s.Text, true
		}
	}
	return "", false
}

func (v wifiValues) boolean(name string) bool {
	for _, b := range v.Booleans {
		if b.Name == name {
			return b.Value == "true"
		}
	}
	return false
}

// GetPrivilegedConfiguredNetworks returns the saved networks including their keys.
func (s *Impl) GetPrivilegedConfiguredNetworks(ctx context.Context) (networks []models.WifiConfig) {
	networks = []models.WifiConfig{}
	s.guard("GetPrivilegedConfiguredNetworks", func() error {
		doc, _, err := s.readSystemXML(ctx, s.layout.WifiConfigStore)
		if err != nil {
			return err
		}
		parsed, err := parseWifiConfigStore(doc)
		if err != nil {
			return err
		}
		networks = append(networks, parsed...)
		return nil
	})
	return networks
}

// AddNetworks saves each network and returns how many were accepted.
func (s *Impl) AddNetworks(ctx context.Context, networks []models.WifiConfig) (added int) {
	s.guard("AddNetworks", func() error {
		var failed []string
		for _, n := range networks {
			args := []string{"wifi", "add-network", n.SSID, n.SecurityType}
			switch n.SecurityType {
			case WifiSecurityOpen, WifiSecurityOWE:
			case WifiSecurityWPA2, WifiSecurityWPA3:
				args = append(args, n.PreSharedKey)
			default:
				failed = append(failed, n.SSID)
				continue
			}
			if n.Hidden {
				args = append(args, "-h")
			}
			if _, err := s.executor.Execute(ctx, "cmd", args...); err != nil {
				failed = append(failed, n.SSID)
				continue
			}
			added++
		}
		if len(failed) > 0 {
			return fmt.Errorf("networks not added: %s", strings.Join(failed, ", "))
		}
		return nil
	})
	return added
}

func parseWifiConfigStore(doc []byte) ([]models.WifiConfig, error) {
	var store wifiStore
	if err := xml.Unmarshal(doc, &store); err != nil {
		return nil, fmt.Errorf("parsing wifi config store: %w", err)
	}

	var networks []models.WifiConfig
	for _, n := range store.Networks {
		ssid, ok := n.Config.str("SSID")
		if !ok {
			continue
		}
		cfg := models.WifiConfig{
			SSID:   unquote(ssid),
			Hidden: n.Config.boolean("HiddenSSID"),
		}
		if psk, ok := n.Config.str("PreSharedKey"); ok {
			cfg.PreSharedKey = unquote(psk)
		}
		key, _ := n.Config.str("ConfigKey")
		cfg.SecurityType = securityFromConfigKey(key, cfg.PreSharedKey != "")
		networks = append(networks, cfg)
	}
	return networks, nil
}

// securityFromConfigKey maps the suffix of a ConfigKey such as "\"home\"WPA_PSK".
func securityFromConfigKey(key string, hasPSK bool) string {
	suffix := key
	if i := strings.LastIndex(key, `"`); i >= 0 {
		suffix = key[i+1:]
	}
	switch suffix {
	case "NONE":
		return WifiSecurityOpen
	case "OWE":
		return WifiSecurityOWE
	case "WPA_PSK":
		return WifiSecurityWPA2
	case "SAE":
		return WifiSecurityWPA3
	case "":
		if hasPSK {
			return WifiSecurityWPA2
		}
		return WifiSecurityOpen
	default:
		return strings.ToLower(suffix)
	}
}

func unquote(v string) string {
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		return v[1 : len(v)-1]
	}
	return v
}
