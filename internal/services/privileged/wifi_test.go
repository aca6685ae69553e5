package privileged

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wifiStoreFixture = `<?xml version='1.0' encoding='utf-8' standalone='yes' ?>
<WifiConfigStoreData>
<int name="Version" value="3" />
<NetworkList>
<Network>
<WifiConfiguration>
<string name="ConfigKey">&quot;Home&quot;WPA_PSK</string>
<string name="SSID">&quot;Home&quot;</string>
<string name="PreSharedKey">&quot;s3cret pass&quot;</string>
<boolean name="HiddenSSID" value="false" />
</WifiConfiguration>
</Network>
<Network>
<WifiConfiguration>
<string name="ConfigKey">&quot;Cafe&quot;NONE</string>
<string name="SSID">&quot;Cafe&quot;</string>
<null name="PreSharedKey" />
<boolean name="HiddenSSID" value="true" />
</WifiConfiguration>
</Network>
<Network>
<WifiConfiguration>
<string name="ConfigKey">&quot;Office&quot;SAE</string>
<string name="SSID">&quot;Office&quot;</string>
<string name="PreSharedKey">&quot;wpa3pass&quot;</string>
</WifiConfiguration>
</Network>
<Network>
<WifiConfiguration>
<string name="ConfigKey">&quot;Corp&quot;WPA_EAP</string>
<string name="SSID">&quot;Corp&quot;</string>
</WifiConfiguration>
</Network>
</NetworkList>
</WifiConfigStoreData>
`

func TestParseWifiConfigStore(t *testing.T) {
	networks, err := parseWifiConfigStore([]byte(wifiStoreFixture))
	require.NoError(t, err)

	assert.Equal(t, []models.WifiConfig{
		{SSID: "Home", PreSharedKey: "s3cret pass", SecurityType: WifiSecurityWPA2},
		{SSID: "Cafe", SecurityType: WifiSecurityOpen, Hidden: true},
		{SSID: "Office", PreSharedKey: "wpa3pass", SecurityType: WifiSecurityWPA3},
		{SSID: "Corp", SecurityType: "wpa_eap"},
	}, networks)
}

func TestGetPrivilegedConfiguredNetworks(t *testing.T) {
	svc, root := newTestService(t, nil)
	writeFile(t, filepath.Join(root, "wifi", "WifiConfigStore.xml"), wifiStoreFixture)

	networks := svc.GetPrivilegedConfiguredNetworks(context.Background())
	assert.Len(t, networks, 4)
}

func TestGetPrivilegedConfiguredNetworks_ABX(t *testing.T) {
	var converted string
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if name != "abx2xml" {
				return nil, errors.New("unexpected command")
			}
			converted = args[0]
			return []byte(wifiStoreFixture), nil
		},
	}
	svc, root := newTestService(t, executor)
	path := filepath.Join(root, "wifi", "WifiConfigStore.xml")
	writeFile(t, path, "ABX\x00binary")

	networks := svc.GetPrivilegedConfiguredNetworks(context.Background())
	assert.Len(t, networks, 4)
	assert.Equal(t, path, converted)
}

func TestAddNetworks(t *testing.T) {
	var calls []string
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			calls = append(calls, name+" "+strings.Join(args, " "))
			if args[2] == "Broken" {
				return nil, errors.New("exit status 255")
			}
			return []byte("Save network success"), nil
		},
	}
	svc, _ := newTestService(t, executor)

	added := svc.AddNetworks(context.Background(), []models.WifiConfig{
		{SSID: "Home", PreSharedKey: "pw", SecurityType: WifiSecurityWPA2},
		{SSID: "Cafe", SecurityType: WifiSecurityOpen, Hidden: true},
		{SSID: "Corp", SecurityType: "wpa_eap"},
		{SSID: "Broken", SecurityType: WifiSecurityOWE},
	})

	assert.Equal(t, 2, added)
	assert.Equal(t, []string{
		"cmd wifi add-network Home wpa2 pw",
		"cmd wifi add-network Cafe open -h",
		"cmd wifi add-network Broken owe",
	}, calls)
}

const ssaidFixture = `<?xml version='1.0' encoding='utf-8' standalone='yes' ?>
<settings version="-1">
<setting id="0" name="userkey" value="ABCDEF" package="android" defaultValue="ABCDEF" defaultSysSet="true" tag="null" />
<setting id="3" name="10123" value="1a2b3c4d5e6f7a8b" package="com.example.app" defaultValue="1a2b3c4d5e6f7a8b" defaultSysSet="false" tag="null" />
</settings>
`

func TestPackageSsaid(t *testing.T) {
	svc, root := newTestService(t, nil)
	path := filepath.Join(root, "system", "users", "0", "settings_ssaid.xml")
	writeFile(t, path, ssaidFixture)
	ctx := context.Background()

	assert.Equal(t, "1a2b3c4d5e6f7a8b", svc.GetPackageSsaidAsUser(ctx, "com.example.app", 10123, 0))
	assert.Equal(t, "", svc.GetPackageSsaidAsUser(ctx, "com.example.app", 10999, 0))

	require.True(t, svc.SetPackageSsaidAsUser(ctx, "com.example.app", 10123, 0, "ffffeeeeddddcccc"))
	assert.Equal(t, "ffffeeeeddddcccc", svc.GetPackageSsaidAsUser(ctx, "com.example.app", 10123, 0))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `name="userkey" value="ABCDEF"`, "other rows untouched")

	// No leftovers next to the settings file.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.False(t, svc.SetPackageSsaidAsUser(ctx, "com.unknown", 10500, 0, "00"))
}

func TestPackageSsaid_ABXRoundTrip(t *testing.T) {
	var calls []string
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			calls = append(calls, name)
			switch name {
			case "abx2xml":
				return []byte(ssaidFixture), nil
			case "xml2abx":
				return nil, os.WriteFile(args[1], []byte("ABX\x00converted"), 0o600)
			}
			return nil, errors.New("unexpected command")
		},
	}
	svc, root := newTestService(t, executor)
	path := filepath.Join(root, "system", "users", "0", "settings_ssaid.xml")
	writeFile(t, path, "ABX\x00original")

	require.True(t, svc.SetPackageSsaidAsUser(context.Background(), "com.example.app", 10123, 0, "0000"))
	assert.Equal(t, []string{"abx2xml", "xml2abx"}, calls)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ABX\x00converted", string(data))
}
