package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wirelessConfig = `
config wifi-device 'radio0'
	option type 'mac80211'
	option channel '36'

config wifi-iface 'default_radio0'
	option device 'radio0'
	option network 'lan'
	option mode 'ap'
	option ifname 'wlan0'
	option ssid 'home'

config wifi-iface 'guest'
	option device 'radio0'
	option mode 'ap'
	option ifname 'wlan0-1'

config wifi-iface 'uplink'
	option device 'radio1'
	option mode 'sta'
	option ifname 'wlan1'

config wifi-iface 'spare'
	option device 'radio1'
	option mode 'ap'
	option ifname 'wlan1-1'
	option disabled '1'

config wifi-iface 'unnamed'
	option device 'radio1'
	option mode 'ap'

config wifi-iface 'bogus'
	option device 'radio1'
	option mode 'ap'
	option ifname 'this-name-is-far-too-long'
`

func TestUCIDiscoverer(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "wireless"), []byte(wirelessConfig), 0644))

	d, err := New(Options{Source: SourceUCI, UCIRoot: root})
	require.NoError(t, err)

	vaps, err := d.Discover()
	require.NoError(t, err)
	assert.Equal(t, []VAP{
		{Name: "wlan0", Device: "radio0", Source: SourceUCI},
		{Name: "wlan0-1", Device: "radio0", Source: SourceUCI},
	}, vaps)
}

func TestUCIDiscovererMissingConfig(t *testing.T) {
	d := &UCIDiscoverer{Root: t.TempDir()}
	_, err := d.Discover()
	assert.Error(t, err)
}

func TestHostapdConfDiscoverer(t *testing.T) {
	dir := t.TempDir()
	phy0 := `driver=nl80211
interface=wlan0
ctrl_interface=/var/run/hostapd
ssid=Home#1
wpa_passphrase=secret;value
bss=wlan0-1
ssid=Guest
bss=wlan0-2
ssid=IoT
`
	phy1 := `interface=wlan1
bss=wlan0-1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hostapd-phy0.conf"), []byte(phy0), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hostapd-phy1.conf"), []byte(phy1), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.conf"), []byte("interface=eth0\n"), 0644))

	d, err := New(Options{Source: SourceHostapdConf, HostapdConfGlob: filepath.Join(dir, "hostapd-*.conf")})
	require.NoError(t, err)

	vaps, err := d.Discover()
	require.NoError(t, err)

	names := make([]string, 0, len(vaps))
	for _, v := range vaps {
		names = append(names, v.Name)
		assert.Equal(t, SourceHostapdConf, v.Source)
	}
	assert.Equal(t, []string{"wlan0", "wlan0-1", "wlan0-2", "wlan1"}, names)
	assert.Equal(t, "phy0", vaps[0].Device)
	assert.Equal(t, "phy1", vaps[3].Device)
}

func TestHostapdConfDiscovererNoFiles(t *testing.T) {
	d := &HostapdConfDiscoverer{Glob: filepath.Join(t.TempDir(), "hostapd-*.conf")}
	vaps, err := d.Discover()
	require.NoError(t, err)
	assert.Empty(t, vaps)
}

func TestNew(t *testing.T) {
	d, err := New(Options{})
	require.NoError(t, err)
	vaps, err := d.Discover()
	assert.NoError(t, err)
	assert.Empty(t, vaps)

	_, err = New(Options{Source: "ldap"})
	assert.Error(t, err)

	d, err = New(Options{Source: SourceUCI})
	require.NoError(t, err)
	assert.Equal(t, DefaultUCIRoot, d.(*UCIDiscoverer).Root)
}
