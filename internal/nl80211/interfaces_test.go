package nl80211

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/balena-io-experimental/nl80211scan/internal/errors"
)

var (
	macWlan0 = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	macWlan1 = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func TestListInterfaces(t *testing.T) {
	t.Run("complete dump in one exchange", func(t *testing.T) {
		cmd := &mockSocket{
			family: testFamily(),
			dumps: []dumpReply{{msgs: []genetlink.Message{
				message(unix.NL80211_CMD_NEW_INTERFACE, interfaceData(t, "wlan0", 3, macWlan0)),
				message(unix.NL80211_CMD_NEW_INTERFACE, interfaceData(t, "wlan1", 4, macWlan1)),
			}}},
		}

		client, _ := newTestClient(t, cmd)

		ifis, err := client.ListInterfaces(context.Background())
		require.NoError(t, err)
		require.Len(t, ifis, 2)

		assert.Equal(t, "wlan0", ifis[0].Name)
		assert.Equal(t, 3, ifis[0].Index)
		assert.Equal(t, macWlan0, ifis[0].HardwareAddr)
		assert.Equal(t, InterfaceTypeStation, ifis[0].Type)
		assert.Equal(t, uint64(1), ifis[0].Wdev)
		assert.Equal(t, "wlan1", ifis[1].Name)

		// One dump request with the right command and flags, and no
		// separate receive: the socket returns a dump already complete
		// with its DONE marker stripped.
		require.Len(t, cmd.sent, 1)
		assert.Equal(t, uint8(unix.NL80211_CMD_GET_INTERFACE), cmd.sent[0].Header.Command)
		assert.Equal(t, netlink.Request|netlink.Dump, cmd.flags[0])
		assert.Empty(t, cmd.batches)
	})

	t.Run("context deadline bounds the exchange", func(t *testing.T) {
		cmd := &mockSocket{
			family: testFamily(),
			dumps: []dumpReply{{msgs: []genetlink.Message{
				message(unix.NL80211_CMD_NEW_INTERFACE, interfaceData(t, "wlan0", 3, macWlan0)),
			}}},
		}

		client, _ := newTestClient(t, cmd)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		_, err := client.ListInterfaces(ctx)
		require.NoError(t, err)

		// The deadline reached the socket before the dump went out, so
		// a kernel that never answers cannot block the caller past it.
		require.Len(t, cmd.deadlines, 1)
		assert.False(t, cmd.deadlines[0].IsZero())
	})

	t.Run("undecodable record is skipped", func(t *testing.T) {
		// No MAC attribute: the record cannot identify an entity.
		partial := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
			ae.String(unix.NL80211_ATTR_IFNAME, "wlan9")
			ae.Uint32(unix.NL80211_ATTR_IFINDEX, 9)
		})

		cmd := &mockSocket{
			family: testFamily(),
			dumps: []dumpReply{{msgs: []genetlink.Message{
				message(unix.NL80211_CMD_NEW_INTERFACE, partial),
				message(unix.NL80211_CMD_NEW_INTERFACE, interfaceData(t, "wlan0", 3, macWlan0)),
			}}},
		}

		client, _ := newTestClient(t, cmd)

		ifis, err := client.ListInterfaces(context.Background())
		require.NoError(t, err)
		require.Len(t, ifis, 1)
		assert.Equal(t, "wlan0", ifis[0].Name)
	})

	t.Run("dump failure is fatal", func(t *testing.T) {
		cmd := &mockSocket{
			family: testFamily(),
			dumps:  []dumpReply{{err: assert.AnError}},
		}

		client, _ := newTestClient(t, cmd)

		_, err := client.ListInterfaces(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeReceive))
	})
}

func TestFindInterface(t *testing.T) {
	t.Run("found by name", func(t *testing.T) {
		cmd := &mockSocket{
			family: testFamily(),
			dumps: []dumpReply{{msgs: []genetlink.Message{
				message(unix.NL80211_CMD_NEW_INTERFACE, interfaceData(t, "wlan0", 3, macWlan0)),
			}}},
		}

		client, _ := newTestClient(t, cmd)

		ifi, err := client.FindInterface(context.Background(), "wlan0")
		require.NoError(t, err)
		assert.Equal(t, 3, ifi.Index)
	})

	t.Run("unknown name triggers no further network operations", func(t *testing.T) {
		cmd := &mockSocket{
			family: testFamily(),
			dumps: []dumpReply{{msgs: []genetlink.Message{
				message(unix.NL80211_CMD_NEW_INTERFACE, interfaceData(t, "wlan0", 3, macWlan0)),
			}}},
		}

		client, dials := newTestClient(t, cmd)

		_, err := client.FindInterface(context.Background(), "wlan7")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeInterfaceNotFound))

		// Only the enumeration dump went out, on the command socket.
		assert.Len(t, cmd.sent, 1)
		assert.Equal(t, 1, *dials)
	})
}

func TestInterfaceEqual(t *testing.T) {
	a := &Interface{Name: "wlan0", Index: 3, HardwareAddr: macWlan0}
	sameMAC := &Interface{Name: "renamed0", Index: 9, HardwareAddr: macWlan0}
	other := &Interface{Name: "wlan1", Index: 3, HardwareAddr: macWlan1}

	assert.True(t, a.Equal(sameMAC), "identity follows hardware address")
	assert.False(t, a.Equal(other))
	assert.False(t, a.Equal(nil))
}

func TestInterfaceTypeString(t *testing.T) {
	assert.Equal(t, "station", InterfaceTypeStation.String())
	assert.Equal(t, "access point", InterfaceTypeAP.String())
	assert.Equal(t, "unknown", InterfaceType(200).String())
}
