package nl80211

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/balena-io-experimental/nl80211scan/internal/logging"
)

const testFamilyID = 0x1c

func testFamily() genetlink.Family {
	return genetlink.Family{
		ID:      testFamilyID,
		Version: 1,
		Name:    "nl80211",
		Groups: []genetlink.MulticastGroup{
			{ID: 3, Name: "config"},
			{ID: 5, Name: "scan"},
		},
	}
}

// recvBatch is one Receive call's worth of messages: a multicast event
// batch or a request acknowledgement.
type recvBatch struct {
	msgs []genetlink.Message
	err  error
}

// dumpReply is one Execute call's worth of messages. The real socket
// drains a multi-part dump internally and strips the terminal DONE
// marker, so a reply carries the complete record set and nothing else.
type dumpReply struct {
	msgs []genetlink.Message
	err  error
}

// mockSocket replays scripted dump replies and receive batches and
// records everything sent through it. An optional journal shared
// between sockets captures the relative ordering of operations.
type mockSocket struct {
	family  genetlink.Family
	dumps   []dumpReply
	batches []recvBatch

	sent      []genetlink.Message
	flags     []netlink.HeaderFlags
	sendErr   error
	joined    []uint32
	left      []uint32
	deadlines []time.Time
	closed    bool

	journal *[]string
}

func (s *mockSocket) record(format string, args ...any) {
	if s.journal != nil {
		*s.journal = append(*s.journal, fmt.Sprintf(format, args...))
	}
}

func (s *mockSocket) GetFamily(name string) (genetlink.Family, error) {
	if name != s.family.Name {
		return genetlink.Family{}, fmt.Errorf("unknown family %q", name)
	}
	return s.family, nil
}

func (s *mockSocket) Send(m genetlink.Message, family uint16, flags netlink.HeaderFlags) (netlink.Message, error) {
	s.record("send:%d", m.Header.Command)
	if s.sendErr != nil {
		return netlink.Message{}, s.sendErr
	}
	s.sent = append(s.sent, m)
	s.flags = append(s.flags, flags)
	return netlink.Message{Header: netlink.Header{Type: netlink.HeaderType(family)}}, nil
}

func (s *mockSocket) Receive() ([]genetlink.Message, []netlink.Message, error) {
	if len(s.batches) == 0 {
		return nil, nil, fmt.Errorf("no more scripted batches")
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b.msgs, nil, b.err
}

func (s *mockSocket) Execute(m genetlink.Message, family uint16, flags netlink.HeaderFlags) ([]genetlink.Message, error) {
	s.record("execute:%d", m.Header.Command)
	s.sent = append(s.sent, m)
	s.flags = append(s.flags, flags)
	if len(s.dumps) == 0 {
		return nil, fmt.Errorf("no scripted dump for command %d", m.Header.Command)
	}
	d := s.dumps[0]
	s.dumps = s.dumps[1:]
	return d.msgs, d.err
}

func (s *mockSocket) JoinGroup(group uint32) error {
	s.record("join:%d", group)
	s.joined = append(s.joined, group)
	return nil
}

func (s *mockSocket) LeaveGroup(group uint32) error {
	s.left = append(s.left, group)
	return nil
}

func (s *mockSocket) SetReadDeadline(t time.Time) error {
	s.deadlines = append(s.deadlines, t)
	return nil
}

func (s *mockSocket) Close() error {
	s.closed = true
	return nil
}

// message builds one genetlink message, either a dump record or a
// multicast event.
func message(cmd uint8, data []byte) genetlink.Message {
	return genetlink.Message{
		Header: genetlink.Header{Command: cmd, Version: 1},
		Data:   data,
	}
}

// ackBatch is the kernel's positive acknowledgement of a request.
func ackBatch() recvBatch {
	return recvBatch{msgs: []genetlink.Message{{}}}
}

// interfaceData encodes a GET_INTERFACE dump message payload.
func interfaceData(t *testing.T, name string, index uint32, mac net.HardwareAddr) []byte {
	t.Helper()
	return encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.String(unix.NL80211_ATTR_IFNAME, name)
		ae.Uint32(unix.NL80211_ATTR_IFINDEX, index)
		ae.Bytes(unix.NL80211_ATTR_MAC, mac)
		ae.Uint32(unix.NL80211_ATTR_IFTYPE, uint32(InterfaceTypeStation))
		ae.Uint32(unix.NL80211_ATTR_WIPHY, 0)
		ae.Uint64(unix.NL80211_ATTR_WDEV, 1)
	})
}

// scanEventData encodes the payload of a scan lifecycle event.
func scanEventData(t *testing.T, index uint32) []byte {
	t.Helper()
	return encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Uint32(unix.NL80211_ATTR_IFINDEX, index)
	})
}

// bssData encodes a GET_SCAN dump message payload carrying one BSS.
func bssData(t *testing.T, signalMBM int32, ies []byte) []byte {
	t.Helper()
	return encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Nested(unix.NL80211_ATTR_BSS, func(nae *netlink.AttributeEncoder) error {
			nae.Int32(unix.NL80211_BSS_SIGNAL_MBM, signalMBM)
			nae.Bytes(unix.NL80211_BSS_INFORMATION_ELEMENTS, ies)
			return nil
		})
	})
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.Config{
		Level:  logging.LevelError,
		Format: logging.FormatText,
		Output: "stderr",
	})
	require.NoError(t, err)
	return logger
}

// newTestClient wires a client to scripted sockets. The first dial
// returns the command socket, subsequent dials return event sockets.
func newTestClient(t *testing.T, sockets ...*mockSocket) (*Client, *int) {
	t.Helper()

	dials := 0
	dial := func() (Socket, error) {
		if dials >= len(sockets) {
			return nil, fmt.Errorf("unexpected dial %d", dials)
		}
		s := sockets[dials]
		dials++
		return s, nil
	}

	client, err := DialWith(dial, testLogger(t))
	require.NoError(t, err)
	return client, &dials
}
