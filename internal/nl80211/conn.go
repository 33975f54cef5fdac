// Package nl80211 implements a client for the Linux nl80211 generic
// netlink family. It enumerates wireless interfaces, triggers scans,
// waits for the kernel's completion event on the scan multicast group,
// and decodes the resulting BSS records into station observations.
package nl80211

import (
	"context"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"

	"github.com/balena-io-experimental/nl80211scan/internal/errors"
	"github.com/balena-io-experimental/nl80211scan/internal/logging"
)

const familyName = "nl80211"

// scanMulticastGroup is the nl80211 multicast group that carries scan
// lifecycle events.
const scanMulticastGroup = "scan"

// Socket is the subset of *genetlink.Conn the client relies on. Scans
// suspend only at Send and Receive; everything above this interface is
// deterministic, which keeps the protocol logic testable against an
// in-memory implementation.
type Socket interface {
	GetFamily(name string) (genetlink.Family, error)
	Send(m genetlink.Message, family uint16, flags netlink.HeaderFlags) (netlink.Message, error)
	Receive() ([]genetlink.Message, []netlink.Message, error)
	Execute(m genetlink.Message, family uint16, flags netlink.HeaderFlags) ([]genetlink.Message, error)
	JoinGroup(group uint32) error
	LeaveGroup(group uint32) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a new generic netlink socket. The client uses one
// long-lived command socket plus a short-lived event socket per scan.
type Dialer func() (Socket, error)

// SystemDialer dials the kernel's generic netlink bus.
func SystemDialer() (Socket, error) {
	conn, err := genetlink.Dial(nil)
	if err != nil {
		return nil, err
	}

	// Best effort: older kernels may lack these options.
	for _, o := range []netlink.ConnOption{
		netlink.ExtendedAcknowledge,
		netlink.GetStrictCheck,
	} {
		_ = conn.SetOption(o, true)
	}

	return conn, nil
}

// Client speaks the nl80211 protocol over generic netlink.
type Client struct {
	c             Socket
	dial          Dialer
	familyID      uint16
	familyVersion uint8
	logger        *logging.Logger
}

// Dial opens a command socket, resolves the nl80211 family and returns
// a ready Client.
func Dial(logger *logging.Logger) (*Client, error) {
	return DialWith(SystemDialer, logger)
}

// DialWith is Dial with a custom socket dialer.
func DialWith(dial Dialer, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Default()
	}

	conn, err := dial()
	if err != nil {
		return nil, errors.WrapNetlinkError(errors.CodeSetup, "Failed to open generic netlink socket", "dial", err)
	}

	family, err := conn.GetFamily(familyName)
	if err != nil {
		_ = conn.Close()
		return nil, errors.WrapNetlinkError(errors.CodeSetup, "Failed to resolve nl80211 family", "get_family", err)
	}

	return &Client{
		c:             conn,
		dial:          dial,
		familyID:      family.ID,
		familyVersion: family.Version,
		logger:        logger.WithComponent("nl80211"),
	}, nil
}

// Close closes the client's command socket.
func (c *Client) Close() error {
	return c.c.Close()
}

// request builds a generic netlink message for the given nl80211
// command with encoded attributes.
func (c *Client) request(cmd uint8, op string, attrs func(*netlink.AttributeEncoder)) (genetlink.Message, error) {
	ae := netlink.NewAttributeEncoder()
	if attrs != nil {
		attrs(ae)
	}

	data, err := ae.Encode()
	if err != nil {
		return genetlink.Message{}, errors.WrapNetlinkError(errors.CodeSend, "Failed to encode attributes", op, err)
	}

	return genetlink.Message{
		Header: genetlink.Header{
			Command: cmd,
			Version: c.familyVersion,
		},
		Data: data,
	}, nil
}

// dump sends a command with the Request|Dump flags in one exchange.
// The socket layer aggregates the kernel's multi-part response and
// strips the terminal DONE marker, so the returned messages are the
// complete record set. A context deadline is applied as the socket's
// read deadline; without one a stalled dump would block forever.
func (c *Client) dump(ctx context.Context, cmd uint8, op string, attrs func(*netlink.AttributeEncoder)) ([]genetlink.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapNetlinkError(errors.CodeCanceled, "Dump canceled", op, err)
	}

	req, err := c.request(cmd, op, attrs)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.c.SetReadDeadline(deadline); err != nil {
			return nil, errors.WrapNetlinkError(errors.CodeSetup, "Failed to set dump read deadline", op, err)
		}
	}

	msgs, err := c.c.Execute(req, c.familyID, netlink.Request|netlink.Dump)
	if err != nil {
		return nil, errors.WrapNetlinkError(errors.CodeReceive, "Dump request failed", op, err)
	}

	c.logger.DebugNetlink("dump complete", op, "messages", len(msgs))
	return msgs, nil
}
