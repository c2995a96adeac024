package peer

import (
	"encoding/json"
	"fmt"
	"net"
)

// UnixgramClient sends to the stratifier and generator over connected
// SOCK_DGRAM Unix sockets, matching spec.md §1's framing of send_proc as
// a local datagram primitive. One connection per peer is held for the
// process lifetime.
type UnixgramClient struct {
	stratifier *net.UnixConn
	generator  *net.UnixConn
}

// NewUnixgramClient dials both peer sockets. Either path may be empty,
// in which case sends to that peer are no-ops (useful for tests and for
// standalone generator-less deployments).
func NewUnixgramClient(stratifierSock, generatorSock string) (*UnixgramClient, error) {
	c := &UnixgramClient{}

	if stratifierSock != "" {
		conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: stratifierSock, Net: "unixgram"})
		if err != nil {
			return nil, fmt.Errorf("dial stratifier socket %s: %w", stratifierSock, err)
		}
		c.stratifier = conn
	}

	if generatorSock != "" {
		conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: generatorSock, Net: "unixgram"})
		if err != nil {
			return nil, fmt.Errorf("dial generator socket %s: %w", generatorSock, err)
		}
		c.generator = conn
	}

	return c, nil
}

func (c *UnixgramClient) conn(peer Kind) *net.UnixConn {
	if peer == Generator {
		return c.generator
	}
	return c.stratifier
}

// Send implements Client.
func (c *UnixgramClient) Send(peer Kind, line []byte) error {
	conn := c.conn(peer)
	if conn == nil {
		return nil
	}
	_, err := conn.Write(line)
	return err
}

// NotifyDrop implements Client.
func (c *UnixgramClient) NotifyDrop(id uint64) error {
	payload, err := json.Marshal(struct {
		Notify   string `json:"notify"`
		ClientID uint64 `json:"client_id"`
	}{Notify: "drop", ClientID: id})
	if err != nil {
		return err
	}
	return c.Send(Stratifier, payload)
}

// Close implements Client.
func (c *UnixgramClient) Close() error {
	var err error
	if c.stratifier != nil {
		if e := c.stratifier.Close(); e != nil {
			err = e
		}
	}
	if c.generator != nil {
		if e := c.generator.Close(); e != nil {
			err = e
		}
	}
	return err
}
