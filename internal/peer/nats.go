package peer

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects used when the NATS transport is selected (SPEC_FULL.md "Peer
// transport"). Stratifier/generator processes subscribe to these when
// they run on a different host than the connector.
const (
	SubjectStratifier = "pool.stratifier"
	SubjectGenerator  = "pool.generator"
)

// NATSConfig mirrors the reconnect knobs the teacher's pkg/nats.Config
// exposes, trimmed to what a fire-and-forget publisher needs.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSClient publishes peer messages over a NATS connection instead of a
// local datagram socket, for deployments where the stratifier/generator
// run on a different host (SPEC_FULL.md "Peer transport"). Adapted from
// the teacher's pkg/nats/client.go connection-event wiring.
type NATSClient struct {
	conn   *nats.Conn
	logger *log.Logger
}

// NewNATSClient connects to cfg.URL and returns a ready publisher.
func NewNATSClient(cfg NATSConfig, logger *log.Logger) (*NATSClient, error) {
	c := &NATSClient{logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(c.onConnect),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ErrorHandler(c.onError),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.conn = conn
	return c, nil
}

func (c *NATSClient) onConnect(conn *nats.Conn) {
	c.logger.Printf("peer transport: connected to NATS at %s", conn.ConnectedUrl())
}

func (c *NATSClient) onDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		c.logger.Printf("peer transport: disconnected from NATS: %v", err)
	}
}

func (c *NATSClient) onReconnect(conn *nats.Conn) {
	c.logger.Printf("peer transport: reconnected to NATS at %s", conn.ConnectedUrl())
}

func (c *NATSClient) onError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Printf("peer transport: NATS error on %q: %v", subject, err)
}

func subjectFor(peer Kind) string {
	if peer == Generator {
		return SubjectGenerator
	}
	return SubjectStratifier
}

// Send implements Client.
func (c *NATSClient) Send(peer Kind, line []byte) error {
	return c.conn.Publish(subjectFor(peer), line)
}

// NotifyDrop implements Client.
func (c *NATSClient) NotifyDrop(id uint64) error {
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
func (c *NATSClient) Close() error {
	c.conn.Close()
	return nil
}
