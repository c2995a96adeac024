// Package connector assembles the registry, acceptor, sender, control
// loop, peer transport, metrics and admin surface into a single value
// with Start/Shutdown methods (spec.md §9 Design Notes: "encapsulate
// global state in a single connector value"). Grounded on the teacher's
// internal/server.go Server type, generalized from an HTTP+WebSocket hub
// to the connector's epoll-driven core.
package connector

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stratumd/connectord/internal/acceptor"
	"github.com/stratumd/connectord/internal/auth"
	"github.com/stratumd/connectord/internal/config"
	"github.com/stratumd/connectord/internal/control"
	"github.com/stratumd/connectord/internal/dashboard"
	"github.com/stratumd/connectord/internal/levellog"
	"github.com/stratumd/connectord/internal/metrics"
	"github.com/stratumd/connectord/internal/peer"
	"github.com/stratumd/connectord/internal/registry"
	"github.com/stratumd/connectord/internal/sender"
)

// Connector owns every long-lived component and the goroutines that
// drive them.
type Connector struct {
	cfg *config.Config

	reg *registry.Registry
	snd *sender.Sender
	acc *acceptor.Loop
	ctl *control.Loop
	prc peer.Client
	dsh *dashboard.Server

	metrics *metrics.Metrics
	gate    *acceptor.Gate
	level   *levellog.Gate

	logger *log.Logger

	stopSender  chan struct{}
	stopAccept  chan struct{}
	stopControl chan struct{}
	controlDone chan struct{}

	shutdownOnce sync.Once
}

// New wires every component from cfg but starts nothing.
func New(cfg *config.Config, logger *log.Logger) (*Connector, error) {
	listeners, err := acceptor.BindListeners(&cfg.Server, logger)
	if err != nil {
		return nil, fmt.Errorf("bind listeners: %w", err)
	}

	reg := registry.New(len(listeners), cfg.Server.MaxClients)
	m := metrics.New()

	peerC, err := newPeerClient(cfg.Peer, logger)
	if err != nil {
		return nil, fmt.Errorf("peer transport: %w", err)
	}

	snd := sender.New(reg, logger)
	gate := &acceptor.Gate{}
	level := levellog.NewGate(levellog.Info)

	accLoop, err := acceptor.New(listeners, reg, snd, peerC, m, level, logger, gate)
	if err != nil {
		return nil, fmt.Errorf("acceptor: %w", err)
	}
	accLoop.SetPassthroughGlobal(cfg.Server.ProxyMode)

	verifier := auth.NewVerifier("")
	if cfg.Control.RequireAuth {
		verifier = auth.NewVerifier(cfg.Control.JWTSecret)
	}

	ctlLoop, err := control.New(cfg.Control.SocketPath, reg, snd, listeners, peerC, verifier, m, gate, level, logger)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}

	var dsh *dashboard.Server
	if cfg.Admin.Listen != "" {
		proc, err := metrics.NewProcessStats()
		if err != nil {
			logger.Printf("connector: process stats unavailable: %v", err)
		}
		interval := time.Duration(cfg.Admin.UpdateInterval) * time.Second
		dsh = dashboard.New(cfg.Admin.Listen, reg, snd, m, proc, interval, logger)
	}

	return &Connector{
		cfg:         cfg,
		reg:         reg,
		snd:         snd,
		acc:         accLoop,
		ctl:         ctlLoop,
		prc:         peerC,
		dsh:         dsh,
		metrics:     m,
		gate:        gate,
		level:       level,
		logger:      logger,
		stopSender:  make(chan struct{}),
		stopAccept:  make(chan struct{}),
		stopControl: make(chan struct{}),
		controlDone: make(chan struct{}),
	}, nil
}

func newPeerClient(cfg config.PeerConfig, logger *log.Logger) (peer.Client, error) {
	switch cfg.Transport {
	case "nats":
		return peer.NewNATSClient(peer.NATSConfig{
			URL:           cfg.NATSUrl,
			MaxReconnects: cfg.NATSMaxReconnects,
			ReconnectWait: time.Duration(cfg.NATSReconnectWaitMS) * time.Millisecond,
		}, logger)
	default:
		return peer.NewUnixgramClient(cfg.StratifierSock, cfg.GeneratorSock)
	}
}

// Start launches the sender, acceptor and control loops as background
// goroutines. The dashboard, if configured, starts its own listener.
func (c *Connector) Start() {
	go c.snd.Run(c.stopSender)
	go c.acc.Run(c.stopAccept)
	go func() {
		c.ctl.Run(c.stopControl)
		close(c.controlDone)
	}()
	if c.dsh != nil {
		c.dsh.Start()
	}
	c.logger.Printf("connector: started with %d listener(s)", len(c.cfg.Server.Listeners))
}

// WaitForShutdown blocks until the control loop processes a `shutdown`
// command, then tears down every component (spec.md §5, §6).
func (c *Connector) WaitForShutdown() {
	<-c.controlDone
	c.Shutdown()
}

// Shutdown stops every component. Safe to call more than once — from a
// signal handler racing against WaitForShutdown's own call, for
// instance — only the first call tears anything down.
func (c *Connector) Shutdown() {
	c.shutdownOnce.Do(c.shutdownOnceBody)
}

func (c *Connector) shutdownOnceBody() {
	close(c.stopAccept)
	close(c.stopSender)

	select {
	case <-c.controlDone:
	default:
		close(c.stopControl)
		<-c.controlDone
	}

	if c.dsh != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.dsh.Shutdown(ctx); err != nil {
			c.logger.Printf("connector: dashboard shutdown error: %v", err)
		}
	}

	if err := c.ctl.Close(); err != nil {
		c.logger.Printf("connector: control socket close error: %v", err)
	}
	if err := c.prc.Close(); err != nil {
		c.logger.Printf("connector: peer transport close error: %v", err)
	}
	c.logger.Printf("connector: shutdown complete")
}
