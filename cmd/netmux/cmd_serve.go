package main

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/netmux/http1"
	"github.com/ozontech/netmux/netengine"
	"github.com/ozontech/netmux/registry"
	"github.com/ozontech/netmux/stream"
	"github.com/ozontech/netmux/transport"
)

type ServeCommand struct {
	Port      int  `default:"8080" help:"TCP port to listen on."`
	ReusePort bool `help:"Set SO_REUSEPORT before bind."`
	MaxConns  int  `help:"Cap concurrently open connections (0 = unlimited)."`
}

// Run starts an echo responder: every request gets a 200 describing what was
// received. Exists to exercise the accept path end to end.
func (c *ServeCommand) Run(ctx context.Context, log *zap.Logger) error {
	reg := registry.New(log)
	eng := netengine.New(reg.EventFunc(), netengine.WithLogger(log))

	bound := make(chan struct{})
	failed := make(chan error, 1)

	ln := stream.NewListener(eng, reg, log, func(child transport.ConnID) {
		conn := &echoConn{log: log}
		conn.adapter = stream.Wrap(eng, reg, log, conn, child)
		conn.adapter.MarkConnected()
		conn.framer = http1.NewFramer(http1.ModeRequest, conn)
		// Accepted children start paused until a handler exists.
		conn.adapter.Resume()
	})
	ln.OnBound(func() { close(bound) })
	ln.OnError(func(err error) { failed <- err })
	defer ln.Destroy()

	err := ln.Listen(transport.ListenOptions{Port: c.Port, ReusePort: c.ReusePort})
	if err != nil {
		return err
	}
	if c.MaxConns > 0 {
		ln.SetMaxConnections(c.MaxConns)
	}

	select {
	case <-bound:
	case err := <-failed:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Info("serving", zap.String("addr", ln.Addr()))
	fmt.Println("listening on", ln.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return multierr.Append(ctx.Err(), eng.Close())
	})
	g.Go(func() error {
		err := <-failed
		return fmt.Errorf("listener: %w", err)
	})
	return g.Wait()
}

// echoConn handles one accepted connection: parse requests, answer each with
// a summary, honor keep-alive.
type echoConn struct {
	stream.NopSink
	adapter *stream.Adapter
	framer  *http1.Framer
	log     *zap.Logger

	req     *http1.Message
	bodyLen int
}

func (c *echoConn) OnData(p []byte) bool {
	if err := c.framer.Feed(p); err != nil {
		c.log.Warn("parse error, dropping connection", zap.Error(err))
		c.adapter.Destroy()
		return false
	}
	return true
}

func (c *echoConn) OnHeaders(msg *http1.Message) {
	c.req = msg
	c.bodyLen = 0
}

func (c *echoConn) OnInformational(*http1.Message) {}

func (c *echoConn) OnBodyChunk(p []byte) { c.bodyLen += len(p) }

func (c *echoConn) OnMessageComplete(*http1.Headers) {
	body := fmt.Sprintf("%s %s (%d body bytes)\n", c.req.Method, c.req.Target, c.bodyLen)

	headers := http1.NewHeaders()
	headers.Add("Content-Type", "text/plain")
	headers.Add("Content-Length", strconv.Itoa(len(body)))
	keepAlive := c.req.KeepAlive
	if !keepAlive {
		headers.Add("Connection", "close")
	}

	out := http1.AppendResponseHead(nil, 200, "OK", headers)
	out = append(out, body...)
	if err := c.adapter.Write(out); err != nil {
		c.adapter.Destroy()
		return
	}
	if !keepAlive {
		c.adapter.Shutdown()
	}
}
