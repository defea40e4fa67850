package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ozontech/netmux/http1"
	"github.com/ozontech/netmux/netengine"
	"github.com/ozontech/netmux/pool"
	"github.com/ozontech/netmux/registry"
	"github.com/ozontech/netmux/stream"
	"github.com/ozontech/netmux/transport"
)

type GetCommand struct {
	URL      string        `arg:"" required:"" help:"http:// or https:// URL to fetch."`
	Timeout  time.Duration `default:"30s" help:"Overall request timeout."`
	Insecure bool          `help:"Skip TLS certificate verification."`
	Body     bool          `help:"Print the response body to stdout."`
}

func (c *GetCommand) Run(ctx context.Context, log *zap.Logger) error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	var port int
	switch u.Scheme {
	case "http":
		port = 80
	case "https":
		port = 443
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("parsing port: %w", err)
		}
	}
	host := u.Hostname()
	target := u.RequestURI()

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	reg := registry.New(log)
	eng := netengine.New(reg.EventFunc(), netengine.WithLogger(log))
	defer eng.Close() //nolint:errcheck

	connPool := pool.New(pool.DefaultConfig(), log)
	key := pool.MakeKey(host, port, "", "")

	grant, waiter := connPool.Acquire(key)
	if waiter != nil {
		select {
		case grant = <-waiter.Done():
		case <-ctx.Done():
			if waiter.Cancel() {
				return ctx.Err()
			}
			grant = <-waiter.Done()
		}
	}
	if !grant.New {
		return errors.New("fresh pool handed out a pooled connection")
	}

	f := &fetch{
		done:      make(chan error, 1),
		printBody: c.Body,
	}
	f.framer = http1.NewFramer(http1.ModeResponse, f)
	f.framer.SetRequestMethod("GET")

	adapter := stream.New(eng, reg, log, f)
	connPool.Attach(key, adapter)

	if u.Scheme == "https" {
		opts := transport.DefaultTLSOptions()
		opts.RejectUnauthorized = !c.Insecure
		adapter.ConnectTLS(host, port, opts)
	} else {
		adapter.Connect(host, port)
	}

	headers := http1.NewHeaders()
	headers.Add("Host", u.Host)
	headers.Add("User-Agent", "netmux/get")
	headers.Add("Accept", "*/*")
	// Queued until the CONNECT event fires, then flushed in order.
	if err := adapter.Write(http1.AppendRequestHead(nil, "GET", target, headers)); err != nil {
		return err
	}

	start := time.Now()
	select {
	case err = <-f.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		adapter.Destroy()
		return err
	}
	connPool.Release(key, adapter, f.msg.KeepAlive)

	fmt.Fprintf(os.Stderr, "%s %d %s\n", f.msg.Proto, f.msg.StatusCode, f.msg.Reason)
	for _, field := range f.msg.Headers.Fields() {
		fmt.Fprintf(os.Stderr, "%s: %s\n", field.Name, field.Value)
	}
	fmt.Fprintf(os.Stderr, "\n%s in %s\n",
		humanize.Bytes(uint64(f.bodyLen)), time.Since(start).Round(time.Millisecond))
	return nil
}

// fetch is both the stream sink and the framer event handler for one GET.
type fetch struct {
	stream.NopSink
	framer    *http1.Framer
	msg       *http1.Message
	bodyLen   int
	printBody bool
	done      chan error
}

func (f *fetch) OnData(p []byte) bool {
	if err := f.framer.Feed(p); err != nil {
		f.finish(err)
		return false
	}
	return true
}

func (f *fetch) OnError(err error) { f.finish(err) }

func (f *fetch) OnClose() {
	if err := f.framer.CloseEOF(); err != nil {
		f.finish(err)
		return
	}
	f.finish(errors.New("connection closed before response completed"))
}

func (f *fetch) OnHeaders(msg *http1.Message) { f.msg = msg }

func (f *fetch) OnInformational(msg *http1.Message) {
	fmt.Fprintf(os.Stderr, "< interim %d %s\n", msg.StatusCode, msg.Reason)
}

func (f *fetch) OnBodyChunk(p []byte) {
	f.bodyLen += len(p)
	if f.printBody {
		_, _ = os.Stdout.Write(p)
	}
}

func (f *fetch) OnMessageComplete(*http1.Headers) { f.finish(nil) }

func (f *fetch) finish(err error) {
	select {
	case f.done <- err:
	default:
	}
}
