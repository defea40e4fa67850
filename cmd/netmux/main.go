package main

import (
	"context"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
	"go.uber.org/zap"
)

var CLI struct {
	Get   GetCommand        `cmd:"" help:"Fetch a URL over the netmux stack."`
	Serve ServeCommand      `cmd:"" help:"Run a debug echo server."`
	Man   mangokong.ManFlag `help:"Write man page." hidden:""`

	Verbose bool `help:"Verbose output."`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`debug tooling for the netmux connection layer

Exercises the transport engine, the connection pool and the HTTP/1.1 framer
end to end against real endpoints.`),
	)

	log := zap.NewNop()
	if CLI.Verbose {
		log = zap.Must(zap.NewDevelopment())
	}
	kongCtx.Bind(log)

	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}
