// Package mredis implements connecting to a redis instance and exposes the
// typed command surface the event bus is built on.
package mredis

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/christophertubbs/EventStream/mcfg"
	"github.com/christophertubbs/EventStream/mcmp"
	"github.com/christophertubbs/EventStream/merr"
	"github.com/christophertubbs/EventStream/mlog"
	"github.com/christophertubbs/EventStream/mrun"
	"github.com/christophertubbs/EventStream/mtime"
	"github.com/mediocregopher/radix/v3"
)

// Redis is a wrapper around a redis client which provides more functionality.
type Redis struct {
	radix.Client
	cmp *mcmp.Component
}

// InstRedis instantiates a Redis instance which will be initialized when the
// Init event is triggered on the given Component. The redis client will have
// Close called on it when the Shutdown event is triggered on the given
// Component.
func InstRedis(parent *mcmp.Component) *Redis {
	cmp := parent.Child("redis")
	client := new(struct{ radix.Client })

	addr := mcfg.String(cmp, "addr",
		mcfg.ParamDefault("127.0.0.1:6379"),
		mcfg.ParamUsage("Address redis is listening on"))
	poolSize := mcfg.Int(cmp, "pool-size",
		mcfg.ParamDefault(4),
		mcfg.ParamUsage("Number of connections in pool"))
	readTimeout := mcfg.Duration(cmp, "read-timeout",
		mcfg.ParamDefault(mtime.Duration{Duration: 2 * time.Minute}),
		mcfg.ParamUsage("Socket read timeout. Must exceed the largest BLOCK value issued over this client"))
	mrun.InitHook(cmp, func(ctx context.Context) error {
		cmp.Annotate("addr", *addr, "poolSize", *poolSize)
		mlog.From(cmp).Info(ctx, "connecting to redis")
		connFunc := func(network, addr string) (radix.Conn, error) {
			return radix.Dial(network, addr, radix.DialReadTimeout((*readTimeout).Duration))
		}
		var err error
		client.Client, err = radix.NewPool("tcp", *addr, *poolSize, radix.PoolConnFunc(connFunc))
		return err
	})
	mrun.ShutdownHook(cmp, func(ctx context.Context) error {
		mlog.From(cmp).Info(ctx, "shutting down redis")
		return client.Close()
	})

	return &Redis{
		Client: client,
		cmp:    cmp,
	}
}

// ConnectOpts are the credentials and transport options used by Connect.
// All fields besides Addr are optional.
type ConnectOpts struct {
	Addr     string
	PoolSize int

	// Username and Password are sent as AUTH on every new connection.
	// Username requires a store with ACL support.
	Username string
	Password string

	// TLSConfig, when set, wraps every connection in TLS.
	TLSConfig *tls.Config

	// ReadTimeout must exceed the largest BLOCK value that will be issued
	// over this client. Defaults to 2 minutes.
	ReadTimeout time.Duration
}

// Connect establishes a redis pool outside of the Component lifecycle. It is
// used for per-listener credential overrides and by the one-shot operational
// tools; the caller owns Close.
func Connect(cmp *mcmp.Component, opts ConnectOpts) (*Redis, error) {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:6379"
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 4
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 2 * time.Minute
	}

	dialOpts := []radix.DialOpt{
		radix.DialReadTimeout(opts.ReadTimeout),
	}
	if opts.Password != "" && opts.Username == "" {
		dialOpts = append(dialOpts, radix.DialAuthPass(opts.Password))
	}
	if opts.TLSConfig != nil {
		dialOpts = append(dialOpts, radix.DialUseTLS(opts.TLSConfig))
	}

	connFunc := func(network, addr string) (radix.Conn, error) {
		conn, err := radix.Dial(network, addr, dialOpts...)
		if err != nil {
			return nil, err
		}
		// ACL users authenticate with the two-argument AUTH, which predates
		// the dial option for it
		if opts.Username != "" {
			if err := conn.Do(radix.Cmd(nil, "AUTH", opts.Username, opts.Password)); err != nil {
				conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}

	pool, err := radix.NewPool("tcp", opts.Addr, opts.PoolSize, radix.PoolConnFunc(connFunc))
	if err != nil {
		return nil, merr.Wrap(cmp.Context(), err)
	}

	return &Redis{Client: pool, cmp: cmp}, nil
}

// Component returns the Component this client was instantiated under.
func (r *Redis) Component() *mcmp.Component {
	return r.cmp
}
