package main

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/driver/tunnel"
)

// newDriver opens the raw CAN driver named by a link URL.
func newDriver(raw string, fd bool, log zerolog.Logger) (driver.CANDriver, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid link URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "virtual":
		name := u.Host
		if name == "" {
			name = "isotp"
		}
		return driver.NewVirtualBus(fd, log).Node(name), nil

	case "socketcan":
		iface := u.Host
		if iface == "" {
			iface = u.Opaque
		}
		if iface == "" {
			return nil, fmt.Errorf("socketcan link needs an interface, e.g. socketcan://can0")
		}
		return driver.NewSocketCAN(iface, fd, log), nil

	case "slcan":
		if u.Path == "" {
			return nil, fmt.Errorf("slcan link needs a serial port, e.g. slcan:///dev/ttyACM0")
		}
		opts := driver.SLCANOptions{Port: u.Path, FD: fd, Logger: log}
		q := u.Query()
		if v := q.Get("baud"); v != "" {
			if opts.BaudRate, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("invalid baud %q", v)
			}
		}
		if v := q.Get("bitrate"); v != "" {
			if opts.Bitrate, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("invalid bitrate %q", v)
			}
		}
		return driver.NewSLCAN(opts), nil

	case "ws", "wss":
		dial := func(ctx context.Context) (tunnel.Conn, error) {
			return tunnel.DialWebSocket(ctx, raw, nil)
		}
		return tunnel.NewLink("isotp", fd, dial, log), nil

	case "quic":
		dial := func(ctx context.Context) (tunnel.Conn, error) {
			return tunnel.DialQUIC(ctx, u.Host, nil)
		}
		return tunnel.NewLink("isotp", fd, dial, log), nil
	}
	return nil, fmt.Errorf("unsupported link scheme %q", u.Scheme)
}

// openDevice opens the --link driver and wraps it in an adapter.
func openDevice() (*driver.Adapter, error) {
	drv, err := newDriver(linkURL, fdMode, logger)
	if err != nil {
		return nil, err
	}
	dev, err := driver.NewAdapter(drv, driver.AdapterOptions{FD: fdMode, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", linkURL, err)
	}
	return dev, nil
}
