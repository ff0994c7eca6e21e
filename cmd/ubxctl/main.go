// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"gitlab.com/postmarketOS/gnss_control/internal/config"
	"gitlab.com/postmarketOS/gnss_control/internal/control"
	"gitlab.com/postmarketOS/gnss_control/internal/server"
)

func usage() {
	flag.CommandLine.Usage()
}

type client struct {
	host string
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
	http *http.Client
}

func newClient(socket string, addr string) *client {
	c := &client{host: addr}
	var d net.Dialer
	if addr == "" {
		c.host = "unix"
		c.dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialContext(ctx, "unix", socket)
		}
	} else {
		c.dial = d.DialContext
	}
	c.http = &http.Client{Transport: &http.Transport{DialContext: c.dial}}
	return c
}

func (c *client) url(scheme string, path string, query url.Values) string {
	u := url.URL{Scheme: scheme, Host: c.host, Path: "/" + server.APIVersion + path, RawQuery: query.Encode()}
	return u.String()
}

func (c *client) initialize(file string) error {
	d, err := config.LoadDevice(file)
	if err != nil {
		return err
	}
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}

	resp, err := c.http.Post(c.url("http", "/init", nil), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	var sum control.Summary
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		return err
	}

	fmt.Printf("%s: %s\n", sum.InitStatus, sum.Message)
	for _, r := range sum.Results {
		fmt.Printf("  %-28s\t%s\t%s\n", r.Name, r.Result, r.Message)
	}
	if sum.Config != nil {
		fmt.Printf("device: %s, chip uid: %q\n", sum.Config.Device, sum.Config.ChipUID)
	}
	if sum.InitStatus != control.Success {
		return fmt.Errorf("initialization of %s failed", file)
	}
	return nil
}

func (c *client) status() error {
	resp, err := c.http.Get(c.url("http", "/status", nil))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	var st control.ServiceStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return err
	}
	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// stream prints every telemetry frame as one JSON line until interrupted.
func (c *client) stream(patterns []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := websocket.Dialer{NetDialContext: c.dial, HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, c.url("ws", "/stream", url.Values{"pattern": patterns}), nil)
	if err != nil {
		if resp != nil {
			return responseError(resp)
		}
		return err
	}
	defer ws.Close()

	go func() {
		<-ctx.Done()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		ws.Close()
	}()

	enc := json.NewEncoder(os.Stdout)
	for {
		var t control.Telemetry
		if err := ws.ReadJSON(&t); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if err := enc.Encode(t); err != nil {
			return err
		}
	}
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, body.Error)
}

func main() {
	var socket string
	flag.StringVar(&socket, "s", "/run/gnss_control.sock", "Path to the gnss_control socket")
	var addr string
	flag.StringVar(&addr, "a", "", "Address of a gnss_control server listening on TCP, overrides -s")

	var help bool
	flag.BoolVar(&help, "h", false, "Print help and quit.")

	flag.Usage = func() {
		fmt.Println("usage: ubxctl [OPTION...] COMMAND ")
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println("Commands:")
		fmt.Printf("  %-20s\t%s\n", "init <device.toml>", "Reinitialize the receiver with the given configuration.")
		fmt.Printf("  %-20s\t%s\n", "stream [pattern...]", "Print telemetry whose identity matches any pattern.")
		fmt.Printf("  %-20s\t%s\n", "status", "Print the server status.")
	}

	flag.Parse()

	if help {
		usage()
		return
	}

	c := newClient(socket, addr)

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "init":
		if len(flag.Args()) < 2 {
			usage()
			return
		}
		err = c.initialize(flag.Arg(1))
	case "stream":
		err = c.stream(flag.Args()[1:])
	case "status":
		err = c.status()
	default:
		usage()
		return
	}

	if err != nil {
		log.Fatal(err)
	}
}
