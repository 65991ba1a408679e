// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Command client is the interactive member-side driver: a stdin REPL
// wired onto the same transport event loop as the network and timers,
// grounded on original_source's mls_client.cpp main().
package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/HiveNetCode/distributed-mls/internal/directory"
	"github.com/HiveNetCode/distributed-mls/internal/logutil"
	"github.com/HiveNetCode/distributed-mls/internal/metrics"
	"github.com/HiveNetCode/distributed-mls/internal/transport"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
)

func main() {
	app := &cli.App{
		Name:  "dmls-client",
		Usage: "interactive member of a distributed MLS group",
		Commands: []*cli.Command{
			keygenCmd,
			runCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var keygenCmd = &cli.Command{
	Name:  "keygen",
	Usage: "generate and persist an identity key, printing the public half",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "key", Required: true, Usage: "path to write the private key to"},
	},
	Action: func(ctx *cli.Context) error {
		priv, err := loadOrCreateKey(ctx.String("key"))
		if err != nil {
			return err
		}
		pub := priv.Public().(ed25519.PublicKey)
		fmt.Println(hex.EncodeToString(pub))
		return nil
	},
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "start the interactive client",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "identity", Required: true, Usage: "this member's identity"},
		&cli.StringFlag{Name: "key", Required: true, Usage: "path to this member's private key file"},
		&cli.StringFlag{Name: "directory", Required: true, Usage: "directory service address (host:port)"},
		&cli.StringFlag{Name: "listen", Value: "0.0.0.0:0", Usage: "address to listen for peer connections on"},
		&cli.StringFlag{Name: "advertise", Usage: "host:port whose port is published to the directory, which takes the host from the publishing connection (defaults to the listen port)"},
		&cli.DurationFlag{Name: "rtt", Value: 200 * time.Millisecond, Usage: "assumed network round-trip time, driving auto-commit delays"},
		&cli.StringFlag{Name: "genesis", Usage: "path to a genesis roster TOML, for create"},
		&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		&cli.StringFlag{Name: "metrics-listen", Usage: "address to serve Prometheus metrics on at /metrics (disabled if unset)"},
	},
	Action: runAction,
}

func runAction(cctx *cli.Context) error {
	logger := logutil.New(cctx.String("identity"), cctx.Bool("debug"))
	selfID := types.MemberID(cctx.String("identity"))

	priv, err := loadOrCreateKey(cctx.String("key"))
	if err != nil {
		return err
	}

	dir := directory.NewClient(logger, cctx.String("directory"))

	tr, err := transport.New(logger, dir, cctx.String("listen"))
	if err != nil {
		return errors.Wrap(err, "start transport")
	}

	// The directory captures the publisher's own source IP on the Publish
	// connection itself (see internal/directory); only the port needs
	// announcing here.
	_, advertisePort, err := advertiseAddr(cctx.String("advertise"), tr)
	if err != nil {
		return err
	}
	if err := dir.Publish(selfID, advertisePort, [][]byte{priv.Public().(ed25519.PublicKey)}); err != nil {
		return errors.Wrap(err, "publish to directory")
	}

	c := newClient(logger, selfID, priv, dir, tr, cctx.Duration("rtt"))
	tr.SetHandleMessage(c.facade.ReceiveNetworkMessage)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return tr.Run(ctx) })

	if addr := cctx.String("metrics-listen"); addr != "" {
		metrics.MustRegister()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "serve metrics")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
		logger.Infof("client: serving metrics on %s", addr)
	}

	fmt.Println("ready. commands: create <genesis.toml> | add <id> | remove <id> | update | message <text> | stop")
	g.Go(func() error { return repl(ctx, cancel, tr, c, cctx.String("genesis")) })

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// advertiseAddr resolves the host:port to publish to the directory: an
// explicit --advertise override, or the transport's bound listen port
// together with the (unspecified) host the directory infers from the
// publishing connection's own source address.
func advertiseAddr(override string, tr *transport.Transport) (string, uint16, error) {
	if override != "" {
		host, portStr, err := splitHostPort(override)
		if err != nil {
			return "", 0, err
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return "", 0, errors.Wrap(err, "parse advertise port")
		}
		return host, uint16(port), nil
	}

	_, portStr, err := splitHostPort(tr.Addr().String())
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, errors.Wrap(err, "parse listen port")
	}
	return "", uint16(port), nil
}

func splitHostPort(addr string) (host, port string, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", errors.Errorf("not a host:port: %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

// repl reads stdin commands and runs each one on the transport's own
// dispatch goroutine (via a zero-delay timer), so a command never races
// the facade's network- and timer-driven callbacks touching the same
// client state.
func repl(ctx context.Context, cancel context.CancelFunc, tr *transport.Transport, c *client, genesisFlag string) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := fields[0]
		arg := strings.TrimSpace(strings.TrimPrefix(line, cmd))

		if cmd == "stop" {
			cancel()
			return nil
		}

		tr.AfterFunc(0, func() {
			dispatchCommand(c, cmd, arg, genesisFlag)
		})

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
	return scanner.Err()
}

func dispatchCommand(c *client, cmd, arg, genesisFlag string) {
	switch cmd {
	case "create":
		path := arg
		if path == "" {
			path = genesisFlag
		}
		if path == "" {
			fmt.Println("Error: create needs a genesis roster path")
			return
		}
		if err := c.create(path); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	case "add":
		if arg == "" {
			fmt.Println("Error: add needs a member id")
			return
		}
		c.add(arg)
	case "remove":
		if arg == "" {
			fmt.Println("Error: remove needs a member id")
			return
		}
		c.remove(arg)
	case "update":
		c.update()
	case "message":
		if arg == "" {
			fmt.Println("Error: message needs text")
			return
		}
		c.message(arg)
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
	}
}
