// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Command directory runs the Simplified PKI / Directory Service
// (spec §6) as a standalone process, grounded on original_source's
// pki.cpp main().
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/HiveNetCode/distributed-mls/internal/directory"
	"github.com/HiveNetCode/distributed-mls/internal/logutil"
)

func main() {
	app := &cli.App{
		Name:  "dmls-directory",
		Usage: "member reachability and prekey directory service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: "0.0.0.0:10501", Usage: "address to listen on"},
			&cli.StringFlag{Name: "db", Value: "directory.db", Usage: "path to the bbolt database file"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Action: func(cctx *cli.Context) error {
			logger := logutil.New("directory", cctx.Bool("debug"))

			srv, err := directory.New(logger, cctx.String("db"), cctx.String("listen"))
			if err != nil {
				return err
			}
			defer srv.Close()

			logger.Infof("directory: listening on %s", srv.Addr())
			return srv.Serve()
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
