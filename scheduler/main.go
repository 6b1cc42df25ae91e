// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/imesh-dev/imesh/transport"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		// Enable timestamps + file:line to simplify debugging self-built binaries.
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "imesh-scheduler"
	myApp.Usage = "scheduler: node membership and user placement"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.UintFlag{
			Name:  "nodeid",
			Value: 1,
			Usage: "unique id of this scheduler replica",
		},
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":28800",
			Usage: "listen address for node registrations and replica links",
		},
		cli.StringFlag{
			Name:  "httplisten",
			Value: ":28801",
			Usage: "HTTP listen address for /which_node and /metrics",
		},
		cli.StringFlag{
			Name:  "clusteraddr",
			Value: "127.0.0.1:28800",
			Usage: "this replica's address as it appears in the peer list",
		},
		cli.StringSliceFlag{
			Name:  "peer",
			Usage: "scheduler replica address, repeat per replica (include this one)",
		},
		cli.StringFlag{
			Name:   "key",
			Value:  "it's a secrect",
			Usage:  "pre-shared secret of the deployment",
			EnvVar: "IMESH_KEY",
		},
		cli.StringFlag{
			Name:  "crypt",
			Value: "aes",
			Usage: "aes, aes-128, aes-128-gcm, aes-192, salsa20, blowfish, twofish, cast5, 3des, tea, xtea, xor, sm4, none, null",
		},
		cli.IntFlag{
			Name:  "maxconn",
			Value: 1024,
			Usage: "maximum concurrent peer connections",
		},
		cli.IntFlag{
			Name:  "keepalive",
			Value: 10,
			Usage: "seconds between keep-alive probes",
		},
		cli.IntFlag{
			Name:  "idletimeout",
			Value: 120,
			Usage: "seconds a connection may carry no envelopes before it is closed",
		},
		cli.IntFlag{
			Name:  "maxstreams",
			Value: 64,
			Usage: "maximum concurrent streams per connection",
		},
		cli.IntFlag{
			Name:  "sendqueue",
			Value: 512,
			Usage: "per-connection outbound queue depth",
		},
		cli.IntFlag{
			Name:  "recvqueue",
			Value: 512,
			Usage: "per-connection inbound queue depth",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable compression",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6061",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "", // when set, the JSON file must exist on disk
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.NodeID = uint32(c.Uint("nodeid"))
		config.Listen = c.String("listen")
		config.HTTPListen = c.String("httplisten")
		config.ClusterAddr = c.String("clusteraddr")
		config.ClusterPeers = c.StringSlice("peer")
		config.Key = c.String("key")
		config.Crypt = c.String("crypt")
		config.MaxConnections = c.Int("maxconn")
		config.KeepAlive = c.Int("keepalive")
		config.IdleTimeout = c.Int("idletimeout")
		config.MaxStreams = c.Int("maxstreams")
		config.SendQueueDepth = c.Int("sendqueue")
		config.RecvQueueDepth = c.Int("recvqueue")
		config.NoComp = c.Bool("nocomp")
		config.Log = c.String("log")
		config.Pprof = c.Bool("pprof")

		if c.String("c") != "" {
			// Only JSON configuration files are supported at the moment.
			err := parseJSONConfig(&config, c.String("c"))
			checkError(err)
		}

		// Redirect logs when the user supplied a dedicated log file.
		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		log.Println("version:", VERSION)
		log.Println("replica id:", config.NodeID)
		log.Println("listening on:", config.Listen)
		log.Println("http on:", config.HTTPListen)
		log.Println("replica peers:", config.ClusterPeers)
		log.Println("encryption:", config.Crypt)
		log.Println("compression:", !config.NoComp)
		log.Println("keepalive:", config.KeepAlive)
		log.Println("idletimeout:", config.IdleTimeout)

		sched := newScheduler(&config)

		b := new(transport.ServerConfigBuilder)
		srvCfg, err := b.
			WithListen(config.Listen).
			WithKey(config.Key).
			WithCrypt(config.Crypt).
			WithMaxConnections(config.MaxConnections).
			WithKeepAliveInterval(time.Duration(config.KeepAlive) * time.Second).
			WithIdleTimeout(time.Duration(config.IdleTimeout) * time.Second).
			WithSendQueueDepth(config.SendQueueDepth).
			WithRecvQueueDepth(config.RecvQueueDepth).
			WithNoComp(config.NoComp).
			Build()
		checkError(err)
		srv := transport.NewServer(srvCfg)

		if config.Pprof {
			go http.ListenAndServe(":6061", nil)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.ListenAndServe(sched.serveStream) })
		g.Go(func() error { return sched.runHTTP(ctx) })
		g.Go(func() error { return sched.runClusterClient(ctx) })
		g.Go(func() error {
			<-ctx.Done()
			srv.Close()
			return nil
		})
		return g.Wait()
	}
	myApp.Run(os.Args)
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
