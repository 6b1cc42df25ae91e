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

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/imesh-dev/imesh/seqnum"
	"github.com/imesh-dev/imesh/std"
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
	myApp.Name = "imesh-messaged"
	myApp.Usage = "message node: hosts client sessions and the cluster mesh"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.UintFlag{
			Name:  "nodeid",
			Value: 1,
			Usage: "unique id of this message node",
		},
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":28900",
			Usage: `public listen address, "IP:28900" or "IP:minport-maxport" for a port range`,
		},
		cli.StringFlag{
			Name:  "publicaddr",
			Value: "127.0.0.1:28900",
			Usage: "public address advertised to the scheduler",
		},
		cli.StringFlag{
			Name:  "clusterlisten",
			Value: ":28910",
			Usage: "cluster mesh listen address",
		},
		cli.StringFlag{
			Name:  "clusteraddr",
			Value: "127.0.0.1:28910",
			Usage: "cluster address advertised to peer nodes",
		},
		cli.StringFlag{
			Name:  "scheduler",
			Value: "127.0.0.1:28800",
			Usage: "scheduler address to register with",
		},
		cli.StringFlag{
			Name:  "seqnum",
			Value: "127.0.0.1:28820",
			Usage: "sequence-number service address",
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
			Value: 4096,
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
			Value: 256,
			Usage: "maximum concurrent streams per connection",
		},
		cli.IntFlag{
			Name:  "sendqueue",
			Value: 1024,
			Usage: "per-connection outbound queue depth",
		},
		cli.IntFlag{
			Name:  "recvqueue",
			Value: 1024,
			Usage: "per-connection inbound queue depth",
		},
		cli.IntFlag{
			Name:  "taskqueue",
			Value: 4096,
			Usage: "I/O task queue depth",
		},
		cli.IntFlag{
			Name:  "datashard,ds",
			Value: 10,
			Usage: "set reed-solomon erasure coding - datashard",
		},
		cli.IntFlag{
			Name:  "parityshard,ps",
			Value: 3,
			Usage: "set reed-solomon erasure coding - parityshard",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable compression",
		},
		cli.BoolFlag{
			Name:  "tcp",
			Usage: "to emulate a TCP connection(linux)",
		},
		cli.StringFlag{
			Name:  "msglog",
			Value: "./messaged.msglog",
			Usage: "path of the node-local message log",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "snmplog",
			Value: "",
			Usage: "collect snmp to file, aware of timeformat in golang, like: ./snmp-20060102.log",
		},
		cli.IntFlag{
			Name:  "snmpperiod",
			Value: 60,
			Usage: "snmp collect period, in seconds",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060 (also serves /metrics)",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "to suppress the 'stream open/close' messages",
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
		config.PublicAddr = c.String("publicaddr")
		config.ClusterListen = c.String("clusterlisten")
		config.ClusterAddr = c.String("clusteraddr")
		config.SchedulerAddr = c.String("scheduler")
		config.SeqnumAddr = c.String("seqnum")
		config.Key = c.String("key")
		config.Crypt = c.String("crypt")
		config.MaxConnections = c.Int("maxconn")
		config.KeepAlive = c.Int("keepalive")
		config.IdleTimeout = c.Int("idletimeout")
		config.MaxStreams = c.Int("maxstreams")
		config.SendQueueDepth = c.Int("sendqueue")
		config.RecvQueueDepth = c.Int("recvqueue")
		config.TaskQueueDepth = c.Int("taskqueue")
		config.DataShard = c.Int("datashard")
		config.ParityShard = c.Int("parityshard")
		config.NoComp = c.Bool("nocomp")
		config.TCP = c.Bool("tcp")
		config.MsgLog = c.String("msglog")
		config.Log = c.String("log")
		config.SnmpLog = c.String("snmplog")
		config.SnmpPeriod = c.Int("snmpperiod")
		config.Pprof = c.Bool("pprof")
		config.Quiet = c.Bool("quiet")

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

		if config.NodeID == 0 {
			color.Red("WARNING: nodeid 0 is reserved, pick a unique positive id per node")
		}

		log.Println("version:", VERSION)
		log.Println("node id:", config.NodeID)
		log.Println("listening on:", config.Listen)
		log.Println("cluster listening on:", config.ClusterListen)
		log.Println("scheduler:", config.SchedulerAddr)
		log.Println("seqnum:", config.SeqnumAddr)
		log.Println("encryption:", config.Crypt)
		log.Println("compression:", !config.NoComp)
		log.Println("keepalive:", config.KeepAlive)
		log.Println("idletimeout:", config.IdleTimeout)
		log.Println("sendqueue:", config.SendQueueDepth, "recvqueue:", config.RecvQueueDepth, "taskqueue:", config.TaskQueueDepth)
		log.Println("datashard:", config.DataShard, "parityshard:", config.ParityShard)
		log.Println("msglog:", config.MsgLog)
		log.Println("snmplog:", config.SnmpLog)
		log.Println("snmpperiod:", config.SnmpPeriod)
		log.Println("pprof:", config.Pprof)
		log.Println("quiet:", config.Quiet)
		log.Println("tcp:", config.TCP)

		seqClient, err := seqnum.Dial(config.SeqnumAddr, config.Key, config.Crypt, 4)
		checkError(err)
		defer seqClient.Close()

		mlog, err := newFileLog(config.MsgLog)
		checkError(err)
		defer mlog.Close()

		node := newNode(&config, seqClient, mlog, &logGroupDeliverer{log: mlog})

		publicCfg, err := serverConfig(&config, config.Listen)
		checkError(err)
		clusterCfg, err := serverConfig(&config, config.ClusterListen)
		checkError(err)
		publicSrv := transport.NewServer(publicCfg)
		clusterSrv := transport.NewServer(clusterCfg)

		// Start the SNMP logger if the feature is enabled.
		go std.SnmpLogger(config.SnmpLog, config.SnmpPeriod)

		// Start the pprof + metrics server if the feature is enabled.
		if config.Pprof {
			http.Handle("/metrics", promhttp.Handler())
			go http.ListenAndServe(":6060", nil)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return publicSrv.ListenAndServe(node.serveClientStream) })
		g.Go(func() error { return clusterSrv.ListenAndServe(node.serveClusterStream) })
		g.Go(func() error { return node.runIOTask(ctx) })
		g.Go(func() error { return node.runBalancer(ctx) })
		g.Go(func() error {
			<-ctx.Done()
			publicSrv.Close()
			clusterSrv.Close()
			return nil
		})
		return g.Wait()
	}
	myApp.Run(os.Args)
}

func serverConfig(config *Config, listen string) (transport.ServerConfig, error) {
	b := new(transport.ServerConfigBuilder)
	return b.
		WithListen(listen).
		WithKey(config.Key).
		WithCrypt(config.Crypt).
		WithMaxConnections(config.MaxConnections).
		WithKeepAliveInterval(time.Duration(config.KeepAlive) * time.Second).
		WithIdleTimeout(time.Duration(config.IdleTimeout) * time.Second).
		WithSendQueueDepth(config.SendQueueDepth).
		WithRecvQueueDepth(config.RecvQueueDepth).
		WithFEC(config.DataShard, config.ParityShard).
		WithNoComp(config.NoComp).
		WithTCP(config.TCP).
		Build()
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
