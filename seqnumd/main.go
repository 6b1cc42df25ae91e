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

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/imesh-dev/imesh/seqnum"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		// Enable timestamps + file:line to simplify debugging self-built binaries.
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "imesh-seqnumd"
	myApp.Usage = "sequence-number service: durable per-conversation counters"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":28820",
			Usage: "listen address",
		},
		cli.StringFlag{
			Name:  "appenddir",
			Value: "./seqnum-data",
			Usage: "directory of the append-only journal segments",
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
			Name:  "shards",
			Value: 0,
			Usage: "counter shards, 0 means one per core",
		},
		cli.Int64Flag{
			Name:  "segmentlimit",
			Value: seqnum.DefaultSegmentLimit,
			Usage: "bytes per journal segment before rolling",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6062",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "", // when set, the JSON file must exist on disk
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.Listen = c.String("listen")
		config.AppendDir = c.String("appenddir")
		config.Key = c.String("key")
		config.Crypt = c.String("crypt")
		config.Shards = c.Int("shards")
		config.SegmentLimit = c.Int64("segmentlimit")
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
		log.Println("listening on:", config.Listen)
		log.Println("append dir:", config.AppendDir)
		log.Println("encryption:", config.Crypt)
		log.Println("shards:", config.Shards)
		log.Println("segment limit:", config.SegmentLimit)

		log.Println("loading seqnum segments...")
		store, err := seqnum.Open(config.AppendDir, config.Shards, config.SegmentLimit)
		checkError(err)
		defer store.Close()
		log.Println("loading seqnum segments done")

		srv := seqnum.NewServer(store, config.Key, config.Crypt)

		if config.Pprof {
			go http.ListenAndServe(":6062", nil)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.ListenAndServe(config.Listen) })
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
