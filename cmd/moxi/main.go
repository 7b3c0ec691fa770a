// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"moxi/internal/dspool"
	"moxi/internal/downstream"
	"moxi/internal/logging"
	"moxi/internal/metrics"
	"moxi/internal/proxy"
	"moxi/internal/settings"
	"moxi/internal/upstream"
	"moxi/internal/worker"
	"moxi/pkg/clusterconfig"
	"moxi/pkg/hashroute"
)

func main() {
	// Usage:
	//   moxi -config "servers=10.0.0.1:11211,10.0.0.2:11211"
	//   moxi -config "servers=10.0.0.1:11211,10.0.0.2:11211,save_path=/var/lib/moxi/cluster.json"
	//
	// -config carries the same comma-separated key=value surface
	// internal/settings.Parse accepts: servers= or url=, vbucket=, port=,
	// admin_port=, workers=, save_path=, and the Behavior tunables
	// (downstream_max, connect_max_errors, connect_retry_interval, cycle, ...).
	// With vbucket=true the servers= value is parsed as a vbucket JSON
	// document rather than a host list.
	// SASL credentials never appear here; they come from MOXI_SASL_PLAIN_USR
	// and MOXI_SASL_PLAIN_PWD in the environment.
	configStr := flag.String("config", "", "comma-separated key=value configuration string")
	listenAddr := flag.String("listen", "", "memcached listen address, overrides port= in -config")
	adminAddr := flag.String("admin", "", "admin (metrics) listen address, overrides admin_port= in -config")
	verbose := flag.Bool("v", false, "debug-level logging")
	flag.Parse()

	if *configStr == "" {
		log.Fatalf("moxi: -config is required")
	}

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(os.Stderr, level)

	s, err := settings.Parse(*configStr)
	if err != nil {
		log.Fatalf("moxi: %v", err)
	}

	cfg, err := loadConfig(s)
	if err != nil {
		log.Fatalf("moxi: %v", err)
	}

	if s.SavePath != "" {
		if saved, err := clusterconfig.LoadSnapshot(s.SavePath, cfg.Behavior); err == nil && cfg.SameServerList(saved) {
			cfg = saved
			logger.Info("restored vbucket map from save_path", logging.F("path", s.SavePath))
		}
	}

	router, err := hashroute.New(cfg.RouterConfig())
	if err != nil {
		log.Fatalf("moxi: building router: %v", err)
	}

	registry := metrics.NewRegistry()

	listen := *listenAddr
	if listen == "" {
		listen = ":" + strconv.Itoa(s.ListenPort)
	}
	admin := *adminAddr
	if admin == "" {
		admin = ":" + strconv.Itoa(s.AdminPort)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	adminSrv := &http.Server{Addr: admin, Handler: mux}
	go func() {
		logger.Info("admin server listening", logging.F("addr", admin))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server exited", logging.F("err", err))
		}
	}()

	if s.Workers < 1 {
		s.Workers = 1
	}
	engines := make([]*proxy.Engine, s.Workers)
	scheds := make([]*worker.Worker, s.Workers)
	for i := range engines {
		mw := registry.NewWorker()
		pool := dspool.New(
			s.Behavior.DownstreamConnMax,
			s.Behavior.ConnectMaxErrors,
			s.Behavior.ConnectRetryInterval,
			s.Behavior.Cycle,
		)
		sched := worker.New(i, pool, router, s.Behavior)
		sched.Start()
		scheds[i] = sched
		engines[i] = proxy.New(router, pool, cfg, dialer(s, mw), mw, sched)
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		log.Fatalf("moxi: listen %s: %v", listen, err)
	}
	logger.Info("listening", logging.F("addr", listen), logging.F("workers", s.Workers))

	var next uint64
	go acceptLoop(ln, engines, &next, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	adminSrv.Shutdown(ctx)
	for _, sched := range scheds {
		sched.Stop()
	}
}

// loadConfig builds the initial Config from settings. A REST url= source is
// accepted by settings.Parse for forward compatibility, but moxi only
// serves static server lists today.
func loadConfig(s *settings.Settings) (*clusterconfig.Config, error) {
	if s.URL != "" {
		return nil, errors.New("moxi: url= configuration source is not implemented, use servers=")
	}
	if s.VBucket {
		return clusterconfig.ParseVBucketJSON([]byte(s.Servers), s.Behavior)
	}
	return clusterconfig.ParseKetamaServers(s.Servers, s.Behavior, true)
}

// dialer builds a proxy.Dialer that opens a real TCP connection to server,
// completing the binary SASL handshake first when credentials are present.
func dialer(s *settings.Settings, w *metrics.Worker) proxy.Dialer {
	return func(server clusterconfig.Server) (*downstream.Conn, error) {
		addr := server.Host + ":" + strconv.Itoa(server.Port)
		nc, err := net.DialTimeout("tcp", addr, s.Behavior.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		w.DownstreamConnect.Add(1)
		d := downstream.New(server.HostIdentity(), nc, server.Ascii)
		if !server.Ascii && s.SASLUser != "" {
			if err := d.Handshake(s.SASLUser, s.SASLPass, ""); err != nil {
				w.DownstreamAuthFailed.Add(1)
				nc.Close()
				return nil, err
			}
		}
		return d, nil
	}
}

// acceptLoop hands each accepted connection to an engine, round-robin, and
// services that connection's commands until it errors or closes. Multiple
// connections land on the same engine; Engine.Sched serializes their shared
// dspool.Pool so this fan-in is safe.
func acceptLoop(ln net.Listener, engines []*proxy.Engine, next *uint64, logger *logging.Logger) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			logger.Info("listener closed", logging.F("err", err))
			return
		}
		idx := atomic.AddUint64(next, 1) % uint64(len(engines))
		engine := engines[idx]
		go serve(nc, engine, logger)
	}
}

func serve(nc net.Conn, engine *proxy.Engine, logger *logging.Logger) {
	defer nc.Close()
	conn := upstream.New(nc.RemoteAddr().String(), nc, upstream.ProtoAuto)
	for {
		if err := engine.HandleOne(conn); err != nil {
			return
		}
	}
}
