// Command boxstored is the store daemon (§2, §4): it accepts TLS
// connections, runs each through the Version/Login/Commands phase
// machine (C6), and serves requests against a shared account database
// (C8) and RAID disc-set pool (C3). One goroutine per connection (§5).
/*
 * Copyright (c) 2024, Box Store maintainers. All rights reserved.
 */
package main

import (
	"crypto/tls"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boxstore/store/internal/accountdb"
	"github.com/boxstore/store/internal/config"
	"github.com/boxstore/store/internal/hk"
	"github.com/boxstore/store/internal/nlog"
	"github.com/boxstore/store/internal/protocol"
	"github.com/boxstore/store/internal/raid"
	"github.com/boxstore/store/internal/storectx"
	"github.com/boxstore/store/internal/transport"
)

func main() {
	confPath := flag.String("config", "", "daemon config file")
	metricsAddr := flag.String("metrics", "", "optional address to serve Prometheus metrics on")
	flag.Parse()
	if *confPath == "" {
		nlog.Errorf("boxstored: -config is required")
		os.Exit(1)
	}

	root, err := config.LoadFile(*confPath, config.StoreDaemonSchema)
	if err != nil {
		nlog.Errorf("boxstored: loading config: %v", err)
		os.Exit(1)
	}

	dbDir, _ := root.Key("AccountDatabase")
	accounts, err := accountdb.Open(dbDir)
	if err != nil {
		nlog.Errorf("boxstored: opening account database: %v", err)
		os.Exit(1)
	}

	raidConfPath, _ := root.Key("RaidFileConf")
	raidRoot, err := config.LoadFile(raidConfPath, config.RaidFileSchema)
	if err != nil {
		nlog.Errorf("boxstored: loading raid config: %v", err)
		os.Exit(1)
	}
	ctl, err := raid.LoadController(raidRoot)
	if err != nil {
		nlog.Errorf("boxstored: loading raid controller: %v", err)
		os.Exit(1)
	}
	if err := ctl.CleanStaging(); err != nil {
		nlog.Warningln("boxstored: cleaning raid staging files:", err)
	}

	certFile, _ := root.Key("CertificateFile")
	keyFile, _ := root.Key("PrivateKeyFile")
	caFile, _ := root.Key("TrustedCAsFile")
	tlsConf, err := transport.ServerTLSConfig(certFile, keyFile, caFile)
	if err != nil {
		nlog.Errorf("boxstored: building TLS config: %v", err)
		os.Exit(1)
	}

	if pidFile, ok := root.Key("PidFile"); ok && pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			nlog.Warningln("boxstored: writing pid file:", err)
		}
		defer os.Remove(pidFile)
	}

	housekeeper := hk.New()
	registerHousekeeping(housekeeper, accounts, ctl)
	go housekeeper.Run()
	housekeeper.WaitStarted()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	addrs, _ := root.Key("ListenAddresses")
	var listeners []net.Listener
	for _, addr := range strings.Split(addrs, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			nlog.Errorf("boxstored: listening on %s: %v", addr, err)
			os.Exit(1)
		}
		listeners = append(listeners, tls.NewListener(ln, tlsConf))
		nlog.Infof("boxstored: listening on %s", addr)
	}
	if len(listeners) == 0 {
		nlog.Errorf("boxstored: no ListenAddresses configured")
		os.Exit(1)
	}

	for _, ln := range listeners {
		go acceptLoop(ln, accounts, ctl, housekeeper)
	}
	select {}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		nlog.Warningln("boxstored: metrics server exited:", err)
	}
}

// registerHousekeeping schedules the periodic staging-file GC (§4.3) and
// old-version/deleted-object reap pass (§3.5, §4.6 "housekeeping hook")
// on the shared housekeeper. These two scheduled sweeps are the only jobs
// the daemon gives it.
func registerHousekeeping(housekeeper *hk.Housekeeper, accounts *accountdb.DB, ctl *raid.Controller) {
	const stagingGCInterval = 10 * time.Minute
	housekeeper.Reg("raid-staging-gc", func() time.Duration {
		if err := ctl.CleanStaging(); err != nil {
			nlog.Warningln("boxstored: staging gc:", err)
		}
		return stagingGCInterval
	}, stagingGCInterval)

	const reapInterval = time.Hour
	housekeeper.Reg("reap-old-versions", func() time.Duration {
		for _, acct := range accounts.Enumerate() {
			if err := storectx.Reap(accounts, ctl, acct.ID); err != nil && !errors.Is(err, storectx.ErrAlreadyLocked) {
				nlog.Warningln("boxstored: reap account", acct.ID, ":", err)
			}
		}
		return reapInterval
	}, reapInterval)
}

func acceptLoop(ln net.Listener, accounts *accountdb.DB, ctl *raid.Controller, housekeeper *hk.Housekeeper) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			nlog.Errorf("boxstored: accept: %v", err)
			continue
		}
		go serveConn(raw, accounts, ctl, housekeeper)
	}
}

func serveConn(raw net.Conn, accounts *accountdb.DB, ctl *raid.Controller, housekeeper *hk.Housekeeper) {
	tconn, err := transport.Accept(raw)
	if err != nil {
		nlog.Warningln("boxstored: TLS accept:", err)
		return
	}
	defer tconn.Close()

	conn := protocol.NewConnection(tconn, tconn.PeerCommonName(), protocol.DefaultMaxObjectSize, protocol.DefaultTimeout)
	if err := conn.Handshake(); err != nil {
		nlog.Warningln("boxstored: handshake:", err)
		return
	}

	ctx := storectx.New(conn, accounts, ctl, housekeeper)
	defer ctx.Close()

	secretProvider := func(accountID int32) ([]byte, error) {
		acct, err := accounts.Lookup(accountID)
		if err != nil {
			return nil, err
		}
		return storectx.LoadAccountSecret(acct)
	}

	if err := ctx.Serve(secretProvider); err != nil {
		nlog.Warningln("boxstored: session ended:", err)
	}
}
