/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 27 16:31:05 2019 mstenber
 * Last modified: Thu Feb 28 09:12:44 2019 mstenber
 * Edit time:     41 min
 *
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/fingon/go-blockmaster/config"
	"github.com/fingon/go-blockmaster/editlog"
	"github.com/fingon/go-blockmaster/metrics"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/namespace"
	"github.com/fingon/go-blockmaster/namesystem"
	"github.com/fingon/go-blockmaster/storage"
	"github.com/fingon/go-blockmaster/storage/factory"
	"github.com/fingon/go-blockmaster/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func serveMetrics(address string, ns *namesystem.Namesystem) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.Collector{Source: ns.Reporter()}.Init())
	reg.MustRegister(collectors.NewGoCollector())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: address, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()
	mlog.Infof("cmd/blockmaster", "Serving metrics at %s", address)
	return srv
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	configFile := flag.String("config", "", "YAML configuration file (default: built-in defaults)")
	dir := flag.String("journal", "", "Journal directory (overrides journal.directory)")
	backendp := flag.String("backend", "",
		fmt.Sprintf("Journal backend to use (possible: %v)", factory.List()))
	metricsAddress := flag.String("metrics", "", "Address for the Prometheus endpoint (overrides metrics_address)")
	dumpConfig := flag.Bool("dump-config", false, "Print the effective configuration and exit")
	cpuprofile := flag.String("cpuprofile", "", "CPU profile file")
	memprofile := flag.String("memprofile", "", "Memory profile file")
	profile := flag.Bool("profile", false, "Whether to enable profiling 'bonus stuff'")
	flag.Parse()

	c, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	c.Journal.Directory = util.SOr(*dir, c.Journal.Directory)
	c.Journal.Backend = util.SOr(*backendp, c.Journal.Backend)
	c.MetricsAddress = util.SOr(*metricsAddress, c.MetricsAddress)
	if *dumpConfig {
		fmt.Print(c)
		return
	}
	if c.Journal.Directory == "" && c.Journal.Backend != "inmemory" {
		flag.Usage()
		os.Exit(1)
	}

	if *profile {
		runtime.SetBlockProfileRate(1000)    // microsecond
		runtime.SetMutexProfileFraction(100) // 1/100 is enough
	}
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	j := c.Journal
	st, err := factory.NewStorage(factory.StorageConfiguration{
		BackendConfiguration: storage.BackendConfiguration{Directory: j.Directory,
			NoSync: j.NoSync},
		BackendName: j.Backend,
		Password:    j.Password,
		Salt:        j.Salt,
		Encrypt:     j.Encrypt,
		Iterations:  j.Iterations,
		Compression: j.Compression})
	if err != nil {
		log.Fatal(err)
	}
	journal := editlog.Journal{Storage: st}.Init()
	mem := namespace.MemNamespace{Log: journal}.Init()
	ns, err := namesystem.Namesystem{Config: c, Namespace: mem, EditLog: journal}.Init()
	if err != nil {
		log.Fatal(err)
	}
	if err := mem.Load(journal); err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := ns.Start(ctx); err != nil {
		log.Fatal(err)
	}
	mlog.Infof("cmd/blockmaster", "Started, journal at txid %d; %s", journal.LastTxID(), ns.GetSafeModeTip())

	var srv *http.Server
	if c.MetricsAddress != "" {
		srv = serveMetrics(c.MetricsAddress, ns)
	}

	// SIGHUP rereads the host lists, SIGUSR1 dumps the replication
	// state; anything else stops.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			if err := ns.RefreshNodes(); err != nil {
				mlog.Errorf("cmd/blockmaster", "RefreshNodes: %v", err)
			}
			continue
		}
		if sig == syscall.SIGUSR1 {
			ns.MetaSave(os.Stdout)
			continue
		}
		mlog.Infof("cmd/blockmaster", "Got %v, stopping", sig)
		break
	}

	if srv != nil {
		srv.Close()
	}
	cancel()
	if !ns.Stop() {
		mlog.Warnf("cmd/blockmaster", "Some monitors did not stop in time")
	}
	journal.Close()

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.WriteHeapProfile(f)
		f.Close()
	}
}
