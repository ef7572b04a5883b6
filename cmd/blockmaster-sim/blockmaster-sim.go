/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 28 09:20:13 2019 mstenber
 * Last modified: Thu Feb 28 10:05:38 2019 mstenber
 * Edit time:     29 min
 *
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fingon/go-blockmaster/config"
	"github.com/fingon/go-blockmaster/editlog"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/namespace"
	"github.com/fingon/go-blockmaster/namesystem"
	"github.com/fingon/go-blockmaster/sim"
	"github.com/fingon/go-blockmaster/storage/factory"
)

func status(ns *namesystem.Namesystem) string {
	s := ns.GetStats()
	return fmt.Sprintf("live %d dead %d decom %d | blocks %d under %d pending %d excess %d corrupt %d missing %d deleting %d | safemode %v",
		s.LiveDatanodes, s.DeadDatanodes, s.DecommissioningNodes,
		s.BlocksTotal, s.UnderReplicatedBlocks, s.PendingReplications,
		s.ExcessBlocks, s.CorruptReplicaBlocks, s.MissingBlocks,
		s.PendingDeletionBlocks, s.SafeMode)
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	configFile := flag.String("config", "", "YAML configuration file (replaces the interval flags)")
	nodes := flag.Int("nodes", 8, "Number of storage nodes")
	files := flag.Int("files", 20, "Number of files to write")
	blocks := flag.Int("blocks", 3, "Blocks per file")
	replication := flag.Int("replication", 3, "Replication of the files")
	tick := flag.Duration("tick", 100*time.Millisecond, "Interval at which the nodes heartbeat")
	recheck := flag.Duration("recheck", time.Second, "Heartbeat recheck interval of the coordinator")
	kill := flag.Int("kill", 1, "Number of nodes to stop")
	killAfter := flag.Duration("kill-after", 3*time.Second, "When to stop the nodes")
	decommission := flag.Int("decommission", 1, "Number of nodes to decommission")
	every := flag.Duration("status", time.Second, "Interval at which status is printed")
	duration := flag.Duration("duration", 20*time.Second, "How long to run (0 = forever)")
	metasave := flag.Bool("metasave", false, "Dump the replication state at the end")
	flag.Parse()

	var c *config.Config
	if *configFile != "" {
		var err error
		c, err = config.Load(*configFile)
		if err != nil {
			log.Fatal(err)
		}
	} else {
		c = &config.Config{}
		c.Heartbeat.Interval = *tick
		c.Heartbeat.RecheckInterval = *recheck
		c.Replication.Interval = *tick
		c.Decommission.Interval = *recheck
		c = c.Init()
		if err := c.Validate(); err != nil {
			log.Fatal(err)
		}
	}

	st, err := factory.NewStorage(factory.StorageConfiguration{BackendName: "inmemory"})
	if err != nil {
		log.Fatal(err)
	}
	journal := editlog.Journal{Storage: st}.Init()
	defer journal.Close()
	mem := namespace.MemNamespace{Log: journal}.Init()
	mem.SetReady()
	ns, err := namesystem.Namesystem{Config: c, Namespace: mem, EditLog: journal}.Init()
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	if err := ns.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer ns.Stop()

	cluster := sim.Cluster{Coordinator: ns, BlockSize: c.BlockSize}.Init()
	if _, err := cluster.AddNodes(*nodes); err != nil {
		log.Fatal(err)
	}
	for i := 0; i < *files; i++ {
		sizes := make([]int64, *blocks)
		for j := range sizes {
			sizes[j] = c.BlockSize
		}
		p := fmt.Sprintf("/sim/f%04d", i)
		if err := cluster.WriteFile(p, "sim-client", *replication, sizes...); err != nil {
			log.Fatal(err)
		}
	}
	mlog.Infof("cmd/blockmaster-sim", "Wrote %d files: %s", *files, status(ns))
	go cluster.Run(ctx, *tick)

	killTimer := time.NewTimer(*killAfter)
	defer killTimer.Stop()
	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("final: %s\n", status(ns))
			if *metasave {
				ns.MetaSave(os.Stdout)
			}
			return
		case <-killTimer.C:
			running := cluster.Running()
			var excludes []string
			for i, n := range running {
				switch {
				case i < *kill:
					mlog.Infof("cmd/blockmaster-sim", "Stopping %s", n)
					n.Stop()
				case i < *kill+*decommission:
					mlog.Infof("cmd/blockmaster-sim", "Decommissioning %s", n)
					excludes = append(excludes, n.ID().Host())
				}
			}
			if len(excludes) > 0 {
				ns.SetHosts(nil, excludes)
			}
		case <-ticker.C:
			fmt.Printf("%s\n", status(ns))
		}
	}
}
