package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/duplication"
	"github.com/dd0wney/cluso-replication/pkg/executor"
	"github.com/dd0wney/cluso-replication/pkg/health"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/metrics"
	"github.com/dd0wney/cluso-replication/pkg/partition"
	"github.com/dd0wney/cluso-replication/pkg/plog"
	"github.com/dd0wney/cluso-replication/pkg/replica"
	"github.com/dd0wney/cluso-replication/pkg/rpc"
	"github.com/dd0wney/cluso-replication/pkg/server"
	"github.com/dd0wney/cluso-replication/pkg/split"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.Node.LogLevel))
	logger.Info("replication server starting",
		logging.String("rpc_listen", cfg.Node.RPCListen),
		logging.String("http_listen", cfg.Node.HTTPListen),
		logging.String("data_dir", cfg.Node.DataDir))

	reg := metrics.NewRegistry()
	startTime := time.Now()

	table := partition.NewTable()
	apps := make(map[int32]*replica.AppInfo, len(cfg.Apps))
	for _, app := range cfg.Apps {
		apps[app.AppID] = &replica.AppInfo{
			AppID:          app.AppID,
			AppName:        app.AppName,
			AppType:        "replicated",
			PartitionCount: app.PartitionCount,
		}
		table.SetPartitionCount(app.AppID, app.PartitionCount)
	}

	pool := executor.NewLongPool(cfg.Node.LongPoolWorkers)
	applyExec := executor.NewPartitionExecutor()

	// Inbound: remote clusters ship mutation batches to the rep socket; the
	// receiver makes them durable in this cluster's private logs.
	router := rpc.NewMessageRouter(logger)
	applier := newLogApplier(cfg.Node.DataDir, cfg.Node.MaxSegmentBytes, applyExec, logger)
	duplication.NewReceiver(router, applier, logger)

	rpcSrv, err := rpc.NewServer(cfg.Node.RPCListen, router)
	if err != nil {
		logger.Error("failed to start RPC listener", logging.Error(err))
		os.Exit(1)
	}
	go rpcSrv.Serve()

	// Outbound: one duplication manager per configured partition, shipping
	// its durable log to the remote cluster.
	shippers, err := buildShippers(cfg, apps, pool, reg, logger)
	if err != nil {
		logger.Error("failed to start duplications", logging.Error(err))
		rpcSrv.Stop()
		os.Exit(1)
	}

	stop := make(chan struct{})
	go gcLoop(stop, cfg.Node.GCInterval, shippers, logger)
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				reg.UpdateSystemMetrics(startTime)
			}
		}
	}()

	gs := server.NewGracefulServer(cfg.Node.HTTPListen, buildMux(reg, shippers, table), logger)
	gs.SetConfigReloadFunc(func() error {
		next, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		logger.SetLevel(logging.ParseLevel(next.Node.LogLevel))
		return nil
	})

	if err := gs.Start(); err != nil {
		logger.Error("HTTP server failed", logging.Error(err))
	}

	close(stop)
	for _, s := range shippers {
		s.mgr.Close()
		if err := s.rep.log.Close(); err != nil {
			logger.Error("failed to close private log",
				logging.GPID(s.rep.gpid.String()), logging.Error(err))
		}
	}
	rpcSrv.Stop()
	applier.Close()
	applyExec.Shutdown()
	pool.Shutdown()
	logger.Info("replication server stopped")
}

func buildShippers(cfg *serverConfig, apps map[int32]*replica.AppInfo, pool *executor.LongPool,
	reg *metrics.Registry, logger logging.Logger) ([]*shipper, error) {

	newTransport := func(remote string) (duplication.Transport, error) {
		return duplication.NewMangosTransport(remote, cfg.Duplication.ShipTimeout)
	}

	var shippers []*shipper
	for _, spec := range cfg.Duplications {
		app := apps[spec.AppID]
		status := duplication.StatusStart
		if spec.Status != "" {
			status = duplication.Status(strings.ToUpper(spec.Status))
		}

		for _, idx := range spec.Partitions {
			gpid := replica.GPID{AppID: spec.AppID, PartitionIndex: idx}
			l, err := plog.Open(partitionLogDir(cfg.Node.DataDir, gpid), gpid, cfg.Node.MaxSegmentBytes)
			if err != nil {
				return shippers, fmt.Errorf("open private log for %s: %w", gpid, err)
			}
			rep := &logReplica{gpid: gpid, app: app, log: l}

			// Resume where the config says, else from the start of whatever
			// the durable log still holds.
			confirmed := replica.InvalidDecree
			if v, ok := spec.Progress[idx]; ok {
				confirmed = replica.Decree(v)
			} else if min := l.MinDecree(); min != replica.InvalidDecree {
				confirmed = min - 1
			}

			entry := &duplication.Entry{
				Dupid:         spec.Dupid,
				RemoteCluster: spec.RemoteCluster,
				Status:        status,
				Progress:      map[int32]replica.Decree{idx: confirmed},
			}
			mgr := duplication.NewManager(rep, newTransport, pool, reg, logger, cfg.Duplication)
			if err := mgr.SyncDuplications([]*duplication.Entry{entry}); err != nil {
				l.Close()
				return shippers, fmt.Errorf("start duplication %d on %s: %w", spec.Dupid, gpid, err)
			}
			logger.Info("duplication started",
				logging.Dupid(spec.Dupid),
				logging.GPID(gpid.String()),
				logging.Remote(spec.RemoteCluster),
				logging.Decree("confirmed", int64(confirmed)))
			shippers = append(shippers, &shipper{rep: rep, mgr: mgr})
		}
	}
	return shippers, nil
}

func buildMux(reg *metrics.Registry, shippers []*shipper, table *partition.Table) *http.ServeMux {
	hc := health.NewHealthChecker()
	hc.RegisterLivenessCheck("process", func() health.Check {
		return health.SimpleCheck("process")
	})
	hc.RegisterCheck("duplication", health.DuplicationCheck(func() (int, int, int64) {
		var tasks, fatal int
		var pending int64
		for _, s := range shippers {
			committed := s.rep.LastCommittedDecree()
			for _, snap := range s.mgr.Snapshots() {
				tasks++
				if snap.FatalError != "" {
					fatal++
				}
				if lag := int64(committed - snap.ConfirmedDecree); lag > 0 {
					pending += lag
				}
			}
		}
		return tasks, fatal, pending
	}))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", hc.HTTPHandler())
	mux.HandleFunc("/ready", hc.ReadinessHandler())
	mux.HandleFunc("/live", hc.LivenessHandler())
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/duplication/status", health.StatusHandler(func() any {
		var snaps []duplication.StatusSnapshot
		for _, s := range shippers {
			snaps = append(snaps, s.mgr.Snapshots()...)
		}
		return snaps
	}))
	// No split runs without a full consensus replica behind it; the daemon
	// still answers the endpoint so operators see an explicit empty set.
	mux.HandleFunc("/split/status", health.StatusHandler(func() any {
		return []split.StatusSnapshot{}
	}))
	mux.HandleFunc("/routing/resolve", resolveHandler(table))
	return mux
}

// resolveHandler maps ?app=<id>&key=<key> to the partition that owns the key.
func resolveHandler(table *partition.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appID, err := strconv.ParseInt(r.URL.Query().Get("app"), 10, 32)
		if err != nil {
			http.Error(w, "missing or invalid app id", http.StatusBadRequest)
			return
		}
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		gpid, err := table.Resolve(int32(appID), []byte(key))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"gpid":%q,"partition_count":%d}`+"\n",
			gpid.String(), table.PartitionCount(int32(appID)))
	}
}
