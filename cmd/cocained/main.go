// Command cocained is the runtime's entrypoint: it loads a configuration
// document, wires up the locator and the Node app registry, and serves the
// Node RPC on the configured network endpoint until it receives a shutdown
// signal.
//
// Shaped after the teacher's cmd/flowersec-tunnel entrypoint (flag parsing
// with env-var fallbacks via cmdutil, a testable run(args, stdout, stderr)
// int function main delegates to, a version flag backed by
// internal/version, an optional metrics listener, and a signal loop driving
// graceful shutdown).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/cocaine-rt/cocained/admin"
	"github.com/cocaine-rt/cocained/app"
	"github.com/cocaine-rt/cocained/balancer"
	"github.com/cocaine-rt/cocained/cluster"
	"github.com/cocaine-rt/cocained/config"
	"github.com/cocaine-rt/cocained/dispatch"
	"github.com/cocaine-rt/cocained/internal/cmdutil"
	"github.com/cocaine-rt/cocained/internal/contextutil"
	"github.com/cocaine-rt/cocained/internal/version"
	"github.com/cocaine-rt/cocained/isolate"
	"github.com/cocaine-rt/cocained/locator"
	"github.com/cocaine-rt/cocained/logging"
	"github.com/cocaine-rt/cocained/netserve"
	"github.com/cocaine-rt/cocained/node"
	"github.com/cocaine-rt/cocained/observability/prom"
	"github.com/cocaine-rt/cocained/overseer"
	"github.com/cocaine-rt/cocained/reactor"
	"github.com/cocaine-rt/cocained/storage"
	"github.com/cocaine-rt/cocained/storage/file"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type ready struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	Listen  string `json:"listen"`
	Metrics string `json:"metrics_url,omitempty"`
	Admin   string `json:"admin_url,omitempty"`
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)
	sink := logging.Standard{L: logger}

	configPath := cmdutil.EnvString("COCAINED_CONFIG", "")
	metricsListen := cmdutil.EnvString("COCAINED_METRICS_LISTEN", "")
	adminListen := cmdutil.EnvString("COCAINED_ADMIN_LISTEN", "")

	fs := flag.NewFlagSet("cocained", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configPath, "config", configPath, "path to the configuration document (env: COCAINED_CONFIG)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for the Prometheus metrics server (empty disables) (env: COCAINED_METRICS_LISTEN)")
	fs.StringVar(&adminListen, "admin-listen", adminListen, "listen address for the operator HTTP/websocket surface (empty disables) (env: COCAINED_ADMIN_LISTEN)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, version.String(buildVersion, buildCommit, buildDate))
		return 0
	}
	if configPath == "" {
		fmt.Fprintln(stderr, "missing --config")
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	backend, err := file.New(filepath.Join(cfg.Paths.Runtime, "storage"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	pool := reactor.NewPool(cfg.Network.Pool)
	pool.Run()
	defer pool.Stop()

	nd := newRegistryNode(backend, sink, pool)

	gateway := locator.NewAdhocGateway(time.Now().UnixNano())
	loc := locator.New(locator.PolicyLocalFirst, gateway, nil)

	ln, err := net.Listen("tcp", cfg.Network.Endpoint)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer ln.Close()

	if host, port, splitErr := net.SplitHostPort(ln.Addr().String()); splitErr == nil {
		p, _ := strconv.Atoi(port)
		loc.BindLocal(locator.ServiceDescriptor{
			Name:      "node",
			Version:   1,
			Endpoints: []locator.Endpoint{{Host: host, Port: p}},
		})
	}

	stopCluster, err := startCluster(cfg.Cluster, loc, sink)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer stopCluster()

	nodeSvc := nd.Service()
	root := func(uint64) dispatch.Dispatch { return nodeSvc }
	go func() {
		if err := netserve.Serve(ln, pool, root, sink); err != nil {
			sink.Log(logging.LevelWarn, "cocained", "serve stopped", "err", err)
		}
	}()

	out := ready{
		Version: buildVersion,
		Commit:  buildCommit,
		Date:    buildDate,
		Listen:  ln.Addr().String(),
	}

	var metricsSrv *http.Server
	if metricsListen != "" {
		reg := prom.NewRegistry()
		stopMetrics := startMetricsLoop(nd, reg)
		defer stopMetrics()

		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler(reg))
		metricsLn, listenErr := net.Listen("tcp", metricsListen)
		if listenErr != nil {
			fmt.Fprintln(stderr, listenErr)
			return 1
		}
		metricsSrv = &http.Server{Handler: mux}
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				sink.Log(logging.LevelError, "cocained", "metrics server", "err", err)
			}
		}()
		out.Metrics = "http://" + metricsLn.Addr().String() + "/metrics"
	}

	var adminSrv *http.Server
	if adminListen != "" {
		adminSrv = &http.Server{Handler: admin.New(nd, loc, sink).Handler()}
		adminLn, listenErr := net.Listen("tcp", adminListen)
		if listenErr != nil {
			fmt.Fprintln(stderr, listenErr)
			return 1
		}
		go func() {
			if err := adminSrv.Serve(adminLn); err != nil && err != http.ErrServerClosed {
				sink.Log(logging.LevelError, "cocained", "admin server", "err", err)
			}
		}()
		out.Admin = "http://" + adminLn.Addr().String() + "/apps"
	}

	_ = json.NewEncoder(stdout).Encode(out)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := contextutil.WithTimeout(nil, 5*time.Second)
	defer cancel()
	nd.ShutdownAll()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	if adminSrv != nil {
		_ = adminSrv.Shutdown(ctx)
	}
	return 0
}

// registryNode pairs a Node with the Reactors its Overseers run on and the
// worker-facing listeners those Overseers accept handshakes on, so
// ShutdownAll can stop all three layers in order: every running app is
// paused first (its Overseer despawns its slaves), then every worker socket
// is closed, then every app's Reactor goroutine is stopped.
type registryNode struct {
	*node.Node
	mu        sync.Mutex
	reactors  map[string]*reactor.Reactor
	workerLns map[string]net.Listener
}

// newRegistryNode constructs a Node backed by backend's
// "manifests"/"profiles" collections. Each started app gets its own
// Reactor-driven Overseer, a real os/exec-backed spawner, a SessionAssigner
// wired to bridge worker channels back to clients, and its own worker-facing
// listener (manifest.Endpoint) accepting handshakes -- served off pool, the
// same fixed reactor pool the client-facing listener uses.
func newRegistryNode(backend storage.Backend, sink logging.Sink, pool *reactor.Pool) *registryNode {
	manifests := func(name string) (app.Manifest, error) {
		raw, err := backend.Read(context.Background(), "manifests", name)
		if err != nil {
			return app.Manifest{}, err
		}
		var m app.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return app.Manifest{}, err
		}
		return m, nil
	}
	profiles := func(profileName string) (app.Profile, error) {
		raw, err := backend.Read(context.Background(), "profiles", profileName)
		if err != nil {
			return app.Profile{}, err
		}
		p := app.DefaultProfile()
		if err := json.Unmarshal(raw, &p); err != nil {
			return app.Profile{}, err
		}
		return p, nil
	}

	rn := &registryNode{
		reactors:  make(map[string]*reactor.Reactor),
		workerLns: make(map[string]net.Listener),
	}
	factory := func(m app.Manifest, p app.Profile) (*overseer.Overseer, error) {
		re := reactor.New()
		go re.Run()

		var ov *overseer.Overseer
		assigner := overseer.NewSessionAssigner(func(uuid string, channelID uint64) {
			ov.FinishChannel(uuid, channelID)
		})
		ov = overseer.New(m, p, re, isolate.NewExecSpawner(), assigner, balancer.NewLoadBalancer())

		_ = os.Remove(m.Endpoint) // clear a stale socket file left by a prior run
		workerLn, err := net.Listen("unix", m.Endpoint)
		if err != nil {
			re.Stop()
			return nil, fmt.Errorf("cocained: listen on worker endpoint %q: %w", m.Endpoint, err)
		}
		go func() {
			if err := netserve.Serve(workerLn, pool, ov.WorkerRoot(), sink); err != nil {
				sink.Log(logging.LevelWarn, "node", "worker listener stopped", "app", m.Name, "err", err)
			}
		}()

		rn.mu.Lock()
		rn.reactors[m.Name] = re
		rn.workerLns[m.Name] = workerLn
		rn.mu.Unlock()
		sink.Log(logging.LevelInfo, "node", "starting app", "name", m.Name, "worker_endpoint", m.Endpoint)
		return ov, nil
	}
	rn.Node = node.New(manifests, profiles, factory)
	return rn
}

func (rn *registryNode) ShutdownAll() {
	for _, name := range rn.List() {
		_ = rn.PauseApp(name)
	}
	rn.mu.Lock()
	defer rn.mu.Unlock()
	for _, ln := range rn.workerLns {
		_ = ln.Close()
	}
	for _, re := range rn.reactors {
		re.Stop()
	}
}

// startCluster wires the default cluster plugin (spec §4.8's predefined-list
// variant) to loc: every peer that comes up or drops is mirrored into
// loc.MirrorPeer/ForgetPeer, keeping remote_peers in sync with the mesh.
// Both dialing out (cfg.Peers) and accepting inbound (cfg.Listen) are
// optional and independent; startCluster is a no-op returning a no-op
// stop func if neither is configured.
func startCluster(cfg config.Cluster, loc *locator.Locator, sink logging.Sink) (func(), error) {
	if len(cfg.Peers) == 0 && cfg.Listen == "" {
		return func() {}, nil
	}

	handlers := cluster.Handlers{
		OnPeerUp: func(uuid string, sess *yamux.Session) {
			loc.MirrorPeer(locator.PeerRecord{UUID: uuid})
			sink.Log(logging.LevelInfo, "cluster", "peer up", "uuid", uuid)
			if cfg.SelfUUID == "" {
				return
			}
			hello, err := sess.OpenStream()
			if err != nil {
				return
			}
			_, _ = hello.Write([]byte(cfg.SelfUUID + "\n"))
			hello.Close()
		},
		OnPeerDown: func(uuid string) {
			loc.ForgetPeer(uuid)
			sink.Log(logging.LevelInfo, "cluster", "peer down", "uuid", uuid)
		},
	}

	var stops []func()

	if len(cfg.Peers) > 0 {
		peers := make([]cluster.Peer, len(cfg.Peers))
		for i, p := range cfg.Peers {
			peers[i] = cluster.Peer{UUID: p.UUID, Endpoint: p.Endpoint}
		}
		mesh := cluster.New(peers, time.Duration(cfg.ReconnectMS)*time.Millisecond, handlers)
		ctx, cancel := context.WithCancel(context.Background())
		go mesh.Run(ctx)
		stops = append(stops, cancel)
	}

	if cfg.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			for _, stop := range stops {
				stop()
			}
			return nil, fmt.Errorf("cocained: listen on cluster.listen %q: %w", cfg.Listen, err)
		}
		l := cluster.NewListener(handlers)
		go func() {
			if err := l.Serve(ln, identifyPeer); err != nil {
				sink.Log(logging.LevelWarn, "cluster", "listener stopped", "err", err)
			}
		}()
		stops = append(stops, func() { ln.Close() })
	}

	return func() {
		for _, stop := range stops {
			stop()
		}
	}, nil
}

// identifyPeer reads the peer's announced uuid off the first stream it
// opens on an inbound cluster connection: a single newline-terminated line,
// the same handshake a dialing peer's OnPeerUp sends.
func identifyPeer(first net.Conn) (string, error) {
	line, err := bufio.NewReader(first).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// startMetricsLoop polls every running app's pool/queue size onto its own
// lazily registered OverseerObserver, since each app's metrics carry an
// "app" const label that can only be known once the app has actually
// started.
func startMetricsLoop(nd *registryNode, reg *prometheus.Registry) func() {
	done := make(chan struct{})
	go func() {
		observers := make(map[string]*prom.OverseerObserver)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for _, name := range nd.List() {
					ov, ok := nd.Overseer(name)
					if !ok {
						continue
					}
					obs, ok := observers[name]
					if !ok {
						obs = prom.NewOverseerObserver(reg, name)
						observers[name] = obs
					}
					obs.PoolSize(ov.PoolSize())
					obs.QueueLen(ov.QueueLen())
				}
			}
		}
	}()
	return func() { close(done) }
}
