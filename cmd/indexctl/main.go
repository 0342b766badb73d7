package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"

	"github.com/orgsearch/tenant-index/gateway"
	"github.com/orgsearch/tenant-index/lock"
	"github.com/orgsearch/tenant-index/metrics"
	"github.com/orgsearch/tenant-index/migrate"
	"github.com/orgsearch/tenant-index/naming"
	pkghttp "github.com/orgsearch/tenant-index/pkg/http"
	"github.com/orgsearch/tenant-index/pkg/k8s"
	"github.com/orgsearch/tenant-index/pkg/logger"
	"github.com/orgsearch/tenant-index/pkg/scheduler"
	"github.com/orgsearch/tenant-index/pkg/service"
	"github.com/orgsearch/tenant-index/pkg/version"
	"github.com/orgsearch/tenant-index/provision"
	"github.com/orgsearch/tenant-index/resolver"
	"github.com/orgsearch/tenant-index/schema"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{Name: "config", Usage: "Config file path.  Built in defaults are used when empty.", EnvVars: []string{"INDEXCTL_CONFIG"}},
	&cli.StringSliceFlag{Name: "address", Usage: "Override elasticsearch.addresses", EnvVars: []string{"INDEXCTL_ES_ADDRESSES"}},
	&cli.IntFlag{Name: "target", Usage: "Override target-version"},
}

func main() {
	app := &cli.App{
		Name:  "indexctl",
		Usage: "manage versioned per-tenant search indices",
		Flags: globalFlags,

		Commands: []*cli.Command{
			{
				Name:  "config",
				Usage: "Generate a config file",
				Action: func(c *cli.Context) error {
					buf := bytes.Buffer{}
					enc := toml.NewEncoder(&buf)
					enc.SetIndentTables(true)
					if err := enc.Encode(DefaultConfig); err != nil {
						return err
					}

					fmt.Println(buf.String())
					return nil
				},
			},
			{
				Name:      "create-tenant",
				Usage:     "Create the first index of a new tenant",
				ArgsUsage: "<tenant-id>",
				Action:    createTenant,
			},
			{
				Name:   "discover",
				Usage:  "List tenant indices that are not on the target version",
				Action: discover,
			},
			{
				Name:      "migrate",
				Usage:     "Migrate the given indices, or every stale index when none are given, to the target version",
				ArgsUsage: "[index...]",
				Action:    migrateIndices,
			},
			{
				Name:      "state",
				Usage:     "Show how far the migration of an index to the target version got",
				ArgsUsage: "<index>",
				Action:    state,
			},
			{
				Name:      "resolve",
				Usage:     "Show the read and write targets of a tenant",
				ArgsUsage: "<tenant-id>",
				Action:    resolve,
			},
			{
				Name:   "serve",
				Usage:  "Run migrations and alias audits on a schedule and serve metrics",
				Action: serve,
			},
		},

		Version: version.String(),
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err.Error())
	}
}

func loadConfig(c *cli.Context) (Config, error) {
	cfg := DefaultConfig

	if path := c.String("config"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}

		var fileConfig Config
		if err := toml.Unmarshal(b, &fileConfig); err != nil {
			var derr *toml.DecodeError
			if errors.As(err, &derr) {
				row, col := derr.Position()
				return cfg, fmt.Errorf("%s: error at row %d column %d: %w", path, row, col, err)
			}
			return cfg, err
		}
		cfg = fileConfig
	}

	if addrs := c.StringSlice("address"); len(addrs) > 0 {
		es := *DefaultConfig.Elasticsearch
		if cfg.Elasticsearch != nil {
			es = *cfg.Elasticsearch
		}
		es.Addresses = addrs
		cfg.Elasticsearch = &es
	}
	if c.IsSet("target") {
		cfg.TargetVersion = c.Int("target")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	if lvl, ok := logger.ParseLevel(cfg.LogLevel); ok {
		logger.SetLevel(lvl)
	}
	return cfg, nil
}

// deps is everything the commands operate on, built from the config.
type deps struct {
	cfg  Config
	gw   gateway.Gateway
	prov *provision.Provisioner
	orch *migrate.Orchestrator
}

func newDeps(c *cli.Context) (*deps, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	mapping := schema.DefaultMapping
	if cfg.MappingFile != "" {
		mapping, err = schema.Load(cfg.MappingFile)
		if err != nil {
			return nil, err
		}
		logger.Infof("Using mapping %s (hash %x)", cfg.MappingFile, schema.Hash(mapping))
	}

	gw, err := newGateway(cfg.Elasticsearch)
	if err != nil {
		return nil, err
	}

	prov, err := provision.New(gw, mapping, provision.Opts{HealthTimeout: seconds(cfg.Migration.HealthTimeoutSeconds)})
	if err != nil {
		return nil, err
	}

	locker, err := newLocker(cfg)
	if err != nil {
		return nil, err
	}

	orch := migrate.New(gw, prov, migrate.Opts{Concurrency: cfg.Migration.Concurrency, Locker: locker})
	return &deps{cfg: cfg, gw: gw, prov: prov, orch: orch}, nil
}

func newGateway(cfg *Elasticsearch) (gateway.Gateway, error) {
	httpClient := pkghttp.NewClient(pkghttp.ClientOpts{
		Timeout:            seconds(cfg.TimeoutSeconds),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})

	return gateway.NewElastic(gateway.ElasticOpts{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
		Transport: metrics.NewRoundTripper("elasticsearch", pkghttp.WithLogging(httpClient).Transport),
	})
}

func newLocker(cfg Config) (lock.Locker, error) {
	if cfg.Lock.Backend != LockBackendLease {
		return lock.NewLocal(), nil
	}

	client, err := k8s.NewClientset(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("lease lock: %w", err)
	}
	l, err := lock.NewLease(client, lock.LeaseOpts{
		Namespace:     cfg.Lock.Namespace,
		Identity:      cfg.Lock.Identity,
		LeaseDuration: seconds(cfg.Lock.LeaseDurationSeconds),
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Using lease lock in namespace %s as %s", cfg.Lock.Namespace, l.Identity())
	return l, nil
}

func createTenant(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("create-tenant takes exactly one tenant id", 2)
	}
	a, err := newDeps(c)
	if err != nil {
		return err
	}

	ti, err := a.prov.CreateTenant(c.Context, c.Args().First(), a.cfg.TargetVersion)
	if errors.Is(err, provision.ErrDuplicateIndex) {
		return cli.Exit(err.Error(), 3)
	}
	if err != nil {
		return err
	}
	fmt.Println(ti.Name())
	return nil
}

func discover(c *cli.Context) error {
	a, err := newDeps(c)
	if err != nil {
		return err
	}

	stale, err := a.orch.DiscoverStale(c.Context, a.cfg.TargetVersion)
	if err != nil {
		return err
	}
	for _, idx := range stale {
		fmt.Println(idx)
	}
	return nil
}

func migrateIndices(c *cli.Context) error {
	a, err := newDeps(c)
	if err != nil {
		return err
	}
	target := a.cfg.TargetVersion

	if c.NArg() == 0 {
		report, err := a.orch.MigrateAll(c.Context, target)
		for _, idx := range report.Migrated {
			fmt.Printf("%s\tmigrated\n", idx)
		}
		for idx, ferr := range report.Failed {
			fmt.Printf("%s\tfailed\t%s\n", idx, ferr)
		}
		return err
	}

	var failed int
	for _, idx := range c.Args().Slice() {
		ti, err := a.orch.Migrate(c.Context, idx, target)
		if err != nil {
			failed++
			fmt.Printf("%s\tfailed\t%s\n", idx, err)
			continue
		}
		fmt.Printf("%s\t%s\n", idx, ti.Name())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d migrations failed", failed, c.NArg())
	}
	return nil
}

func state(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("state takes exactly one index name", 2)
	}
	a, err := newDeps(c)
	if err != nil {
		return err
	}

	s, err := a.orch.State(c.Context, c.Args().First(), a.cfg.TargetVersion)
	if err != nil {
		return err
	}
	fmt.Println(s)
	return nil
}

type resolution struct {
	Tenant string   `json:"tenant"`
	Read   string   `json:"read"`
	Write  []string `json:"write"`
}

func resolveTenant(ctx context.Context, gw gateway.Gateway, tenantID string) (resolution, error) {
	tenantID, err := naming.NormalizeTenantID(tenantID)
	if err != nil {
		return resolution{}, err
	}
	read, err := resolver.ReadTarget(ctx, gw, tenantID)
	if err != nil {
		return resolution{}, err
	}
	write, err := resolver.WriteTargets(ctx, gw, tenantID)
	if err != nil {
		return resolution{}, err
	}
	return resolution{Tenant: tenantID, Read: read, Write: write}, nil
}

func resolve(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("resolve takes exactly one tenant id", 2)
	}
	a, err := newDeps(c)
	if err != nil {
		return err
	}

	r, err := resolveTenant(c.Context, a.gw, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Printf("read\t%s\nwrite\t%v\n", r.Read, r.Write)
	return nil
}

func serve(c *cli.Context) error {
	logger.Infof("%s version:%s", os.Args[0], version.String())

	a, err := newDeps(c)
	if err != nil {
		return err
	}

	srv := pkghttp.NewServer(&pkghttp.ServerOpts{ListenAddr: a.cfg.ListenAddr})
	srv.RegisterHandler("/v1/resolve", metrics.HandlerFuncRecorder("api", resolveHandler(a.gw)))
	srv.RegisterHandler("/v1/state", metrics.HandlerFuncRecorder("api", stateHandler(a.orch, a.cfg.TargetVersion)))

	sched := scheduler.NewScheduler()

	svcCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := service.Group{srv, sched}
	if err := svc.Open(svcCtx); err != nil {
		return err
	}

	sched.ScheduleEvery(seconds(a.cfg.Migration.IntervalSeconds), migrate.NewRunner(a.orch, a.cfg.TargetVersion))
	if a.cfg.Migration.AuditIntervalSeconds > 0 {
		sched.ScheduleEvery(seconds(a.cfg.Migration.AuditIntervalSeconds), resolver.NewAuditor(a.gw))
	}
	logger.Infof("Serving on %s, migrating to version %d every %s", a.cfg.ListenAddr, a.cfg.TargetVersion, seconds(a.cfg.Migration.IntervalSeconds))

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sc
		cancel()

		logger.Infof("Received signal %s, exiting...", sig.String())
		if err := svc.Close(); err != nil {
			logger.Error(err.Error())
		}
	}()
	<-svcCtx.Done()
	return nil
}

func resolveHandler(gw gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		res, err := resolveTenant(ctx, gw, r.URL.Query().Get("tenant"))
		switch {
		case errors.Is(err, naming.ErrInvalidTenantID):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, resolver.ErrAliasInvariant):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, res)
	}
}

func stateHandler(o *migrate.Orchestrator, defaultTarget int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		target := defaultTarget
		if t := r.URL.Query().Get("target"); t != "" {
			n, err := strconv.Atoi(t)
			if err != nil || n < 1 {
				http.Error(w, "invalid target", http.StatusBadRequest)
				return
			}
			target = n
		}

		index := r.URL.Query().Get("index")
		s, err := o.State(ctx, index, target)
		switch {
		case errors.Is(err, naming.ErrNotTenantIndex):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, resolver.ErrAliasInvariant):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"index": index, "target": target, "state": s.String()})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("Failed to write response: %s", err)
	}
}
