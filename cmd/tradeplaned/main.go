// Command tradeplaned runs the trading-operations control plane. The
// start subcommand brings up the full module set under one supervisor;
// the remaining subcommands drive a running daemon over its admin API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/orbitquant/tradeplane/internal/allocator"
	"github.com/orbitquant/tradeplane/internal/api"
	"github.com/orbitquant/tradeplane/internal/audit"
	"github.com/orbitquant/tradeplane/internal/balancer"
	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/clock"
	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/dialog"
	"github.com/orbitquant/tradeplane/internal/drawdown"
	"github.com/orbitquant/tradeplane/internal/explain"
	"github.com/orbitquant/tradeplane/internal/failover"
	"github.com/orbitquant/tradeplane/internal/guardrail"
	"github.com/orbitquant/tradeplane/internal/infra"
	"github.com/orbitquant/tradeplane/internal/logging"
	"github.com/orbitquant/tradeplane/internal/logroute"
	"github.com/orbitquant/tradeplane/internal/mirror"
	"github.com/orbitquant/tradeplane/internal/pacing"
	"github.com/orbitquant/tradeplane/internal/redact"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/internal/telemetry"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

const version = "1.4.2"

const defaultConfigPath = "conf/tradeplane.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		runStart(os.Args[2:])
	case "reload":
		cmdReload(os.Args[2:])
	case "status":
		cmdStatus()
	case "shutdown":
		cmdShutdown(os.Args[2:])
	case "version":
		fmt.Printf("tradeplaned v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tradeplane control plane v` + version + `

Usage: tradeplaned <command> [flags]

Commands:
  start      Run the daemon (--config ` + defaultConfigPath + `)
  reload     Reload a hot table: routes|privacy|policy|endpoints
  status     Show module health of a running daemon
  shutdown   Stop a running daemon (--grace ms)
  version    Print version
  help       Show this help

Environment:
  TRADEPLANE_ADMIN_URL       Admin API of a running daemon (default: http://localhost:7180)
  TRADEPLANE_REDACT_SECRET   Salt secret for privacy token hashing
  TRADEPLANE_REDIS_ADDR      Overrides redis.addr from the config file
  TRADEPLANE_PUBSUB_PROJECT  Overrides mirror.project_id from the config file

Examples:
  tradeplaned start --config conf/tradeplane.yaml
  tradeplaned reload routes
  tradeplaned status
  tradeplaned shutdown --grace 3000`)
}

// ----------------------------------------------------------------
// start
// ----------------------------------------------------------------

// Exit codes: 0 clean stop, 1 init failure, 2 a subsystem failed,
// 3 the config file did not load.
func runStart(args []string) {
	path := defaultConfigPath
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			i++
			if i < len(args) {
				path = args[i]
			}
		}
	}

	// Secrets ride the environment, never the YAML file. A missing
	// .env is the normal case outside dev boxes.
	_ = godotenv.Load()

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(3)
	}
	applyEnvOverrides(cfg)

	log := logging.New(cfg.Logging)
	log.Info().Str("config", path).Str("version", version).Msg("tradeplaned starting")

	mgr, err := config.NewManager(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tables: %v\n", err)
		os.Exit(3)
	}

	clk := clock.NewSystem()
	sched := clock.NewScheduler(clk, log)
	b := bus.New(bus.DefaultRegistry(), clk, log)
	rt := &runtime.Runtime{Bus: b, Clock: clk, Sched: sched, Config: mgr, Log: log}

	var watcher *config.Watcher
	if cfg.Tables.Watch {
		watcher, err = config.NewWatcher(mgr, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "table watcher: %v\n", err)
			os.Exit(1)
		}
	}

	// Redis is optional. The log router and telemetry run without it;
	// a configured address that does not answer is a hard error.
	var rdb *infra.RedisAdapter
	if cfg.Redis.Addr != "" {
		rdb, err = infra.NewRedisAdapter(cfg.Redis, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "redis: %v\n", err)
			os.Exit(1)
		}
	}

	// Minute heartbeat. Pacing windows, allocator rebalances and
	// telemetry flushes all key off this topic.
	sched.Every("clock.tick1m", time.Minute, 0, func(ctx context.Context, now time.Time) {
		if err := b.Emit(ctx, schema.TopicClockTick1m, "", "clock", now); err != nil {
			log.Warn().Err(err).Msg("minute tick publish failed")
		}
	})

	red := redact.NewModule()
	router := logroute.New(red, rdb)
	tel := telemetry.New(rdb)
	aud := audit.NewModule()
	dd := drawdown.New()
	fo := failover.New()
	pace := pacing.New()
	bal := balancer.New()
	alloc := allocator.New()
	guard := guardrail.New()
	dlg := dialog.New()
	exp := explain.New()
	mir := mirror.New()

	stopCh := make(chan time.Duration, 1)
	apiMod := api.New(api.Deps{
		Version:   version,
		Modules:   []runtime.Module{red, router, tel, aud, dd, fo, pace, bal, alloc, guard, dlg, exp, mir},
		Balancer:  bal,
		Allocator: alloc,
		Pacing:    pace,
		Failover:  fo,
		Guardrail: guard,
		Dialog:    dlg,
		Explain:   exp,
		Mirror:    mir,
		Logroute:  router,
		Audit:     aud,
		OnShutdown: func(grace time.Duration) {
			select {
			case stopCh <- grace:
			default:
			}
		},
	})

	sup := runtime.NewSupervisor(rt)
	// Order matters: the classifier and sinks come up before the
	// modules that publish through them, the admin surface last.
	sup.Register(red, router, tel, aud, dd, fo, pace, bal, alloc, guard, dlg, exp, mir, apiMod)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.StartAll(ctx); err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
	log.Info().Str("admin", apiMod.Addr()).Msg("tradeplaned up")

	grace := time.Duration(cfg.Shutdown.GraceMs) * time.Millisecond
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case g := <-stopCh:
		grace = g
		log.Info().Dur("grace", g).Msg("shutdown requested over admin API")
	}

	code := 0
	for name, h := range sup.HealthSnapshot() {
		if h.State == runtime.StateFailed {
			log.Error().Str("module", name).Str("error", h.LastError).Msg("subsystem failed")
			code = 2
		}
	}
	if err := sup.ShutdownAll(grace); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
		if code == 0 {
			code = 2
		}
	}
	if watcher != nil {
		watcher.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	log.Info().Msg("tradeplaned stopped")
	os.Exit(code)
}

// applyEnvOverrides lets secrets that must not sit in a checked-in
// YAML file replace their config fields.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("TRADEPLANE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TRADEPLANE_PUBSUB_PROJECT"); v != "" {
		cfg.Mirror.ProjectID = v
	}
}

// ----------------------------------------------------------------
// reload
// ----------------------------------------------------------------

func cmdReload(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: tradeplaned reload <routes|privacy|policy|endpoints>")
		os.Exit(1)
	}
	table := args[0]

	status, body, err := doRequest("POST", adminURL()+"/reload/"+table, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	if status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Reload rejected (%d): %s\n", status, bytes.TrimSpace(body))
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(body, &result)
	fmt.Printf("%s reloaded, now at version %.0f\n", result["table"], toFloat(result["version"]))
}

// ----------------------------------------------------------------
// status
// ----------------------------------------------------------------

func cmdStatus() {
	status, body, err := doRequest("GET", adminURL()+"/status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	if status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Status failed (%d): %s\n", status, bytes.TrimSpace(body))
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(body, &result)

	uptime := (time.Duration(toFloat(result["uptimeMs"])) * time.Millisecond).Truncate(time.Second)
	fmt.Printf("Service:  %s v%s\n", result["service"], result["version"])
	fmt.Printf("Uptime:   %s\n", uptime)

	if busStats, ok := result["bus"].(map[string]interface{}); ok {
		fmt.Printf("Bus:      %.0f published, %.0f dropped, %.0f handler failures\n",
			toFloat(busStats["published"]), toFloat(busStats["dropped"]), toFloat(busStats["failures"]))
	}
	if tables, ok := result["tableVersions"].(map[string]interface{}); ok {
		names := make([]string, 0, len(tables))
		for name := range tables {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Printf("Tables:  ")
		for _, name := range names {
			fmt.Printf(" %s=v%.0f", name, toFloat(tables[name]))
		}
		fmt.Println()
	}

	modules, ok := result["modules"].(map[string]interface{})
	if !ok || len(modules) == 0 {
		return
	}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("\n%-12s %-10s %s\n", "MODULE", "STATE", "DETAIL")
	fmt.Println("--------------------------------------------------")
	for _, name := range names {
		mod, _ := modules[name].(map[string]interface{})
		detail, _ := mod["detail"].(string)
		if lastErr, _ := mod["lastError"].(string); lastErr != "" {
			detail = lastErr
		}
		fmt.Printf("%-12s %-10s %s\n", name, mod["state"], detail)
	}
}

// ----------------------------------------------------------------
// shutdown
// ----------------------------------------------------------------

func cmdShutdown(args []string) {
	graceMs := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--grace", "-g":
			i++
			if i < len(args) {
				graceMs = args[i]
			}
		}
	}

	url := adminURL() + "/shutdown"
	if graceMs != "" {
		url += "?grace=" + graceMs
	}
	status, body, err := doRequest("POST", url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	if status != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "Shutdown rejected (%d): %s\n", status, bytes.TrimSpace(body))
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(body, &result)
	fmt.Printf("Stopping with %.0fms grace\n", toFloat(result["graceMs"]))
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func adminURL() string {
	if url := os.Getenv("TRADEPLANE_ADMIN_URL"); url != "" {
		return url
	}
	return "http://localhost:7180"
}

func doRequest(method, url string, body []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	default:
		return 0
	}
}
