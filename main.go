// watchsync, October 2026
// License AGPL3

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/stuffbin"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/watchsync/watchsync/broker"
	bmem "github.com/watchsync/watchsync/broker/mem"
	bredis "github.com/watchsync/watchsync/broker/redis"
	"github.com/watchsync/watchsync/internal/hub"
	"github.com/watchsync/watchsync/store"
	"github.com/watchsync/watchsync/store/fs"
	"github.com/watchsync/watchsync/store/mem"
	"github.com/watchsync/watchsync/store/redis"
)

const sampleConfig = "config.sample.toml"

var (
	logger = logrus.New()
	ko     = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

// App is the global app context that's passed around.
type App struct {
	hub    *hub.Hub
	cfg    *hub.Config
	fs     stuffbin.FileSystem
	logger *logrus.Logger
}

func loadConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML (or YAML) config files to load in order")
	f.Bool("new-config", false, "Generate a sample config.toml in the current directory")
	f.String("app.address", "", "Address to listen on")
	f.String("app.log_level", "", "Log level (debug, info, warn, error)")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Generate new config.
	if ok, _ := f.GetBool("new-config"); ok {
		if err := newConfigFile(initFS()); err != nil {
			logger.Fatal(err)
		}
		logger.Info("generated config.toml. Edit and run the app.")
		os.Exit(0)
	}

	ko.Load(confmap.Provider(defaultConfig(), "."), nil)

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		logger.Infof("reading config: %s", f)

		var p koanf.Parser = toml.Parser()
		if strings.HasSuffix(f, ".yml") || strings.HasSuffix(f, ".yaml") {
			p = yaml.Parser()
		}
		if err := ko.Load(file.Provider(f), p); err != nil {
			logger.Warnf("error reading config: %v", err)
		}
	}

	// Merge env flags into config.
	if err := ko.Load(env.Provider("WATCHSYNC_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "WATCHSYNC_")), "__", ".", -1)
	}), nil); err != nil {
		logger.Warnf("error loading env config: %v", err)
	}

	// Merge command line flags into config.
	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// defaultConfig returns the values used for the keys missing in the config
// files.
func defaultConfig() map[string]interface{} {
	return map[string]interface{}{
		"app.address":             "0.0.0.0:9000",
		"app.name":                "watchsync",
		"app.log_level":           "info",
		"app.room_id_length":      10,
		"app.max_cached_updates":  50,
		"app.max_message_length":  4096,
		"app.websocket_timeout":   "5s",
		"app.ping_interval":       "20s",
		"app.max_message_queue":   100,
		"app.rate_limit_interval": "1s",
		"app.rate_limit_updates":  10,
		"app.max_peers_per_room":  50,
		"app.room_age":            "24h",
		"app.session_timeout":     "60s",
		"app.evict_interval":      "30s",
		"store.type":              "mem",
		"store.fs.path":           "watchsync.json",
		"store.fs.save_interval":  "5s",
		"broker.type":             "mem",
	}
}

// initFS initializes the stuffbin embedded static filesystem.
func initFS() stuffbin.FileSystem {
	// Get self executable path to initialise stuffed FS.
	exe, err := os.Executable()
	if err != nil {
		logger.Fatalf("error getting executable path: %v", err)
	}

	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Can halt here or fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			// First argument is to the root to mount the files in the FileSystem
			// and the rest of the arguments are paths to embed.
			fs, err = stuffbin.NewLocalFS("./", "./"+sampleConfig)
			if err != nil {
				logger.Fatalf("error falling back to local filesystem: %v", err)
			}
		} else {
			logger.Fatalf("error reading stuffed binary: %v", err)
		}
	}
	return fs
}

// newConfigFile writes the embedded sample config to config.toml.
func newConfigFile(fs stuffbin.FileSystem) error {
	if _, err := os.Stat("config.toml"); !os.IsNotExist(err) {
		return errors.New("config.toml exists. Remove it to generate a new one")
	}

	b, err := fs.Read("/" + sampleConfig)
	if err != nil {
		return fmt.Errorf("error reading sample config (is binary stuffed?): %v", err)
	}
	return os.WriteFile("config.toml", b, 0644)
}

// initStore initializes the configured store backend.
func initStore() (store.Store, error) {
	switch typ := ko.String("store.type"); typ {
	case "mem":
		return mem.New(mem.Config{})
	case "fs":
		var cfg fs.Config
		if err := ko.Unmarshal("store.fs", &cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling 'store.fs' config: %v", err)
		}
		return fs.New(cfg, logger)
	case "redis":
		var cfg redis.Config
		if err := ko.Unmarshal("store.redis", &cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling 'store.redis' config: %v", err)
		}
		return redis.New(cfg)
	default:
		return nil, fmt.Errorf("unknown store type '%s'", typ)
	}
}

// initBroker initializes the configured broker backend.
func initBroker() (broker.Broker, error) {
	switch typ := ko.String("broker.type"); typ {
	case "mem":
		return bmem.New(), nil
	case "redis":
		var cfg bredis.Config
		if err := ko.Unmarshal("broker.redis", &cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling 'broker.redis' config: %v", err)
		}
		return bredis.New(cfg)
	default:
		return nil, fmt.Errorf("unknown broker type '%s'", typ)
	}
}

func main() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load configuration from files.
	loadConfig()

	if lvl, err := logrus.ParseLevel(ko.String("app.log_level")); err != nil {
		logger.Warnf("invalid log level '%s': %v", ko.String("app.log_level"), err)
	} else {
		logger.SetLevel(lvl)
	}

	// Initialize global app context.
	app := &App{
		logger: logger,
	}
	if err := ko.Unmarshal("app", &app.cfg); err != nil {
		logger.Fatalf("error unmarshalling 'app' config: %v", err)
	}

	minTime := time.Duration(3) * time.Second
	if app.cfg.SessionTimeout < minTime || app.cfg.WSTimeout <= 0 {
		logger.Fatal("app.session_timeout should be > 3s and app.websocket_timeout > 0")
	}

	st, err := initStore()
	if err != nil {
		logger.Fatalf("error initializing store: %v", err)
	}
	br, err := initBroker()
	if err != nil {
		logger.Fatalf("error initializing broker: %v", err)
	}
	app.hub = hub.NewHub(app.cfg, st, br, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := app.hub.Listen(ctx); err != nil {
			logger.Fatalf("error subscribing to room events: %v", err)
		}
	}()
	go app.hub.RunEvictor(ctx)

	// Start the app.
	srv := &http.Server{
		Addr:    app.cfg.Address,
		Handler: initRouter(app),
	}
	go catchInterrupts(srv, cancel, st, br)

	logger.Infof("starting %s on %v", app.cfg.Name, app.cfg.Address)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("couldn't start server: %v", err)
	}
}

// catchInterrupts shuts the server down on SIGINT / SIGTERM and saves the
// store if it's persistent.
func catchInterrupts(srv *http.Server, cancel context.CancelFunc, st store.Store, br broker.Broker) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c
	logger.Infof("shutting down: %v", sig)

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	srv.Shutdown(ctx)
	cancel()

	switch s := st.(type) {
	case *fs.File:
		if err := s.Save(); err != nil {
			logger.Errorf("error saving store: %v", err)
		}
	case *redis.Redis:
		s.Close()
	}
	br.Close()
}
