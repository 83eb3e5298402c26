// watchsync is the watch party client. It drives a local mpv and keeps it in
// sync with the other participants of a room.
package main

import (
	"context"
	"fmt"
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
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/watchsync/watchsync/internal/roomclient"
	"github.com/watchsync/watchsync/playback"
	"github.com/watchsync/watchsync/player"
)

// mpv reports seeks once playback has restarted at the new position.
const mpvSuppressWindow = time.Second

var (
	logger = logrus.New()
	ko     = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"server":     "server.url",
	"room":       "room.id",
	"create":     "room.create",
	"media":      "mpv.media",
	"mpv-socket": "mpv.socket",
	"handle":     "engine.handle",
	"origin-id":  "engine.origin_id",
	"log-level":  "log_level",
}

func loadConfig() {
	f := flag.NewFlagSet("watchsync", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"watchsync.toml"},
		"Path to one or more TOML (or YAML) config files to load in order")
	f.String("server", "", "watchsync daemon URL")
	f.String("room", "", "Room to join (or create with --create)")
	f.Bool("create", false, "Create the room instead of joining it. An empty --room generates an ID")
	f.String("media", "", "File or URL to open in a new mpv")
	f.String("mpv-socket", "", "IPC socket of an mpv that's already running")
	f.String("handle", "", "Display name in the room")
	f.String("origin-id", "", "Persisted participant ID")
	f.String("log-level", "", "Log level (debug, info, warn, error)")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	ko.Load(confmap.Provider(map[string]interface{}{
		"log_level":      "info",
		"server.url":     "http://localhost:9000",
		"server.timeout": "10s",
		"server.push":    true,
		"mpv.binary":     "mpv",
	}, "."), nil)

	cFiles, _ := f.GetStringSlice("config")
	for _, c := range cFiles {
		if _, err := os.Stat(c); os.IsNotExist(err) {
			continue
		}
		logger.Debugf("reading config: %s", c)

		var p koanf.Parser = toml.Parser()
		if strings.HasSuffix(c, ".yml") || strings.HasSuffix(c, ".yaml") {
			p = yaml.Parser()
		}
		if err := ko.Load(file.Provider(c), p); err != nil {
			logger.Warnf("error reading config: %v", err)
		}
	}

	if err := ko.Load(env.Provider("WATCHSYNC_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "WATCHSYNC_")), "__", ".", -1)
	}), nil); err != nil {
		logger.Warnf("error loading env config: %v", err)
	}

	// Only the flags that were set override the config.
	set := map[string]interface{}{}
	for name, key := range flagKeys {
		if !f.Changed(name) {
			continue
		}
		if name == "create" {
			set[key], _ = f.GetBool(name)
		} else {
			set[key], _ = f.GetString(name)
		}
	}
	ko.Load(confmap.Provider(set, "."), nil)
}

// engineConfig returns the engine config under "engine", with the defaults
// tuned for mpv.
func engineConfig(k *koanf.Koanf) (playback.Config, error) {
	cfg := playback.DefaultConfig()
	cfg.SuppressWindow = mpvSuppressWindow
	if err := k.Unmarshal("engine", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	loadConfig()

	if lvl, err := logrus.ParseLevel(ko.String("log_level")); err != nil {
		logger.Warnf("invalid log level '%s': %v", ko.String("log_level"), err)
	} else {
		logger.SetLevel(lvl)
	}

	var (
		srvCfg roomclient.Config
		mpvCfg player.Config
	)
	if err := ko.Unmarshal("server", &srvCfg); err != nil {
		logger.Fatalf("error unmarshalling 'server' config: %v", err)
	}
	if err := ko.Unmarshal("mpv", &mpvCfg); err != nil {
		logger.Fatalf("error unmarshalling 'mpv' config: %v", err)
	}
	engCfg, err := engineConfig(ko)
	if err != nil {
		logger.Fatalf("error unmarshalling 'engine' config: %v", err)
	}

	roomID, create := ko.String("room.id"), ko.Bool("room.create")
	if roomID == "" && !create {
		logger.Fatal("--room is required to join a room")
	}

	// Start the video element.
	p := player.New(mpvCfg, logger)
	if err := p.Start(); err != nil {
		logger.Fatalf("error starting mpv: %v", err)
	}
	defer p.Close()

	c, err := roomclient.New(srvCfg, logger)
	if err != nil {
		logger.Fatalf("error initializing room client: %v", err)
	}

	m, err := playback.NewManager(engCfg, c, p, playback.LogNotifier{Log: logger}, logger)
	if err != nil {
		logger.Fatalf("error initializing sync engine: %v", err)
	}
	defer m.Close()

	var h playback.RoomHandle
	if create {
		h, err = m.CreateRoom(context.Background(), roomID)
	} else {
		h, err = m.JoinRoom(context.Background(), roomID)
	}
	if err != nil {
		logger.Errorf("error entering room: %v", err)
		return
	}
	logger.WithFields(logrus.Fields{
		"room":         h.RoomID,
		"role":         h.Role,
		"participants": len(h.Participants),
	}).Info("in room. Share the room ID to watch together")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Infof("shutting down: %v", s)
	case <-p.Wait():
		logger.Info("mpv exited")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.LeaveRoom(ctx); err != nil {
		logger.Warnf("error leaving room: %v", err)
	}
}
