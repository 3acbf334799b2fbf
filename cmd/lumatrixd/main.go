package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/256dpi/gomqtt/packet"

	"github.com/lumatrix/lumatrix/pkg/config"
	"github.com/lumatrix/lumatrix/pkg/console"
	"github.com/lumatrix/lumatrix/pkg/display"
	"github.com/lumatrix/lumatrix/pkg/flash"
	"github.com/lumatrix/lumatrix/pkg/ledger"
	"github.com/lumatrix/lumatrix/pkg/mdns"
	"github.com/lumatrix/lumatrix/pkg/mqtt"
	"github.com/lumatrix/lumatrix/pkg/reboot"
	"github.com/lumatrix/lumatrix/pkg/update"
	"github.com/lumatrix/lumatrix/pkg/updater"
	"github.com/lumatrix/lumatrix/pkg/utils"
	"github.com/lumatrix/lumatrix/pkg/web"
)

// version is the firmware version, overridden at build time.
var version = "0.0.0-dev"

// appName is the application name announced during discovery.
const appName = "lumatrix"

// tickInterval is the cadence of the cooperative daemon loop.
const tickInterval = 100 * time.Millisecond

// heartbeatInterval is the cadence of MQTT heartbeats.
const heartbeatInterval = 30 * time.Second

func main() {
	// parse command
	cmd := parseCommand()

	// run desired command
	if cmd.cRun {
		run(cmd)
	} else if cmd.cSimulate {
		simulate(cmd)
	} else if cmd.cVersion {
		fmt.Println(version)
	}
}

func run(cmd *command) {
	// load configuration
	cfg := loadConfig(cmd)

	// open the partition directory backing the state directory
	dir, err := flash.NewFileDirectory(cfg.StateDir, cfg.RunningSlot)
	exitIfSet(err)

	// serve with a host restarter
	serve(cfg, dir, &reboot.ExecRestarter{Out: os.Stdout})
}

func simulate(cmd *command) {
	// load configuration
	cfg := loadConfig(cmd)

	// serve on memory and exit instead of restarting the host
	serve(cfg, flash.NewMemDirectory(), reboot.ExitRestarter{})
}

func loadConfig(cmd *command) *config.Config {
	// fall back to defaults without a file
	if cmd.oConfig == "" {
		return config.Default()
	}

	// load file
	cfg, err := config.Load(cmd.oConfig)
	exitIfSet(err)

	return cfg
}

func serve(cfg *config.Config, dir flash.Directory, restarter reboot.Restarter) {
	out := os.Stdout
	utils.Logf(out, "daemon: %s %s on %s", appName, version, cfg.DeviceName)

	// build display, scheduler and engine
	disp := &display.LogDisplay{Out: out}
	scheduler := &reboot.Scheduler{
		Directory: dir,
		Display:   disp,
		Restarter: restarter,
		Out:       out,
	}
	engine := &update.Engine{
		Directory: dir,
		Scheduler: scheduler,
		Display:   disp,
		Floor:     cfg.MemoryFloor,
		Deadline:  time.Duration(cfg.ChunkDeadline) * time.Second,
		Out:       out,
	}

	// build failure ledger
	ldg := ledger.New(config.NewStore(cfg.StateDir), out)

	// build updater if a source is configured
	var upd *updater.Updater
	if cfg.ManifestURL != "" || cfg.ReleasesURL != "" {
		upd = &updater.Updater{
			Engine:      engine,
			Current:     version,
			Board:       cfg.Board,
			Boards:      cfg.Boards,
			ManifestURL: cfg.ManifestURL,
			ReleasesURL: cfg.ReleasesURL,
			Ledger:      ldg,
			Out:         out,
		}
	}

	// connect bridge if a broker is configured, the device still serves
	// locally if the broker is unreachable
	var bridge *mqtt.Bridge
	if cfg.Broker != "" {
		router, err := mqtt.Connect(cfg.Broker, cfg.DeviceName, packet.QOSAtLeastOnce, out)
		if err != nil {
			utils.Logf(out, "daemon: mqtt connect failed: %s", err.Error())
		} else {
			bridge = &mqtt.Bridge{
				Connection: router,
				Engine:     engine,
				Directory:  dir,
				AppName:    appName,
				Version:    version,
				DeviceName: cfg.DeviceName,
				BaseTopic:  cfg.BaseTopic,
				Out:        out,
			}
			exitIfSet(bridge.Run())
			defer bridge.Close()
		}
	}

	// announce service if enabled
	if cfg.MDNS {
		stop, err := mdns.Announce(mdns.Announcement{
			Name:    cfg.DeviceName,
			Port:    listenPort(cfg.Listen),
			Version: version,
			Device:  cfg.DeviceName,
		})
		if err != nil {
			utils.Logf(out, "daemon: mdns announce failed: %s", err.Error())
		} else {
			defer stop()
		}
	}

	// open serial console if configured
	if cfg.ConsolePort != "" {
		cons := &console.Console{
			Engine:     engine,
			Scheduler:  scheduler,
			Directory:  dir,
			Updater:    upd,
			Ledger:     ldg,
			DeviceName: cfg.DeviceName,
			Version:    version,
			Out:        out,
		}
		closer, err := cons.Open(cfg.ConsolePort, cfg.ConsoleBaud)
		if err != nil {
			utils.Logf(out, "daemon: console open failed: %s", err.Error())
		} else {
			defer closer.Close()
		}
	}

	// start HTTP API
	srv := &web.Server{
		Engine:     engine,
		Scheduler:  scheduler,
		Directory:  dir,
		Updater:    upd,
		Ledger:     ldg,
		DeviceName: cfg.DeviceName,
		Version:    version,
		Out:        out,
	}
	go func() {
		exitIfSet(srv.Listen(cfg.Listen))
	}()

	// close channel on interrupt
	quit := make(chan struct{})
	go func() {
		exit := make(chan os.Signal, 1)
		signal.Notify(exit, os.Interrupt)
		<-exit
		close(quit)
	}()

	// run cooperative loop
	var lastBeat time.Time
	var lastCheck time.Time
	for {
		select {
		case <-quit:
			utils.Log(out, "daemon: shutting down")
			return
		case <-time.After(tickInterval):
		}

		// expire stalled sessions and fire due reboots
		engine.Tick()
		scheduler.Tick()

		// publish heartbeat
		if bridge != nil && time.Since(lastBeat) >= heartbeatInterval {
			lastBeat = time.Now()
			err := bridge.Heartbeat()
			if err != nil {
				utils.Logf(out, "daemon: heartbeat failed: %s", err.Error())
			}
		}

		// run periodic update check
		if upd != nil && cfg.AutoUpdate && time.Since(lastCheck) >= checkInterval(cfg) {
			lastCheck = time.Now()
			go func() {
				err := upd.Run()
				if err != nil {
					utils.Logf(out, "daemon: update check failed: %s", err.Error())
				}
			}()
		}
	}
}

func checkInterval(cfg *config.Config) time.Duration {
	if cfg.CheckInterval <= 0 {
		return 6 * time.Hour
	}

	return time.Duration(cfg.CheckInterval) * time.Second
}

func listenPort(addr string) int {
	// fall back to the default http port
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 80
	}
	num, err := strconv.Atoi(port)
	if err != nil {
		return 80
	}

	return num
}
