// otowatcher - timelapse capture for an aquarium camera
//  Copyright (C) 2025, The otowatcher Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/coreos/go-systemd/daemon"
	"github.com/joho/godotenv"
	"periph.io/x/periph/host"

	"github.com/saainithil97/otowatcher/arbiter"
	"github.com/saainithil97/otowatcher/camera"
	"github.com/saainithil97/otowatcher/imagestore"
	"github.com/saainithil97/otowatcher/light"
	"github.com/saainithil97/otowatcher/policy"
	"github.com/saainithil97/otowatcher/scheduler"
	"github.com/saainithil97/otowatcher/throttle"
)

const envFile = "/etc/otowatcher/otowatcher.env"

var version = "<not set>"

type Args struct {
	ConfigFile string `arg:"-c,--config" help:"path to configuration file"`
	Mock       bool   `arg:"--mock,env:OTOWATCHER_MOCK" help:"use a synthetic camera"`
	Quick      bool   `arg:"-q,--quick" help:"don't cycle camera power on startup"`
	Timestamps bool   `arg:"-t,--timestamps" help:"include timestamps in log output"`
}

func (Args) Version() string {
	return version
}

func procArgs() Args {
	var args Args
	args.ConfigFile = "/etc/otowatcher/otowatcher.yaml"
	arg.MustParse(&args)
	return args
}

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	// Flags can also be given as environment variables in envFile.
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	args := procArgs()
	if !args.Timestamps {
		log.SetFlags(0) // Removes default timestamp flag
	}

	log.Printf("version: %s", version)
	conf, err := ParseConfigFile(args.ConfigFile)
	if err != nil {
		return err
	}
	if args.Mock {
		conf.MockCamera = true
	}
	logConfig(conf)

	policies := policy.NewStore(conf.PolicyFile)
	doc, err := policies.Load()
	if err != nil {
		return err
	}
	log.Printf("capture policy version %d, interval %s", doc.Version, doc.Interval())

	for _, dir := range []string{conf.ImageDir, conf.StateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	store := imagestore.New(conf.ImageDir, conf.MinDiskSpace)
	log.Print("deleting temp files")
	if err := store.DeleteTempFiles(); err != nil {
		return err
	}

	device, err := openCamera(conf, args.Quick, policySettings(policies))
	if err != nil {
		return err
	}
	defer device.Close()

	streamPolicy, err := arbiter.ParsePolicy(conf.StreamPolicy)
	if err != nil {
		return err
	}
	arb := arbiter.New(device, streamPolicy)
	defer arb.Close()

	events := newEventReporter()
	sched := scheduler.New(arb, store, policies, light.ExposureSampler{}, conf.Scheduler)
	sched.SetListener(events)

	svc := &service{
		arbiter:       arb,
		store:         store,
		policies:      policies,
		throttler:     throttle.NewThrottler(conf.Throttler, events),
		scheduler:     sched,
		streams:       newStreamWriter(conf.StateDir, time.Duration(conf.StreamMaxSecs)*time.Second, events),
		manualTimeout: conf.ManualTimeout,
		streamTimeout: conf.StreamTimeout,
		now:           time.Now,
	}
	log.Print("starting dbus service")
	if err := startService(svc); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon.SdNotify(false, "READY=1")
	go notifyWatchdog(ctx)

	err = sched.Run(ctx)
	daemon.SdNotify(false, "STOPPING=1")
	log.Print("shutting down")
	return err
}

func openCamera(conf *Config, quick bool, settings camera.SettingsFunc) (camera.Device, error) {
	if conf.MockCamera {
		log.Print("using mock camera")
		return camera.NewMock(settings), nil
	}

	if conf.PowerPin != "" && !quick {
		log.Print("host initialisation")
		if _, err := host.Init(); err != nil {
			return nil, err
		}
		if err := camera.CyclePower(conf.PowerPin); err != nil {
			return nil, err
		}
	}
	return camera.NewLibcamera(conf.Camera, settings), nil
}

// policySettings makes the camera follow the active policy's resolution
// and quality.
func policySettings(policies *policy.Store) camera.SettingsFunc {
	return func() camera.Settings {
		doc := policies.Current()
		return camera.Settings{
			Width:   doc.Resolution.Width,
			Height:  doc.Resolution.Height,
			Quality: doc.ImageQuality,
		}
	}
}

func notifyWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			daemon.SdNotify(false, "WATCHDOG=1")
		}
	}
}
