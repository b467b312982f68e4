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

	"github.com/TheCacophonyProject/event-reporter/eventclient"
	arg "github.com/alexflint/go-arg"

	"github.com/saainithil97/otowatcher/imagestore"
	"github.com/saainithil97/otowatcher/policy"
	"github.com/saainithil97/otowatcher/replication"
	"github.com/saainithil97/otowatcher/retention"
)

var version = "<not set>"

type Args struct {
	ConfigFile string `arg:"-c,--config" help:"path to configuration file"`
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
	args := procArgs()
	if !args.Timestamps {
		log.SetFlags(0)
	}

	log.Printf("version: %s", version)
	conf, err := ParseConfigFile(args.ConfigFile)
	if err != nil {
		return err
	}

	policies := policy.NewStore(conf.PolicyFile)
	doc, err := policies.Read()
	if err != nil {
		return err
	}
	log.Printf("keeping %d days of images in %s", doc.KeepDays, conf.ImageDir)

	store := imagestore.New(conf.ImageDir, 0)
	manager := retention.New(store, newOracle(conf), policies)
	manager.SetListener(&eventListener{addEvent: eventclient.AddEvent})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := manager.Run(ctx, time.Now())
	log.Printf("retention run finished: %s", report)
	return err
}

func newOracle(conf *Config) replication.Oracle {
	if conf.Rclone.Remote == "" {
		log.Print("no rclone remote configured, nothing will be deleted")
		return replication.Never{}
	}
	log.Printf("checking replication against %s", conf.Rclone.Remote)
	return replication.NewRclone(conf.Rclone, conf.ImageDir)
}

// eventListener reports deletions and aborted runs to the event reporter.
type eventListener struct {
	addEvent func(eventclient.Event) error
}

func (l *eventListener) add(eventType string, details map[string]interface{}) {
	err := l.addEvent(eventclient.Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Details:   details,
	})
	if err != nil {
		log.Printf("failed to report %s event: %v", eventType, err)
	}
}

func (l *eventListener) Deleted(partition string) {
	l.add("otowatcherPartitionDeleted", map[string]interface{}{"partition": partition})
}

func (l *eventListener) Skipped(string, replication.Status) {}

func (l *eventListener) Aborted(err error) {
	l.add("otowatcherRetentionAborted", map[string]interface{}{"error": err.Error()})
}
