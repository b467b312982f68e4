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
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"time"

	arg "github.com/alexflint/go-arg"

	"github.com/saainithil97/otowatcher/controlclient"
)

var version = "<not set>"

type ProposeConfigCmd struct {
	File string `arg:"positional,required" help:"YAML policy document, - for stdin"`
}

type CalendarCmd struct {
	Month string `arg:"positional,required" help:"month as YYYY-MM"`
}

type ClosestCmd struct {
	Time string `arg:"positional,required" help:"time as YYYY-MM-DDTHH:MM in local time"`
}

type ListCmd struct {
	Date  string `arg:"--date" help:"only images from this day, as YYYY-MM-DD"`
	From  string `arg:"--from" help:"only images taken at or after YYYY-MM-DDTHH:MM local time"`
	To    string `arg:"--to" help:"only images taken at or before YYYY-MM-DDTHH:MM local time"`
	Limit int    `arg:"-n,--limit" help:"at most this many images, 0 for all"`
}

type Args struct {
	TakePicture    *struct{}         `arg:"subcommand:take-picture" help:"capture and store an image now"`
	StartStream    *struct{}         `arg:"subcommand:start-stream" help:"start the live stream"`
	StopStream     *struct{}         `arg:"subcommand:stop-stream" help:"stop the live stream"`
	StreamStatus   *struct{}         `arg:"subcommand:stream-status" help:"show the live stream state"`
	Status         *struct{}         `arg:"subcommand:status" help:"show camera and scheduler status"`
	Latest         *struct{}         `arg:"subcommand:latest" help:"print the newest image path"`
	Stats          *struct{}         `arg:"subcommand:stats" help:"show image store statistics"`
	Calendar       *CalendarCmd      `arg:"subcommand:calendar" help:"list days of a month with images"`
	Closest        *ClosestCmd       `arg:"subcommand:closest" help:"print the image nearest a time"`
	List           *ListCmd          `arg:"subcommand:list" help:"list image paths, newest first"`
	GetConfig      *struct{}         `arg:"subcommand:get-config" help:"print the capture policy"`
	ProposeConfig  *ProposeConfigCmd `arg:"subcommand:propose-config" help:"apply a capture policy"`
	RollbackConfig *struct{}         `arg:"subcommand:rollback-config" help:"restore the previous capture policy"`
}

func (Args) Version() string {
	return version
}

func main() {
	var args Args
	p := arg.MustParse(&args)
	log.SetFlags(0)

	err := run(args, dbusClient{}, os.Stdin, os.Stdout)
	if errors.Is(err, errNoCommand) {
		p.Fail("a command is required")
	}
	if err != nil {
		log.Fatal(err)
	}
}

var errNoCommand = errors.New("no command given")

// client is the subset of the control service used by the commands.
type client interface {
	TakePicture() (string, error)
	StartStream() (string, error)
	StopStream() error
	GetStreamStatus() (*controlclient.StreamStatus, error)
	GetStatus() (*controlclient.Status, error)
	LatestImage() (string, error)
	GetImageStats() (*controlclient.ImageStats, error)
	CalendarDays(year int, month time.Month) ([]int, error)
	ClosestImage(t time.Time) (string, error)
	ListImages(from, to time.Time, partition string, limit int) ([]string, error)
	GetConfig() (string, error)
	ProposeConfig(doc string) (int, error)
	RollbackConfig() (int, error)
}

type dbusClient struct{}

func (dbusClient) TakePicture() (string, error) {
	return controlclient.TakePicture()
}

func (dbusClient) StartStream() (string, error) {
	return controlclient.StartStream()
}

func (dbusClient) StopStream() error {
	return controlclient.StopStream()
}

func (dbusClient) GetStreamStatus() (*controlclient.StreamStatus, error) {
	return controlclient.GetStreamStatus()
}

func (dbusClient) GetStatus() (*controlclient.Status, error) {
	return controlclient.GetStatus()
}

func (dbusClient) LatestImage() (string, error) {
	return controlclient.LatestImage()
}

func (dbusClient) GetImageStats() (*controlclient.ImageStats, error) {
	return controlclient.GetImageStats()
}

func (dbusClient) CalendarDays(year int, month time.Month) ([]int, error) {
	return controlclient.CalendarDays(year, month)
}

func (dbusClient) ClosestImage(t time.Time) (string, error) {
	return controlclient.ClosestImage(t)
}

func (dbusClient) ListImages(from, to time.Time, partition string, limit int) ([]string, error) {
	return controlclient.ListImages(from, to, partition, limit)
}

func (dbusClient) GetConfig() (string, error) {
	return controlclient.GetConfig()
}

func (dbusClient) ProposeConfig(doc string) (int, error) {
	return controlclient.ProposeConfig(doc)
}

func (dbusClient) RollbackConfig() (int, error) {
	return controlclient.RollbackConfig()
}

func run(args Args, c client, stdin io.Reader, out io.Writer) error {
	switch {
	case args.TakePicture != nil:
		path, err := c.TakePicture()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, path)

	case args.StartStream != nil:
		id, err := c.StartStream()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "stream %s started\n", id)

	case args.StopStream != nil:
		if err := c.StopStream(); err != nil {
			return err
		}
		fmt.Fprintln(out, "stream stopped")

	case args.StreamStatus != nil:
		st, err := c.GetStreamStatus()
		if err != nil {
			return err
		}
		if !st.Active {
			fmt.Fprintln(out, "no active stream")
			return nil
		}
		fmt.Fprintf(out, "stream %s active since %s\n", st.ID, st.StartedAt.Format(time.RFC3339))

	case args.Status != nil:
		st, err := c.GetStatus()
		if err != nil {
			return err
		}
		printStatus(out, st)

	case args.Latest != nil:
		path, err := c.LatestImage()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, path)

	case args.Stats != nil:
		stats, err := c.GetImageStats()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "images:     %d (%d today)\n", stats.TotalImages, stats.TodayImages)
		fmt.Fprintf(out, "days:       %d\n", stats.Partitions)
		fmt.Fprintf(out, "disk usage: %.1f MB\n", float64(stats.DiskUsageBytes)/(1024*1024))
		if !stats.LatestCapturedAt.IsZero() {
			fmt.Fprintf(out, "latest:     %s\n", stats.LatestCapturedAt.Format(time.RFC3339))
		}

	case args.Calendar != nil:
		month, err := time.ParseInLocation("2006-01", args.Calendar.Month, time.Local)
		if err != nil {
			return fmt.Errorf("invalid month: %v", err)
		}
		days, err := c.CalendarDays(month.Year(), month.Month())
		if err != nil {
			return err
		}
		for _, d := range days {
			fmt.Fprintf(out, "%s-%02d\n", args.Calendar.Month, d)
		}

	case args.Closest != nil:
		target, err := time.ParseInLocation("2006-01-02T15:04", args.Closest.Time, time.Local)
		if err != nil {
			return fmt.Errorf("invalid time: %v", err)
		}
		path, err := c.ClosestImage(target)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, path)

	case args.List != nil:
		paths, err := listImages(args.List, c)
		if err != nil {
			return err
		}
		for _, path := range paths {
			fmt.Fprintln(out, path)
		}

	case args.GetConfig != nil:
		doc, err := c.GetConfig()
		if err != nil {
			return err
		}
		fmt.Fprint(out, doc)

	case args.ProposeConfig != nil:
		doc, err := readDocument(args.ProposeConfig.File, stdin)
		if err != nil {
			return err
		}
		version, err := c.ProposeConfig(string(doc))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "policy version %d applied\n", version)

	case args.RollbackConfig != nil:
		version, err := c.RollbackConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "policy rolled back, now version %d\n", version)

	default:
		return errNoCommand
	}
	return nil
}

func listImages(cmd *ListCmd, c client) ([]string, error) {
	if cmd.Date != "" {
		if _, err := time.Parse("2006-01-02", cmd.Date); err != nil {
			return nil, fmt.Errorf("invalid date: %v", err)
		}
	}
	if cmd.Limit < 0 {
		return nil, errors.New("limit must not be negative")
	}
	from, err := parseLocalTime(cmd.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from time: %v", err)
	}
	to, err := parseLocalTime(cmd.To)
	if err != nil {
		return nil, fmt.Errorf("invalid to time: %v", err)
	}
	return c.ListImages(from, to, cmd.Date, cmd.Limit)
}

// parseLocalTime returns the zero time for an empty string.
func parseLocalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation("2006-01-02T15:04", s, time.Local)
}

func readDocument(name string, stdin io.Reader) ([]byte, error) {
	if name == "-" {
		return ioutil.ReadAll(stdin)
	}
	return ioutil.ReadFile(name)
}

func printStatus(out io.Writer, st *controlclient.Status) {
	fmt.Fprintf(out, "camera owner:    %s (%d queued)\n", st.Owner, st.Queued)
	fmt.Fprintf(out, "stream:          active=%t policy=%s\n", st.StreamActive, st.StreamPolicy)
	fmt.Fprintf(out, "scheduler:       %s\n", st.SchedulerState)
	fmt.Fprintf(out, "captures:        captured=%d skipped=%d failed=%d\n", st.Captured, st.Skipped, st.Failed)
	if st.ManualAvailable >= 0 {
		fmt.Fprintf(out, "manual captures: %d available\n", st.ManualAvailable)
	}
	fmt.Fprintf(out, "policy version:  %d\n", st.PolicyVersion)
	if st.LatestImage != "" {
		fmt.Fprintf(out, "latest image:    %s (%s)\n", st.LatestImage, st.LatestCapturedAt.Format(time.RFC3339))
	}
}
