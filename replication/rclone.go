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

package replication

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// rclone exits with this code when the remote directory does not exist.
const rcloneDirNotFound = 3

type RcloneConfig struct {
	Command   string        `yaml:"command"`
	Remote    string        `yaml:"remote"`
	Timeout   time.Duration `yaml:"timeout"`
	ExtraArgs []string      `yaml:"extra-args"`
}

func DefaultRcloneConfig() RcloneConfig {
	return RcloneConfig{
		Command: "rclone",
		Timeout: 2 * time.Minute,
	}
}

func (conf RcloneConfig) Validate() error {
	if conf.Remote != "" && conf.Command == "" {
		return errors.New("rclone command must be set")
	}
	if conf.Timeout <= 0 {
		return errors.New("rclone timeout must be positive")
	}
	return nil
}

// runFunc runs a command and returns its stdout and exit code. err is only
// set when the command could not be run to completion.
type runFunc func(ctx context.Context, name string, args ...string) (stdout []byte, exitCode int, err error)

// NewRclone returns an oracle which compares the images under localDir
// with the listing of the configured rclone remote.
func NewRclone(conf RcloneConfig, localDir string) *Rclone {
	return &Rclone{
		conf:     conf,
		localDir: localDir,
		run:      runCommand,
	}
}

type Rclone struct {
	conf     RcloneConfig
	localDir string
	run      runFunc
}

func (r *Rclone) remotePath(partition string) string {
	return strings.TrimRight(r.conf.Remote, "/") + "/" + partition
}

// IsReplicated lists the remote copy of partition. It is Present only if
// every local file is there with the same size.
func (r *Rclone) IsReplicated(ctx context.Context, partition string) (Status, error) {
	local, err := localFiles(filepath.Join(r.localDir, partition))
	if err != nil {
		log.Printf("could not list local partition %s: %v", partition, err)
		return Unknown, nil
	}
	if len(local) == 0 {
		return Present, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.conf.Timeout)
	defer cancel()

	args := []string{"lsf", "--files-only", "--format", "ps", "--separator", ";"}
	args = append(args, r.conf.ExtraArgs...)
	args = append(args, r.remotePath(partition))
	out, code, err := r.run(ctx, r.conf.Command, args...)
	if err != nil {
		return Unknown, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	switch code {
	case 0:
	case rcloneDirNotFound:
		return Absent, nil
	default:
		return Unknown, fmt.Errorf("%w: %s exited with status %d", ErrUnreachable, r.conf.Command, code)
	}

	remote, err := parseListing(out)
	if err != nil {
		log.Printf("could not parse remote listing for %s: %v", partition, err)
		return Unknown, nil
	}
	for name, size := range local {
		remoteSize, ok := remote[name]
		if !ok || remoteSize != size {
			return Absent, nil
		}
	}
	return Present, nil
}

// errUnexpectedEntry means the partition holds something other than image
// files. Deleting the partition would remove it without it being checked.
var errUnexpectedEntry = errors.New("unexpected entry in partition")

// localFiles returns the size of each regular file in dir. Temporary files
// from interrupted saves are ignored.
func localFiles(dir string) (map[string]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make(map[string]int64)
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") {
			return nil, fmt.Errorf("%w: %s", errUnexpectedEntry, name)
		}
		if strings.HasSuffix(name, ".temp") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		files[name] = info.Size()
	}
	return files, nil
}

// parseListing reads "name;size" lines as written by rclone lsf.
func parseListing(out []byte) (map[string]int64, error) {
	files := make(map[string]int64)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		i := strings.LastIndexByte(line, ';')
		if i <= 0 {
			return nil, fmt.Errorf("unexpected line %q", line)
		}
		size, err := strconv.ParseInt(line[i+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected size in line %q", line)
		}
		files[line[:i]] = size
	}
	return files, scanner.Err()
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, 0, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			log.Printf("%s: %s", name, msg)
		}
		return stdout.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return nil, 0, err
	}
	return stdout.Bytes(), 0, nil
}
