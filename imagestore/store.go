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

// Package imagestore keeps captured images on disk in one directory per
// local calendar date.
package imagestore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/saainithil97/otowatcher/camera"
)

const (
	// PartitionLayout is the directory name format of a partition.
	PartitionLayout = "2006-01-02"
	fileLayout      = "20060102_150405"
	imageExt        = ".jpg"
	tempExt         = ".temp"
)

// ErrNotFound is returned by queries which match no image.
var ErrNotFound = errors.New("no matching image")

// IOError is a storage failure while reading or writing images.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Record describes one stored image. It never changes after Save.
type Record struct {
	Path       string
	Name       string
	Partition  string
	CapturedAt time.Time
	SizeBytes  int64
}

// RelPath is the image path relative to the store root.
func (r Record) RelPath() string {
	return r.Partition + "/" + r.Name
}

// Partition is a date directory.
type Partition struct {
	Name string
	Date time.Time
	Dir  string
}

// New returns a Store rooted at dir. Saves fail once less than minFreeMB
// megabytes remain on the file system.
func New(dir string, minFreeMB uint64) *Store {
	return &Store{
		dir:       dir,
		minFreeMB: minFreeMB,
		loc:       time.Local,
		now:       time.Now,
	}
}

type Store struct {
	dir       string
	minFreeMB uint64
	loc       *time.Location
	now       func() time.Time

	mu sync.Mutex
}

// SetLocation sets the zone partitions are dated in.
func (s *Store) SetLocation(loc *time.Location) {
	s.loc = loc
}

func (s *Store) Dir() string {
	return s.dir
}

// CheckCanWrite returns an error when there is not enough free disk space
// to store another image.
func (s *Store) CheckCanWrite() error {
	if s.minFreeMB == 0 {
		return nil
	}
	enoughSpace, err := checkDiskSpace(s.minFreeMB, s.dir)
	if err != nil {
		return &IOError{Op: "statfs", Path: s.dir, Err: err}
	}
	if !enoughSpace {
		return &IOError{Op: "write", Path: s.dir, Err: fmt.Errorf("less than %d MB of free disk space", s.minFreeMB)}
	}
	return nil
}

// Save writes the frame to its date partition. The image only becomes
// visible once it is complete.
func (s *Store) Save(frame *camera.Frame) (*Record, error) {
	capturedAt := frame.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = s.now()
	}
	local := capturedAt.In(s.loc)
	partition := local.Format(PartitionLayout)
	partDir := filepath.Join(s.dir, partition)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(partDir, 0755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: partDir, Err: err}
	}
	if err := s.CheckCanWrite(); err != nil {
		return nil, err
	}

	base := local.Format(fileLayout)
	tempPath := filepath.Join(partDir, base+imageExt+tempExt)
	if err := writeSynced(tempPath, frame.Data); err != nil {
		os.Remove(tempPath)
		return nil, &IOError{Op: "write", Path: tempPath, Err: err}
	}
	name, err := publish(tempPath, partDir, base)
	os.Remove(tempPath)
	if err != nil {
		return nil, &IOError{Op: "link", Path: partDir, Err: err}
	}

	return &Record{
		Path:       filepath.Join(partDir, name),
		Name:       name,
		Partition:  partition,
		CapturedAt: capturedAt,
		SizeBytes:  int64(len(frame.Data)),
	}, nil
}

// publish hard links the complete temp file to base.jpg, or to base_N.jpg
// when images were already taken in the same second. Linking fails rather
// than replaces when the name is taken, so an existing image is never
// overwritten.
func publish(tempPath, dir, base string) (string, error) {
	for n := 0; ; n++ {
		name := base + imageExt
		if n > 0 {
			name = fmt.Sprintf("%s_%d%s", base, n, imageExt)
		}
		err := os.Link(tempPath, filepath.Join(dir, name))
		if err == nil {
			return name, nil
		}
		if !os.IsExist(err) {
			return "", err
		}
	}
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// DeleteTempFiles removes partially written images left by an interrupted
// save.
func (s *Store) DeleteTempFiles() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, _ := filepath.Glob(filepath.Join(s.dir, "*", "*"+imageExt+tempExt))
	for _, filename := range matches {
		log.Printf("deleting incomplete image %s", filename)
		if err := os.Remove(filename); err != nil {
			return &IOError{Op: "remove", Path: filename, Err: err}
		}
	}
	return nil
}

// Partitions lists the date directories in ascending date order. Hidden
// directories and names which are not dates are ignored.
func (s *Store) Partitions() ([]Partition, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IOError{Op: "list", Path: s.dir, Err: err}
	}

	var parts []Partition
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		date, err := time.ParseInLocation(PartitionLayout, entry.Name(), s.loc)
		if err != nil {
			continue
		}
		parts = append(parts, Partition{
			Name: entry.Name(),
			Date: date,
			Dir:  filepath.Join(s.dir, entry.Name()),
		})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Date.Before(parts[j].Date) })
	return parts, nil
}

func checkDiskSpace(mb uint64, dir string) (bool, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(dir, &fs); err != nil {
		return false, err
	}
	return fs.Bavail*uint64(fs.Bsize)/1024/1024 >= mb, nil
}
