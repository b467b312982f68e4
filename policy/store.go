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

package policy

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"
)

const (
	backupLayout = "20060102-150405.000"
	backupExt    = ".bak"

	// MaxBackups is how many previous documents are kept.
	MaxBackups = 10
)

// ErrNoBackup is returned by Rollback when there is nothing to restore.
var ErrNoBackup = errors.New("no valid policy backup")

// NewStore returns a Store persisting to path. Load must be called before
// the store is used.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		doc:  Default(),
		now:  time.Now,
	}
}

// Store owns the policy document. Readers get copies; writers go through
// Propose or Rollback which only swap the document once it is on disk.
type Store struct {
	path string
	now  func() time.Time

	mu  sync.RWMutex
	doc Document
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the policy file, writing the defaults first when it does not
// exist. Keys missing from the file take their default value.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		doc := Default()
		doc.Version = 1
		if err := s.write(doc); err != nil {
			return nil, err
		}
		log.Printf("wrote default policy to %s", s.path)
		s.doc = doc
		return &doc, nil
	}
	if err != nil {
		return nil, err
	}

	doc, err := parse(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	s.doc = doc
	return &doc, nil
}

// Read loads the policy file without ever writing it. A missing file
// reads as the defaults. It is for tools which must not create the file.
func (s *Store) Read() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		doc := Default()
		s.doc = doc
		return &doc, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := parse(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	s.doc = doc
	return &doc, nil
}

func parse(buf []byte) (Document, error) {
	doc := Default()
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return Document{}, err
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Current returns a copy of the active document.
func (s *Store) Current() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Propose validates doc and, if it is valid, backs up the active document
// and makes doc active under the next version number. On any error both
// the file and the in-memory document are left as they were.
func (s *Store) Propose(doc Document) (Document, error) {
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backup(); err != nil {
		return Document{}, err
	}

	doc.Version = s.doc.Version + 1
	if err := s.write(doc); err != nil {
		return Document{}, err
	}
	s.doc = doc
	s.pruneBackups()
	return doc, nil
}

// Rollback restores the newest valid backup and removes it, so repeated
// calls walk back through history. Backups which fail validation are
// skipped.
func (s *Store) Rollback() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backups, err := s.backups()
	if err != nil {
		return Document{}, err
	}
	for _, name := range backups {
		buf, err := os.ReadFile(name)
		if err != nil {
			log.Printf("skipping unreadable policy backup %s: %v", name, err)
			continue
		}
		doc, err := parse(buf)
		if err != nil {
			log.Printf("skipping invalid policy backup %s: %v", name, err)
			continue
		}

		doc.Version = s.doc.Version + 1
		if err := s.write(doc); err != nil {
			return Document{}, err
		}
		s.doc = doc
		if err := os.Remove(name); err != nil {
			log.Printf("failed to remove restored backup %s: %v", name, err)
		}
		return doc, nil
	}
	return Document{}, ErrNoBackup
}

// Backups lists backup files, newest first.
func (s *Store) Backups() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backups()
}

func (s *Store) backups() ([]string, error) {
	matches, err := filepath.Glob(s.path + ".*" + backupExt)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

func (s *Store) backup() error {
	buf, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read policy for backup: %w", err)
	}
	// The counter is zero padded so names sort in creation order even
	// within one millisecond.
	stamp := s.now().Format(backupLayout)
	var name string
	for n := 0; ; n++ {
		name = fmt.Sprintf("%s.%s-%03d%s", s.path, stamp, n, backupExt)
		if !fileExists(name) {
			break
		}
	}
	if err := writeFileAtomic(name, buf, 0644); err != nil {
		return fmt.Errorf("failed to back up policy: %w", err)
	}
	return nil
}

func (s *Store) pruneBackups() {
	backups, err := s.backups()
	if err != nil || len(backups) <= MaxBackups {
		return
	}
	for _, name := range backups[MaxBackups:] {
		if err := os.Remove(name); err != nil {
			log.Printf("failed to remove old policy backup %s: %v", name, err)
		}
	}
}

func (s *Store) write(doc Document) error {
	buf, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, buf, 0644); err != nil {
		return fmt.Errorf("failed to write policy: %w", err)
	}
	return nil
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// writeFileAtomic replaces path with data so that readers see either the
// old or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true

	// Persist the rename. Not all file systems support syncing a directory.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
