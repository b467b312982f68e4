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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateListsAllViolations(t *testing.T) {
	doc := Default()
	doc.CaptureIntervalSeconds = 10
	doc.LightThreshold = 0
	doc.KeepDays = 400
	doc.ImageQuality = 101
	doc.Resolution = Resolution{Width: 10, Height: 3000}
	doc.CaptureWindow = Window{Enabled: true, StartTime: "8am", EndTime: "25:00"}

	err := doc.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Violations, 8)
	assert.Contains(t, err.Error(), "capture-interval-seconds should be in range 60 - 86400, got 10")
}

func TestValidateBoundaries(t *testing.T) {
	doc := Default()
	doc.CaptureIntervalSeconds = 60
	doc.LightThreshold = 100
	doc.KeepDays = 1
	doc.Resolution = Resolution{Width: 4608, Height: 2592}
	assert.NoError(t, doc.Validate())

	doc.CaptureIntervalSeconds = 86401
	assert.Error(t, doc.Validate())
}

func TestDisabledWindowTimesAreNotChecked(t *testing.T) {
	doc := Default()
	doc.CaptureWindow = Window{Enabled: false, StartTime: "", EndTime: "junk"}
	assert.NoError(t, doc.Validate())
}

func newTestStore(t *testing.T) *Store {
	s := NewStore(filepath.Join(t.TempDir(), "policy.yaml"))
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return s
}

func TestLoadWritesDefaults(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, 300, doc.CaptureIntervalSeconds)
	assert.FileExists(t, s.Path())

	// A second store reads back the same document.
	again := NewStore(s.Path())
	doc2, err := again.Load()
	require.NoError(t, err)
	assert.Equal(t, *doc, *doc2)
}

func TestLoadPartialFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("version: 4\ncapture-interval-seconds: 600\n"), 0644))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, doc.Version)
	assert.Equal(t, 600, doc.CaptureIntervalSeconds)
	assert.Equal(t, 90, doc.ImageQuality)
}

func TestLoadInvalidFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("keep-days: 0\n"), 0644))

	_, err := s.Load()
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestProposeValid(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load()
	require.NoError(t, err)

	doc := s.Current()
	doc.CaptureIntervalSeconds = 120
	committed, err := s.Propose(doc)
	require.NoError(t, err)
	assert.Equal(t, 2, committed.Version)
	assert.Equal(t, committed, s.Current())

	backups, err := s.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	reloaded := NewStore(s.Path())
	onDisk, err := reloaded.Load()
	require.NoError(t, err)
	assert.Equal(t, 120, onDisk.CaptureIntervalSeconds)
	assert.Equal(t, 2, onDisk.Version)
}

func TestProposeInvalidLeavesEverythingUnchanged(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load()
	require.NoError(t, err)
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	current := s.Current()

	doc := s.Current()
	doc.CaptureIntervalSeconds = 5
	_, err = s.Propose(doc)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, current, s.Current())

	backups, err := s.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRollback(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load()
	require.NoError(t, err)

	doc := s.Current()
	doc.KeepDays = 10
	_, err = s.Propose(doc)
	require.NoError(t, err)
	doc.KeepDays = 20
	_, err = s.Propose(doc)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Current().Version)

	restored, err := s.Rollback()
	require.NoError(t, err)
	assert.Equal(t, 10, restored.KeepDays)
	assert.Equal(t, 4, restored.Version)
	assert.Equal(t, restored, s.Current())

	restored, err = s.Rollback()
	require.NoError(t, err)
	assert.Equal(t, 30, restored.KeepDays)

	_, err = s.Rollback()
	assert.Equal(t, ErrNoBackup, err)
}

func TestRollbackSkipsInvalidBackup(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load()
	require.NoError(t, err)

	doc := s.Current()
	doc.KeepDays = 10
	_, err = s.Propose(doc)
	require.NoError(t, err)

	// Newer, but corrupt.
	corrupt := s.Path() + ".29990101-000000.000-000.bak"
	require.NoError(t, os.WriteFile(corrupt, []byte("keep-days: -1\n"), 0644))

	restored, err := s.Rollback()
	require.NoError(t, err)
	assert.Equal(t, 30, restored.KeepDays)
	assert.FileExists(t, corrupt)
}

func TestBackupsArePruned(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load()
	require.NoError(t, err)

	doc := s.Current()
	for i := 0; i < MaxBackups+3; i++ {
		doc.KeepDays = i + 1
		_, err := s.Propose(doc)
		require.NoError(t, err)
	}
	backups, err := s.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, MaxBackups)
}

func TestRollbackWithinOneMillisecond(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "policy.yaml"))
	frozen := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }
	_, err := s.Load()
	require.NoError(t, err)

	doc := s.Current()
	doc.CaptureIntervalSeconds = 120
	_, err = s.Propose(doc)
	require.NoError(t, err)
	doc.CaptureIntervalSeconds = 90
	_, err = s.Propose(doc)
	require.NoError(t, err)

	backups, err := s.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, s.Path()+".20240305-120000.000-001.bak", backups[0])
	assert.Equal(t, s.Path()+".20240305-120000.000-000.bak", backups[1])

	restored, err := s.Rollback()
	require.NoError(t, err)
	assert.Equal(t, 120, restored.CaptureIntervalSeconds)

	restored, err = s.Rollback()
	require.NoError(t, err)
	assert.Equal(t, 300, restored.CaptureIntervalSeconds)
}

func TestBackupsKeepNewestWithinOneMillisecond(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "policy.yaml"))
	frozen := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }
	_, err := s.Load()
	require.NoError(t, err)

	doc := s.Current()
	for i := 0; i < MaxBackups+2; i++ {
		doc.KeepDays = i + 1
		_, err := s.Propose(doc)
		require.NoError(t, err)
	}

	// The active document has keep-days MaxBackups+2, so the newest
	// backup holds the one before it.
	restored, err := s.Rollback()
	require.NoError(t, err)
	assert.Equal(t, MaxBackups+1, restored.KeepDays)
}

func TestReadDoesNotCreateFile(t *testing.T) {
	s := newTestStore(t)
	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, Default(), *doc)
	assert.Equal(t, Default(), s.Current())
	assert.NoFileExists(t, s.Path())

	require.NoError(t, os.WriteFile(s.Path(), []byte("version: 7\nkeep-days: 14\n"), 0644))
	doc, err = s.Read()
	require.NoError(t, err)
	assert.Equal(t, 7, doc.Version)
	assert.Equal(t, 14, s.Current().KeepDays)

	require.NoError(t, os.WriteFile(s.Path(), []byte("keep-days: 0\n"), 0644))
	_, err = s.Read()
	assert.Error(t, err)
}
