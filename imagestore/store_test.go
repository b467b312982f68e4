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

package imagestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saainithil97/otowatcher/camera"
)

func newTestStore(t *testing.T) *Store {
	s := New(t.TempDir(), 0)
	s.SetLocation(time.UTC)
	return s
}

func mkTime(day, hour, min, sec int) time.Time {
	return time.Date(2024, time.March, day, hour, min, sec, 0, time.UTC)
}

func save(t *testing.T, s *Store, at time.Time) *Record {
	rec, err := s.Save(&camera.Frame{Data: []byte("jpeg"), CapturedAt: at})
	require.NoError(t, err)
	return rec
}

func TestSave(t *testing.T) {
	s := newTestStore(t)

	rec := save(t, s, mkTime(5, 14, 30, 0))
	assert.Equal(t, "2024-03-05", rec.Partition)
	assert.Equal(t, "20240305_143000.jpg", rec.Name)
	assert.Equal(t, "2024-03-05/20240305_143000.jpg", rec.RelPath())
	assert.Equal(t, int64(4), rec.SizeBytes)

	data, err := os.ReadFile(filepath.Join(s.Dir(), "2024-03-05", "20240305_143000.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))

	temps, _ := filepath.Glob(filepath.Join(s.Dir(), "*", "*.temp"))
	assert.Empty(t, temps)
}

func TestSaveSameSecond(t *testing.T) {
	s := newTestStore(t)
	at := mkTime(5, 14, 30, 0)

	assert.Equal(t, "20240305_143000.jpg", save(t, s, at).Name)
	assert.Equal(t, "20240305_143000_1.jpg", save(t, s, at).Name)
	assert.Equal(t, "20240305_143000_2.jpg", save(t, s, at).Name)

	records, err := s.PartitionImages("2024-03-05")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "20240305_143000.jpg", records[0].Name)
	assert.Equal(t, "20240305_143000_2.jpg", records[2].Name)
}

func TestSaveNeverOverwrites(t *testing.T) {
	s := newTestStore(t)
	partDir := filepath.Join(s.Dir(), "2024-03-05")
	require.NoError(t, os.MkdirAll(partDir, 0755))
	existing := filepath.Join(partDir, "20240305_143000.jpg")
	require.NoError(t, os.WriteFile(existing, []byte("older"), 0644))

	rec := save(t, s, mkTime(5, 14, 30, 0))
	assert.Equal(t, "20240305_143000_1.jpg", rec.Name)

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "older", string(data))
	data, err = os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))
	assert.NoFileExists(t, existing+".temp")
}

func TestPartitionUsesLocalDate(t *testing.T) {
	s := newTestStore(t)
	loc := time.FixedZone("NZDT", 13*60*60)
	s.SetLocation(loc)

	// 2024-03-05 20:00 UTC is already the 6th in this zone.
	rec := save(t, s, mkTime(5, 20, 0, 0))
	assert.Equal(t, "2024-03-06", rec.Partition)
	assert.Equal(t, "20240306_090000.jpg", rec.Name)
}

func TestSaveNotEnoughDiskSpace(t *testing.T) {
	s := New(t.TempDir(), 1<<40)

	_, err := s.Save(&camera.Frame{Data: []byte("jpeg"), CapturedAt: mkTime(5, 0, 0, 0)})
	require.Error(t, err)
	var ioErr *IOError
	assert.True(t, errors.As(err, &ioErr))
}

func TestDeleteTempFiles(t *testing.T) {
	s := newTestStore(t)
	rec := save(t, s, mkTime(5, 1, 0, 0))
	leftover := filepath.Join(s.Dir(), rec.Partition, "20240305_020000.jpg.temp")
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0644))

	require.NoError(t, s.DeleteTempFiles())

	assert.NoFileExists(t, leftover)
	assert.FileExists(t, rec.Path)
}

func TestPartitions(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"2024-03-07", "2024-03-05", ".deleting-2024-03-01", "lost+found", "2024-02-30"} {
		require.NoError(t, os.Mkdir(filepath.Join(s.Dir(), name), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "2024-03-06"), nil, 0644))

	parts, err := s.Partitions()
	require.NoError(t, err)
	var names []string
	for _, p := range parts {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"2024-03-05", "2024-03-07"}, names)
	assert.Equal(t, mkTime(5, 0, 0, 0), parts[0].Date)
}

func TestPartitionsMissingDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing"), 0)
	parts, err := s.Partitions()
	assert.NoError(t, err)
	assert.Empty(t, parts)
}
