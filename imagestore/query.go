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
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

var reImageName = regexp.MustCompile(`^(\d{8}_\d{6})(_\d+)?\.jpg$`)

// PartitionImages returns the images of one partition, oldest first.
func (s *Store) PartitionImages(partition string) ([]Record, error) {
	dir := filepath.Join(s.dir, partition)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IOError{Op: "list", Path: dir, Err: err}
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := reImageName.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		capturedAt, err := time.ParseInLocation(fileLayout, m[1], s.loc)
		if err != nil {
			continue
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		records = append(records, Record{
			Path:       filepath.Join(dir, entry.Name()),
			Name:       entry.Name(),
			Partition:  partition,
			CapturedAt: capturedAt,
			SizeBytes:  size,
		})
	}
	sortRecords(records)
	return records, nil
}

// sortRecords orders by capture time; same-second images keep their
// suffix order.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CapturedAt.Equal(records[j].CapturedAt) {
			return records[i].CapturedAt.Before(records[j].CapturedAt)
		}
		if len(records[i].Name) != len(records[j].Name) {
			return len(records[i].Name) < len(records[j].Name)
		}
		return records[i].Name < records[j].Name
	})
}

// Latest returns the most recently captured image.
func (s *Store) Latest() (*Record, error) {
	parts, err := s.Partitions()
	if err != nil {
		return nil, err
	}
	for i := len(parts) - 1; i >= 0; i-- {
		records, err := s.PartitionImages(parts[i].Name)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			latest := records[len(records)-1]
			return &latest, nil
		}
	}
	return nil, ErrNotFound
}

// Filter restricts List. Zero fields do not filter.
type Filter struct {
	From      time.Time
	To        time.Time
	Partition string
	Limit     int
}

func (f Filter) matches(r Record) bool {
	if !f.From.IsZero() && r.CapturedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.CapturedAt.After(f.To) {
		return false
	}
	return true
}

// List returns images matching the filter, newest first.
func (s *Store) List(filter Filter) ([]Record, error) {
	parts, err := s.Partitions()
	if err != nil {
		return nil, err
	}

	var out []Record
	for i := len(parts) - 1; i >= 0; i-- {
		part := parts[i]
		if filter.Partition != "" && part.Name != filter.Partition {
			continue
		}
		if !filter.From.IsZero() && part.Date.AddDate(0, 0, 1).Before(filter.From) {
			break
		}
		if !filter.To.IsZero() && part.Date.After(filter.To) {
			continue
		}
		records, err := s.PartitionImages(part.Name)
		if err != nil {
			return nil, err
		}
		for j := len(records) - 1; j >= 0; j-- {
			if !filter.matches(records[j]) {
				continue
			}
			out = append(out, records[j])
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Stats summarises the store.
type Stats struct {
	TotalImages    int
	TodayImages    int
	Partitions     int
	DiskUsageBytes int64
	Latest         *Record
}

func (s *Store) Stats(now time.Time) (*Stats, error) {
	parts, err := s.Partitions()
	if err != nil {
		return nil, err
	}
	today := now.In(s.loc).Format(PartitionLayout)

	stats := &Stats{Partitions: len(parts)}
	for _, part := range parts {
		records, err := s.PartitionImages(part.Name)
		if err != nil {
			return nil, err
		}
		stats.TotalImages += len(records)
		if part.Name == today {
			stats.TodayImages = len(records)
		}
		for _, r := range records {
			stats.DiskUsageBytes += r.SizeBytes
		}
		if len(records) > 0 {
			latest := records[len(records)-1]
			stats.Latest = &latest
		}
	}
	return stats, nil
}

// CalendarDays returns the days of the month which have at least one image.
func (s *Store) CalendarDays(year int, month time.Month) ([]int, error) {
	parts, err := s.Partitions()
	if err != nil {
		return nil, err
	}
	var days []int
	for _, part := range parts {
		if part.Date.Year() != year || part.Date.Month() != month {
			continue
		}
		records, err := s.PartitionImages(part.Name)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			days = append(days, part.Date.Day())
		}
	}
	return days, nil
}

// closestSearchDays bounds how far Closest looks from the target date when
// the target day itself has no images.
const closestSearchDays = 2

// Closest returns the image captured nearest to target. The target's own
// date is searched first, then one day either side, then two.
func (s *Store) Closest(target time.Time) (*Record, error) {
	day := target.In(s.loc)
	for offset := 0; offset <= closestSearchDays; offset++ {
		var candidates []Record
		for _, d := range uniqueOffsets(offset) {
			name := day.AddDate(0, 0, d).Format(PartitionLayout)
			records, err := s.PartitionImages(name)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, records...)
		}
		if best := nearest(candidates, target); best != nil {
			return best, nil
		}
	}
	return nil, ErrNotFound
}

func uniqueOffsets(offset int) []int {
	if offset == 0 {
		return []int{0}
	}
	return []int{-offset, offset}
}

func nearest(records []Record, target time.Time) *Record {
	var best *Record
	var bestDiff time.Duration
	for i := range records {
		diff := records[i].CapturedAt.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if best == nil || diff < bestDiff {
			best = &records[i]
			bestDiff = diff
		}
	}
	return best
}
