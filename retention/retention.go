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

// Package retention deletes old image partitions once they are known to
// be replicated.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/saainithil97/otowatcher/imagestore"
	"github.com/saainithil97/otowatcher/policy"
	"github.com/saainithil97/otowatcher/replication"
)

// tombstonePrefix marks a partition whose removal has started. It is
// hidden from partition listings.
const tombstonePrefix = ".deleting-"

// ErrOracleUnreachable means the run was abandoned because replication
// could not be checked.
var ErrOracleUnreachable = errors.New("replication oracle unreachable, retention run aborted")

type PartitionLister interface {
	Dir() string
	Partitions() ([]imagestore.Partition, error)
}

type PolicySource interface {
	Current() policy.Document
}

// Listener is told about each partition decision.
type Listener interface {
	Deleted(partition string)
	Skipped(partition string, status replication.Status)
	Aborted(err error)
}

type nullListener struct{}

func (nullListener) Deleted(string)                     {}
func (nullListener) Skipped(string, replication.Status) {}
func (nullListener) Aborted(error)                      {}

// Report summarises one run.
type Report struct {
	Deleted []string
	Skipped []string
	Failed  []string
	Aborted bool
}

func (r *Report) String() string {
	s := fmt.Sprintf("deleted=%d skipped=%d failed=%d", len(r.Deleted), len(r.Skipped), len(r.Failed))
	if r.Aborted {
		s += " (aborted)"
	}
	return s
}

func New(store PartitionLister, oracle replication.Oracle, policies PolicySource) *Manager {
	return &Manager{
		store:    store,
		oracle:   oracle,
		policies: policies,
		listener: nullListener{},
	}
}

// Manager never deletes a partition unless the oracle says it is
// Present. Unknown, Absent and oracle errors all keep the data.
type Manager struct {
	store    PartitionLister
	oracle   replication.Oracle
	policies PolicySource
	listener Listener
}

func (m *Manager) SetListener(l Listener) {
	if l == nil {
		l = nullListener{}
	}
	m.listener = l
}

// Eligible reports whether every moment of the partition's day is older
// than the retention period.
func Eligible(part imagestore.Partition, now time.Time, keepDays int) bool {
	cutoff := now.AddDate(0, 0, -keepDays)
	return !part.Date.AddDate(0, 0, 1).After(cutoff)
}

// Run performs one retention pass.
func (m *Manager) Run(ctx context.Context, now time.Time) (*Report, error) {
	report := new(Report)
	m.finishTombstones(report)

	keepDays := m.policies.Current().KeepDays
	parts, err := m.store.Partitions()
	if err != nil {
		return report, err
	}

	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !Eligible(part, now, keepDays) {
			break
		}

		status, err := m.oracle.IsReplicated(ctx, part.Name)
		if err != nil {
			report.Aborted = true
			err = fmt.Errorf("%w: %v", ErrOracleUnreachable, err)
			log.Printf("checking %s: %v", part.Name, err)
			m.listener.Aborted(err)
			return report, err
		}
		if status != replication.Present {
			log.Printf("keeping %s: replication %s", part.Name, status)
			report.Skipped = append(report.Skipped, part.Name)
			m.listener.Skipped(part.Name, status)
			continue
		}

		if err := m.deletePartition(part); err != nil {
			log.Printf("failed to delete %s: %v", part.Name, err)
			report.Failed = append(report.Failed, part.Name)
			continue
		}
		log.Printf("deleted replicated partition %s", part.Name)
		report.Deleted = append(report.Deleted, part.Name)
		m.listener.Deleted(part.Name)
	}
	return report, nil
}

// deletePartition hides the partition with one rename and then removes
// it. If removal fails part way the tombstone is finished on the next run.
func (m *Manager) deletePartition(part imagestore.Partition) error {
	tombstone := filepath.Join(m.store.Dir(), tombstonePrefix+part.Name)
	if err := os.Rename(part.Dir, tombstone); err != nil {
		return &imagestore.IOError{Op: "rename", Path: part.Dir, Err: err}
	}
	if err := os.RemoveAll(tombstone); err != nil {
		return &imagestore.IOError{Op: "remove", Path: tombstone, Err: err}
	}
	return nil
}

func (m *Manager) finishTombstones(report *Report) {
	matches, _ := filepath.Glob(filepath.Join(m.store.Dir(), tombstonePrefix+"*"))
	for _, tombstone := range matches {
		name := strings.TrimPrefix(filepath.Base(tombstone), tombstonePrefix)
		log.Printf("finishing interrupted delete of %s", name)
		if err := os.RemoveAll(tombstone); err != nil {
			log.Printf("failed to remove %s: %v", tombstone, err)
			report.Failed = append(report.Failed, name)
			continue
		}
		report.Deleted = append(report.Deleted, name)
	}
}
