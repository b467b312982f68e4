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

// Package replication answers whether a local partition has been copied
// off the device.
package replication

import (
	"context"
	"errors"
)

// Status is an oracle's answer for one partition.
type Status int

const (
	// Unknown means the oracle could not tell.
	Unknown Status = iota
	// Absent means the remote copy is missing or incomplete.
	Absent
	// Present means every local file exists remotely.
	Present
)

func (s Status) String() string {
	switch s {
	case Absent:
		return "absent"
	case Present:
		return "present"
	}
	return "unknown"
}

// ErrUnreachable wraps failures to consult the remote at all.
var ErrUnreachable = errors.New("replication oracle unreachable")

// Oracle reports whether a partition is replicated. An error means the
// oracle itself could not be reached and no answer is available.
type Oracle interface {
	IsReplicated(ctx context.Context, partition string) (Status, error)
}

// Never is the oracle used when no remote is configured. Nothing is ever
// confirmed, so nothing is ever deleted.
type Never struct{}

func (Never) IsReplicated(context.Context, string) (Status, error) {
	return Unknown, nil
}
