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
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRun struct {
	out  string
	code int
	err  error
	args []string
}

func (f *fakeRun) run(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	f.args = append([]string{name}, args...)
	return []byte(f.out), f.code, f.err
}

func newTestRclone(t *testing.T, files map[string]string) (*Rclone, *fakeRun) {
	dir := t.TempDir()
	part := filepath.Join(dir, "2024-03-05")
	require.NoError(t, os.Mkdir(part, 0755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(part, name), []byte(content), 0644))
	}

	conf := DefaultRcloneConfig()
	conf.Remote = "gdrive:aquarium/"
	r := NewRclone(conf, dir)
	fake := new(fakeRun)
	r.run = fake.run
	return r, fake
}

func TestPresent(t *testing.T) {
	r, fake := newTestRclone(t, map[string]string{
		"20240305_120000.jpg": "abcd",
		"20240305_120500.jpg": "ef",
	})
	fake.out = "20240305_120000.jpg;4\n20240305_120500.jpg;2\nextra.jpg;10\n"

	status, err := r.IsReplicated(context.Background(), "2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, Present, status)
	assert.Equal(t, []string{
		"rclone", "lsf", "--files-only", "--format", "ps", "--separator", ";",
		"gdrive:aquarium/2024-03-05",
	}, fake.args)
}

func TestMissingFileIsAbsent(t *testing.T) {
	r, fake := newTestRclone(t, map[string]string{
		"20240305_120000.jpg": "abcd",
		"20240305_120500.jpg": "ef",
	})
	fake.out = "20240305_120000.jpg;4\n"

	status, err := r.IsReplicated(context.Background(), "2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, Absent, status)
}

func TestSizeMismatchIsAbsent(t *testing.T) {
	r, fake := newTestRclone(t, map[string]string{"20240305_120000.jpg": "abcd"})
	fake.out = "20240305_120000.jpg;3\n"

	status, err := r.IsReplicated(context.Background(), "2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, Absent, status)
}

func TestRemoteDirMissingIsAbsent(t *testing.T) {
	r, fake := newTestRclone(t, map[string]string{"20240305_120000.jpg": "abcd"})
	fake.code = rcloneDirNotFound

	status, err := r.IsReplicated(context.Background(), "2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, Absent, status)
}

func TestFailedRunIsUnreachable(t *testing.T) {
	r, fake := newTestRclone(t, map[string]string{"20240305_120000.jpg": "abcd"})
	fake.err = errors.New("exec: \"rclone\": executable file not found in $PATH")

	status, err := r.IsReplicated(context.Background(), "2024-03-05")
	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.Equal(t, Unknown, status)

	fake.err = nil
	fake.code = 1
	status, err = r.IsReplicated(context.Background(), "2024-03-05")
	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.Equal(t, Unknown, status)
}

func TestUnparsableListingIsUnknown(t *testing.T) {
	r, fake := newTestRclone(t, map[string]string{"20240305_120000.jpg": "abcd"})
	fake.out = "garbage output\n"

	status, err := r.IsReplicated(context.Background(), "2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, Unknown, status)
}

func TestTempFilesIgnored(t *testing.T) {
	r, fake := newTestRclone(t, map[string]string{
		"20240305_120000.jpg":      "abcd",
		"20240305_120500.jpg.temp": "partial",
	})
	fake.out = "20240305_120000.jpg;4\n"

	status, err := r.IsReplicated(context.Background(), "2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, Present, status)
}

func TestHiddenFileIsUnknown(t *testing.T) {
	r, fake := newTestRclone(t, map[string]string{
		"20240305_120000.jpg": "abcd",
		".notes":              "x",
	})
	fake.out = "20240305_120000.jpg;4\n"

	status, err := r.IsReplicated(context.Background(), "2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, Unknown, status)
	assert.Nil(t, fake.args)
}

func TestSubdirectoryIsUnknown(t *testing.T) {
	r, fake := newTestRclone(t, map[string]string{"20240305_120000.jpg": "abcd"})
	fake.out = "20240305_120000.jpg;4\n"
	require.NoError(t, os.Mkdir(filepath.Join(r.localDir, "2024-03-05", "thumbs"), 0755))

	status, err := r.IsReplicated(context.Background(), "2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, Unknown, status)
}

func TestEmptyPartitionIsPresent(t *testing.T) {
	r, fake := newTestRclone(t, nil)
	fake.err = errors.New("must not be called")

	status, err := r.IsReplicated(context.Background(), "2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, Present, status)
	assert.Nil(t, fake.args)
}

func TestMissingLocalPartitionIsUnknown(t *testing.T) {
	r, _ := newTestRclone(t, nil)
	status, err := r.IsReplicated(context.Background(), "2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, Unknown, status)
}

func TestNever(t *testing.T) {
	status, err := Never{}.IsReplicated(context.Background(), "2024-03-05")
	assert.NoError(t, err)
	assert.Equal(t, Unknown, status)
}

func TestParseListing(t *testing.T) {
	files, err := parseListing([]byte("a;b.jpg;12\nc.jpg;0\n\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a;b.jpg": 12, "c.jpg": 0}, files)
}
