package stability

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInfo struct {
	size    int64
	modTime time.Time
}

func (f fakeInfo) Name() string       { return "fake" }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() fs.FileMode  { return 0o644 }
func (f fakeInfo) ModTime() time.Time { return f.modTime }
func (f fakeInfo) IsDir() bool        { return false }
func (f fakeInfo) Sys() any           { return nil }

var fast = Settings{
	PollInterval: 5 * time.Millisecond,
	QuietPeriod:  15 * time.Millisecond,
	Timeout:      500 * time.Millisecond,
}

func TestWaitUntilStable_StableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.xls")
	require.NoError(t, os.WriteFile(path, []byte("complete"), 0o644))

	res, err := New().WaitUntilStable(context.Background(), path, fast)
	require.NoError(t, err)
	assert.True(t, res.Stable)
	assert.Equal(t, int64(len("complete")), res.Last.Size)
	assert.GreaterOrEqual(t, res.Polls, 2)
}

func TestWaitUntilStable_AlwaysGrowingTimesOut(t *testing.T) {
	var size atomic.Int64
	d := &Detector{stat: func(string) (os.FileInfo, error) {
		n := size.Add(10)
		return fakeInfo{size: n, modTime: time.Unix(n, 0)}, nil
	}}

	s := fast
	s.Timeout = 100 * time.Millisecond
	res, err := d.WaitUntilStable(context.Background(), "growing.xls", s)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.False(t, res.Stable)
}

func TestWaitUntilStable_TransientErrorsThenStable(t *testing.T) {
	var calls atomic.Int32
	mtime := time.Now()
	d := &Detector{stat: func(string) (os.FileInfo, error) {
		if calls.Add(1) <= 3 {
			return nil, errors.New("sharing violation")
		}
		return fakeInfo{size: 42, modTime: mtime}, nil
	}}

	res, err := d.WaitUntilStable(context.Background(), "locked.xls", fast)
	require.NoError(t, err)
	assert.True(t, res.Stable)
	assert.Equal(t, int64(42), res.Last.Size)
}

func TestWaitUntilStable_MissingFileTimesOut(t *testing.T) {
	s := fast
	s.Timeout = 50 * time.Millisecond
	res, err := New().WaitUntilStable(context.Background(), filepath.Join(t.TempDir(), "nope.xls"), s)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.False(t, res.Stable)
}

func TestWaitUntilStable_EmptyFileNeverStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xls")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s := fast
	s.Timeout = 60 * time.Millisecond
	_, err := New().WaitUntilStable(context.Background(), path, s)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestWaitUntilStable_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var size atomic.Int64
	d := &Detector{stat: func(string) (os.FileInfo, error) {
		return fakeInfo{size: size.Add(1), modTime: time.Now()}, nil
	}}
	_, err := d.WaitUntilStable(ctx, "x.xls", fast)
	assert.ErrorIs(t, err, context.Canceled)
}
