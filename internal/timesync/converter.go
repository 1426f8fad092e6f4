package timesync

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Converter turns CLOCK_MONOTONIC nanoseconds into wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter derives the monotonic clock origin by sampling CLOCK_MONOTONIC
// against the wall clock. If the clock cannot be read it falls back to the
// btime field of /proc/stat, which only has second resolution.
func NewConverter() (*Converter, error) {
	bootTime, err := monotonicOrigin()
	if err != nil {
		bootTime, err = procStatBootTime(procfs.DefaultMountPoint)
		if err != nil {
			return nil, fmt.Errorf("determining boot time: %w", err)
		}
	}
	return &Converter{bootTime: bootTime}, nil
}

// NewConverterAt returns a Converter whose monotonic zero is bootTime.
func NewConverterAt(bootTime time.Time) *Converter {
	return &Converter{bootTime: bootTime}
}

// MonotonicToWallClock converts nanoseconds since the monotonic origin to wall-clock time.
func (c *Converter) MonotonicToWallClock(monotonicNanos uint64) time.Time {
	//nolint:gosec // monotonic timestamps stay far below MaxInt64
	return c.bootTime.Add(time.Duration(monotonicNanos))
}

// BootTime returns the wall-clock time of the monotonic origin.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

func monotonicOrigin() (time.Time, error) {
	var ts unix.Timespec
	before := time.Now()
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Time{}, fmt.Errorf("clock_gettime(CLOCK_MONOTONIC): %w", err)
	}
	after := time.Now()
	// Split the sampling gap to halve the worst-case skew.
	mid := before.Add(after.Sub(before) / 2)
	return mid.Add(-time.Duration(ts.Nano())), nil
}

// procStatBootTime reads the btime field of <procRoot>/stat.
func procStatBootTime(procRoot string) (time.Time, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return time.Time{}, fmt.Errorf("opening %s: %w", procRoot, err)
	}
	stat, err := fs.Stat()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading %s/stat: %w", procRoot, err)
	}
	if stat.BootTime == 0 {
		return time.Time{}, errors.New("btime not found in " + procRoot + "/stat")
	}
	//nolint:gosec // btime is seconds since the epoch
	return time.Unix(int64(stat.BootTime), 0), nil
}
