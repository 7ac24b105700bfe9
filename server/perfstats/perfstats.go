// Package perfstats is a single place where we record the performance of the stages of a
// tile export, so that it's easy to see where the time goes on different hardware.
package perfstats

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

/*
Most of the time of an export is spent decoding the slide and encoding JPEG/PNG.
Rasterization is cheap by comparison, unless a tile intersects thousands of annotations.
*/

type PerfStats struct {
	ReadRegion_NanosecondsPerKibiPixel atomic.Uint64 // Crop and downsample
	Rasterize_NanosecondsPerKibiPixel  atomic.Uint64 // Tile query + mask fill
	Encode_NanosecondsPerKibiPixel     atomic.Uint64 // JPEG + PNG
}

var Stats = PerfStats{}

func Update(stat *atomic.Uint64, value int64) {
	vu := uint64(value)
	// We don't bother about strict correctness here, with CompareAndSwap,
	// because this is just sampled stats, and it's OK to miss one or two samples.
	if stat.Load() == 0 {
		stat.Store(vu)
	} else {
		stat.Store((stat.Load()*63 + vu) >> 6)
	}
}

// UpdatePerKibiPixel records the time taken to process a tile of the given number of pixels
func UpdatePerKibiPixel(stat *atomic.Uint64, elapsed time.Duration, pixels int) {
	if pixels <= 0 {
		return
	}
	Update(stat, elapsed.Nanoseconds()*1024/int64(pixels))
}

func (s *PerfStats) Reset() {
	s.ReadRegion_NanosecondsPerKibiPixel.Store(0)
	s.Rasterize_NanosecondsPerKibiPixel.Store(0)
	s.Encode_NanosecondsPerKibiPixel.Store(0)
}

// String reports the averages as the time it would take to process a 512x512 tile
func (s *PerfStats) String() string {
	perTile := func(v *atomic.Uint64) float64 {
		return float64(v.Load()) * (512 * 512 / 1024) / 1000000
	}
	b := &strings.Builder{}
	fmt.Fprintf(b, "512x512 tile: read %0.3f ms, rasterize %0.3f ms, encode %0.3f ms",
		perTile(&s.ReadRegion_NanosecondsPerKibiPixel),
		perTile(&s.Rasterize_NanosecondsPerKibiPixel),
		perTile(&s.Encode_NanosecondsPerKibiPixel))
	return b.String()
}
