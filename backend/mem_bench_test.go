package backend

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/docker/go-units"

	tcmu "github.com/ehrlich-b/go-tcmu"
	"github.com/ehrlich-b/go-tcmu/internal/logging"
	"github.com/ehrlich-b/go-tcmu/scsi"
)

const benchStoreSize = 64 << 20

var benchSizes = []int{
	4 * 1024,    // 4KB
	128 * 1024,  // 128KB
	1024 * 1024, // 1MB
}

func benchStore(b *testing.B, st tcmu.Store) {
	for _, size := range benchSizes {
		b.Run(units.BytesSize(float64(size)), func(b *testing.B) {
			data := make([]byte, size)
			rand.Read(data)

			b.Run("ReadAt", func(b *testing.B) {
				buf := make([]byte, size)
				b.SetBytes(int64(size))
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					offset := int64(rand.Intn(benchStoreSize-size)) &^ 511
					st.ReadAt(buf, offset)
				}
			})

			b.Run("WriteAt", func(b *testing.B) {
				b.SetBytes(int64(size))
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					offset := int64(rand.Intn(benchStoreSize-size)) &^ 511
					st.WriteAt(data, offset)
				}
			})

			b.Run("WriteAt_Sequential", func(b *testing.B) {
				b.SetBytes(int64(size))
				b.ResetTimer()
				offset := int64(0)
				for i := 0; i < b.N; i++ {
					st.WriteAt(data, offset)
					offset += int64(size)
					if offset+int64(size) > st.Size() {
						offset = 0
					}
				}
			})
		})
	}
}

// BenchmarkMemoryStore measures the raw performance of the memory store
func BenchmarkMemoryStore(b *testing.B) {
	benchStore(b, NewMemory(benchStoreSize))
}

// BenchmarkFileStore measures positioned I/O on a file store
func BenchmarkFileStore(b *testing.B) {
	f, err := OpenFile(filepath.Join(b.TempDir(), "bench.img"), FileOptions{Size: benchStoreSize})
	if err != nil {
		b.Fatal(err)
	}
	defer f.Close()
	benchStore(b, f)
}

// BenchmarkMemoryStoreConcurrent measures concurrent access performance
func BenchmarkMemoryStoreConcurrent(b *testing.B) {
	st := NewMemory(benchStoreSize)
	blockSize := 4096

	for _, concurrency := range []int{1, 4, 8, 16, 32} {
		b.Run(fmt.Sprintf("Concurrency_%d", concurrency), func(b *testing.B) {
			b.SetBytes(int64(blockSize))
			b.SetParallelism(concurrency)
			b.RunParallel(func(pb *testing.PB) {
				buf := make([]byte, blockSize)
				data := make([]byte, blockSize)
				rand.Read(data)

				for pb.Next() {
					offset := int64(rand.Intn(benchStoreSize - blockSize))
					// 70% reads
					if rand.Float32() < 0.7 {
						st.ReadAt(buf, offset)
					} else {
						st.WriteAt(data, offset)
					}
				}
			})
		})
	}
}

// BenchmarkBlockHandler drives READ(10) and WRITE(10) through a loopback
// ring, measuring the per-command cost of the whole path.
func BenchmarkBlockHandler(b *testing.B) {
	const blocks = benchStoreSize / 512
	l, err := tcmu.NewLoopback(context.Background(), NewMemoryHandler("mem"), tcmu.DeviceConfig{
		Name:   "bench",
		Attrs:  scsi.Attrs{NumLBAs: blocks, BlockSize: 512, MaxXferLen: 2048},
		Logger: logging.Nop(),
	}, nil)
	if err != nil {
		b.Fatal(err)
	}
	defer l.Close()

	for _, size := range []int{4096, 65536} {
		n := uint16(size / 512)
		data := make([]byte, size)
		rand.Read(data)

		for _, tc := range []struct {
			name string
			op   byte
			data []byte
		}{
			{"Read10", scsi.Read10, nil},
			{"Write10", scsi.Write10, data},
		} {
			b.Run(tc.name+"_"+units.BytesSize(float64(size)), func(b *testing.B) {
				ctx := context.Background()
				latencies := make([]time.Duration, 0, b.N)
				b.SetBytes(int64(size))
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					lba := uint32(rand.Intn(blocks - int(n)))
					start := time.Now()
					res, err := l.Submit(ctx, rw10(tc.op, lba, n), tc.data, size)
					if err != nil || res.Status != scsi.SAMGood {
						b.Fatalf("%s failed: %v status=%#x", tc.name, err, res.Status)
					}
					latencies = append(latencies, time.Since(start))
				}
				b.StopTimer()
				reportLatencyPercentiles(b, latencies)
			})
		}
	}
}

func reportLatencyPercentiles(b *testing.B, latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p50 := latencies[len(latencies)*50/100]
	p90 := latencies[len(latencies)*90/100]
	p99 := latencies[len(latencies)*99/100]

	b.Logf("Latency percentiles: p50=%v, p90=%v, p99=%v", p50, p90, p99)
}
