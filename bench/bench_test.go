// Package bench provides reproducible micro-benchmarks for the storage
// engine. Run via: go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// We measure:
//  1. AddOrUpdate  – write-only workload
//  2. Get          – read-only workload (after warm-up)
//  3. GetParallel  – highly concurrent reads (b.RunParallel)
//  4. GetMixed     – 90% hits, 10% misses
//
// Results are printed in ns/op + alloc/op so CI can diff via benchstat.
//
// NOTE: Unit tests live elsewhere; this file is only for performance.
package bench

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"testing"
	"time"

	"github.com/Voskan/distcache/internal/store"
)

const (
	payloadBytes = 64
	keys         = 1 << 20 // 1M keys for dataset
)

func newTestEngine() *store.Engine {
	e := store.New(store.Config{
		SweepInterval:      time.Minute, // keep the sweeper out of the way during benchmarks
		MemoryLimitPercent: 90,
	})
	e.Start(context.Background())
	return e
}

var ds = func() []string {
	arr := make([]string, keys)
	for i := range arr {
		arr[i] = fmt.Sprintf("key-%d", rand.Uint64())
	}
	return arr
}()

var payload = func() []byte {
	b := make([]byte, payloadBytes)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}()

func BenchmarkAddOrUpdate(b *testing.B) {
	e := newTestEngine()
	defer e.Stop()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := ds[i&(keys-1)]
		_ = e.AddOrUpdate(key, payload, store.AddOptions{})
	}
}

func BenchmarkGet(b *testing.B) {
	e := newTestEngine()
	defer e.Stop()
	for _, k := range ds {
		_ = e.AddOrUpdate(k, payload, store.AddOptions{})
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		_, _ = e.Get(k)
	}
}

func BenchmarkGetParallel(b *testing.B) {
	e := newTestEngine()
	defer e.Stop()
	for _, k := range ds {
		_ = e.AddOrUpdate(k, payload, store.AddOptions{})
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(keys)
		for pb.Next() {
			idx = (idx + 1) & (keys - 1)
			e.Get(ds[idx])
		}
	})
}

func BenchmarkGetMixed(b *testing.B) {
	e := newTestEngine()
	defer e.Stop()
	// Preload 90% of keys to simulate mixed hit/miss.
	for i, k := range ds {
		if i%10 != 0 {
			_ = e.AddOrUpdate(k, payload, store.AddOptions{})
		}
	}
	var hits, misses int
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		if _, ok := e.Get(k); ok {
			hits++
		} else {
			misses++
		}
	}
	b.ReportMetric(float64(misses)/float64(hits+misses)*100, "miss-%")
}

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())
}
