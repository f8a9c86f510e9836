// Command cachebench drives a PagedAllocator-backed CacheArray and
// CacheArrayList through a configurable workload and reports throughput
// plus eviction pressure, the same kind of "wc -l after an overnight run"
// sanity check the original driver tests shipped as a CLI.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/paged-mem/pagedmem/internal/cache"
	"github.com/paged-mem/pagedmem/internal/obs"
)

var (
	flagPageSize    = flag.Uint("page-size", 4096, "block size in bytes")
	flagMaxResident = flag.Int("max-resident", 32, "max resident pages before eviction kicks in")
	flagArrayLen    = flag.Uint("array-len", 200000, "CacheArray length in elements")
	flagOps         = flag.Uint("ops", 500000, "number of random Get/Set ops to run against the array")
	flagListPushes  = flag.Uint("list-pushes", 200000, "number of Push calls against the CacheArrayList")
	flagStorageDir  = flag.String("storage-dir", "", "directory for spilled pages; defaults to a temp dir")
)

type u64Codec struct{}

func (u64Codec) Size() uint32               { return 8 }
func (u64Codec) Encode(v uint64, dst []byte) { binary.LittleEndian.PutUint64(dst, v) }
func (u64Codec) Decode(src []byte) uint64    { return binary.LittleEndian.Uint64(src) }

func main() {
	flag.Parse()
	log := obs.New("cachebench")

	storageDir := *flagStorageDir
	if storageDir == "" {
		dir, err := os.MkdirTemp("", "cachebench-*")
		if err != nil {
			log.Fatalf("make temp storage dir: %v", err)
		}
		defer os.RemoveAll(dir)
		storageDir = dir
	}

	persister, err := cache.NewLocalPersister(storageDir)
	if err != nil {
		log.Fatalf("open persister: %v", err)
	}
	alloc, err := cache.NewPagedAllocator(uint32(*flagPageSize), *flagMaxResident, persister)
	if err != nil {
		log.Fatalf("create allocator: %v", err)
	}
	defer alloc.Close()

	log.Printf("page_size=%d max_resident=%d storage=%s", *flagPageSize, *flagMaxResident, storageDir)

	benchArray(log, alloc)
	benchList(log, alloc)
}

func benchArray(log *obs.Logger, alloc *cache.PagedAllocator) {
	codec := u64Codec{}
	length := uint32(*flagArrayLen)

	start := time.Now()
	arr, err := cache.NewCacheArray[uint64](alloc, codec, length)
	if err != nil {
		log.Fatalf("allocate array of %d elements: %v", length, err)
	}
	log.Printf("array: allocated %d elements in %s (resident=%d pages=%d)",
		length, time.Since(start), alloc.ResidentCount(), alloc.PageCount())

	rng := rand.New(rand.NewSource(1))
	start = time.Now()
	var sets, gets uint64
	for i := uint32(0); i < uint32(*flagOps); i++ {
		idx := uint32(rng.Int63n(int64(length)))
		if rng.Intn(2) == 0 {
			if err := arr.Set(idx, uint64(idx)); err != nil {
				log.Fatalf("set[%d]: %v", idx, err)
			}
			sets++
		} else {
			if _, err := arr.Get(idx); err != nil {
				log.Fatalf("get[%d]: %v", idx, err)
			}
			gets++
		}
	}
	elapsed := time.Since(start)
	log.Printf("array: %d ops (%d set, %d get) in %s (%.0f ops/s), resident=%d/%d pages",
		sets+gets, sets, gets, elapsed, float64(sets+gets)/elapsed.Seconds(),
		alloc.ResidentCount(), alloc.PageCount())
}

func benchList(log *obs.Logger, alloc *cache.PagedAllocator) {
	codec := u64Codec{}
	list, err := cache.NewCacheArrayList[uint64](alloc, codec)
	if err != nil {
		log.Fatalf("create list: %v", err)
	}

	n := uint32(*flagListPushes)
	pusher := list.Pusher(n)
	start := time.Now()
	for i := uint32(0); i < n; i++ {
		if err := pusher.Push(uint64(i)); err != nil {
			log.Fatalf("push[%d]: %v", i, err)
		}
	}
	if err := pusher.Flush(); err != nil {
		log.Fatalf("flush pusher: %v", err)
	}
	elapsed := time.Since(start)
	log.Printf("list: pushed %d elements in %s (%.0f pushes/s), resident=%d/%d pages",
		n, elapsed, float64(n)/elapsed.Seconds(), alloc.ResidentCount(), alloc.PageCount())

	fmt.Fprintf(os.Stderr, "done\n")
}
