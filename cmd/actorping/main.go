// Command actorping demonstrates the actor runtime: it starts a System,
// registers a "ping" actor that answers ACTOR_REQ with an incrementing
// counter and ACTOR_REQ_BIG with a CacheArrayList of every sequence
// number handed out so far, then (in -dial mode) connects to a running instance and
// exercises both request paths.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/paged-mem/pagedmem/internal/actor"
	"github.com/paged-mem/pagedmem/internal/addr"
	"github.com/paged-mem/pagedmem/internal/cache"
	"github.com/paged-mem/pagedmem/internal/cachecfg"
	"github.com/paged-mem/pagedmem/internal/config"
	"github.com/paged-mem/pagedmem/internal/obs"
)

var (
	flagBind   = flag.String("bind", "127.0.0.1:9002", "address to bind this actor system on")
	flagDial   = flag.String("dial", "", "if set, dial a running actorping instance at this address instead of serving")
	flagConfig = flag.String("config", "", "YAML config file for the ping history allocator; defaults to an in-tmpdir local allocator")
)

type u32Codec struct{}

func (u32Codec) Size() uint32               { return 4 }
func (u32Codec) Encode(v uint32, dst []byte) { binary.LittleEndian.PutUint32(dst, v) }
func (u32Codec) Decode(src []byte) uint32    { return binary.LittleEndian.Uint32(src) }

// pingActor answers ACTOR_REQ with an incrementing sequence number and
// serves ACTOR_REQ_BIG with the full history of sequence numbers seen so
// far, stored in a CacheArrayList backed by a small local-disk allocator.
type pingActor struct {
	actor.ActorBase
	log     *obs.Logger
	seq     uint32
	alloc   *cache.PagedAllocator
	sched   *cache.EvictionScheduler
	history *cache.CacheArrayList[uint32]
}

// newPingActor builds its history allocator from a cachecfg file when
// configPath is non-empty (via cachecfg.Config.NewAllocator), otherwise
// from a small default local-disk allocator under os.TempDir().
func newPingActor(log *obs.Logger, configPath string) (*pingActor, error) {
	var (
		alloc *cache.PagedAllocator
		sched *cache.EvictionScheduler
		err   error
	)
	if configPath != "" {
		cfg, lerr := cachecfg.Load(configPath)
		if lerr != nil {
			return nil, lerr
		}
		alloc, sched, err = cfg.NewAllocator(log.With("allocator"))
	} else {
		var persister *cache.LocalPersister
		persister, err = cache.NewLocalPersister(os.TempDir())
		if err == nil {
			alloc, err = cache.NewPagedAllocator(1<<16, 4, persister)
		}
	}
	if err != nil {
		return nil, err
	}
	history, err := cache.NewCacheArrayList[uint32](alloc, u32Codec{})
	if err != nil {
		return nil, err
	}
	return &pingActor{log: log, alloc: alloc, sched: sched, history: history}, nil
}

// Close releases the actor's allocator and stops its eviction scheduler, if
// one is running.
func (p *pingActor) Close() error {
	if p.sched != nil {
		p.sched.Stop()
	}
	return p.alloc.Close()
}

func (p *pingActor) OnMessage(from addr.SockAddrV4, content *config.Node) {
	p.log.Printf("message from %s: %s", from, content.Str())
}

func (p *pingActor) OnRequest(from addr.SockAddrV4, content *config.Node) (*config.Node, error) {
	p.seq++
	if err := p.history.Push(p.seq); err != nil {
		return nil, fmt.Errorf("record ping: %w", err)
	}
	p.log.Printf("ping #%d from %s", p.seq, from)
	return config.NewInt(int64(p.seq)), nil
}

// OnRequestBig implements actor.BigRequester: *cache.CacheArrayList[T]
// already satisfies io.WriterTo, so it is returned directly.
func (p *pingActor) OnRequestBig(from addr.SockAddrV4, content *config.Node) (io.WriterTo, error) {
	return p.history, nil
}

func main() {
	flag.Parse()
	log := obs.New("actorping")

	if *flagDial != "" {
		runClient(log)
		return
	}
	runServer(log)
}

func runServer(log *obs.Logger) {
	bind, err := addr.Parse(*flagBind)
	if err != nil {
		log.Fatalf("invalid -bind %q: %v", *flagBind, err)
	}
	sys, err := actor.NewSystem(bind, 4)
	if err != nil {
		log.Fatalf("start system: %v", err)
	}
	defer sys.Close()

	p, err := newPingActor(log, *flagConfig)
	if err != nil {
		log.Fatalf("init ping actor: %v", err)
	}
	defer p.Close()
	if err := sys.Add("ping", p); err != nil {
		log.Fatalf("register ping actor: %v", err)
	}
	log.Printf("serving on %s, registered actors: ping", sys.Addr())
	select {}
}

func runClient(log *obs.Logger) {
	target, err := addr.Parse(*flagDial)
	if err != nil {
		log.Fatalf("invalid -dial %q: %v", *flagDial, err)
	}
	sys, err := actor.NewSystem(addr.SockAddrV4{IP: [4]byte{127, 0, 0, 1}, Port: 0}, 1)
	if err != nil {
		log.Fatalf("start client system: %v", err)
	}
	defer sys.Close()

	ref := sys.Ref(target, "ping")
	for i := 0; i < 3; i++ {
		reply, err := ref.Request(config.NewString("hello"), actor.DefaultRequestTimeout)
		if err != nil {
			log.Fatalf("request %d: %v", i, err)
		}
		log.Printf("ping reply #%d: seq=%d", i, reply.Int())
		time.Sleep(100 * time.Millisecond)
	}

	payload, err := ref.RequestBig(nil, actor.DefaultRequestTimeout)
	if err != nil {
		log.Fatalf("request_big: %v", err)
	}
	var history []uint32
	err = cache.ReadCacheArrayListInto[uint32](bytes.NewReader(payload), u32Codec{}, func(chunk []uint32) error {
		history = append(history, chunk...)
		return nil
	})
	if err != nil {
		log.Fatalf("decode history: %v", err)
	}
	log.Printf("ping history: %v", history)
}
