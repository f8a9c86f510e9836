package remote

import (
	"errors"
	"fmt"
	"sync"

	"github.com/paged-mem/pagedmem/internal/addr"
	"github.com/paged-mem/pagedmem/internal/cache"
	"github.com/paged-mem/pagedmem/internal/nettp"
)

// RemotePersister implements cache.Persister against a Repository over
// TCP. It registers once (lazily, on first use) to obtain a client_id,
// then reuses a small connection pool for every subsequent RPC.
type RemotePersister struct {
	pool     *nettp.TcpPool
	pageSize uint32

	registerOnce sync.Once
	registerErr  error
	clientID     uint32
}

// NewRemotePersister returns a persister talking to a Repository at
// server, using at most maxConns concurrent connections.
func NewRemotePersister(server addr.SockAddrV4, pageSize uint32, maxConns int) *RemotePersister {
	return &RemotePersister{
		pool:     nettp.NewTcpPool(server, maxConns),
		pageSize: pageSize,
	}
}

func (p *RemotePersister) ensureRegistered() error {
	p.registerOnce.Do(func() {
		sess, err := p.pool.Lease()
		if err != nil {
			p.registerErr = fmt.Errorf("remote: register: %w", err)
			return
		}
		defer sess.Release()
		s := sess.Stream()
		if err := s.SendU32(uint32(OpRegister)); err != nil {
			p.registerErr = err
			return
		}
		if err := s.SendU32(0); err != nil {
			p.registerErr = err
			return
		}
		if err := s.SendU32(0); err != nil {
			p.registerErr = err
			return
		}
		id, err := s.RecvU32()
		if err != nil {
			p.registerErr = fmt.Errorf("remote: register reply: %w", err)
			return
		}
		p.clientID = id
	})
	return p.registerErr
}

func (p *RemotePersister) call(op Op, addr uint32, send []byte, wantReply bool) (status uint32, reply []byte, err error) {
	if err := p.ensureRegistered(); err != nil {
		return 0, nil, err
	}
	sess, err := p.pool.Lease()
	if err != nil {
		return 0, nil, fmt.Errorf("remote: lease: %w", err)
	}
	defer sess.Release()
	s := sess.Stream()

	if err := s.SendU32(uint32(op)); err != nil {
		return 0, nil, err
	}
	if err := s.SendU32(p.clientID); err != nil {
		return 0, nil, err
	}
	if err := s.SendU32(addr); err != nil {
		return 0, nil, err
	}
	if send != nil {
		if err := s.SendRaw(send); err != nil {
			return 0, nil, err
		}
	}

	status, err = s.RecvU32()
	if err != nil {
		return 0, nil, err
	}
	if wantReply && status == statusOK {
		reply = make([]byte, p.pageSize)
		if err := s.RecvRaw(reply); err != nil {
			return 0, nil, err
		}
	}
	return status, reply, nil
}

// Exists implements cache.Persister.
func (p *RemotePersister) Exists(addr uint32) (bool, error) {
	status, _, err := p.call(OpExists, addr, nil, false)
	if err != nil {
		return false, err
	}
	return status == 1, nil
}

// Load implements cache.Persister.
func (p *RemotePersister) Load(addr uint32, buf []byte) error {
	status, reply, err := p.call(OpLoad, addr, nil, true)
	if err != nil {
		return err
	}
	switch status {
	case statusNotFound:
		return cache.ErrBlockNotFound
	case statusOK:
		copy(buf, reply)
		return nil
	default:
		return errors.New("remote: load failed on repository")
	}
}

// Save implements cache.Persister.
func (p *RemotePersister) Save(addr uint32, buf []byte) error {
	status, _, err := p.call(OpStore, addr, buf, false)
	if err != nil {
		return err
	}
	if status != statusOK {
		return errors.New("remote: store failed on repository")
	}
	return nil
}

// Erase implements cache.Persister.
func (p *RemotePersister) Erase(addr uint32) error {
	status, _, err := p.call(OpErase, addr, nil, false)
	if err != nil {
		return err
	}
	if status != statusOK {
		return errors.New("remote: erase failed on repository")
	}
	return nil
}

// Close implements cache.Persister.
func (p *RemotePersister) Close() error {
	return p.pool.Close()
}
