package transport

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"

	"natraft/internal/raft/types"
)

// idRegistry is a process-local PeerID -> host:port directory. Every
// Member in this binary's group registers its peers here before
// dialing a raft:// target; the resolver below watches it.
//
// The watcher set earns its keep over a static one-shot resolver
// because AddPeer can be called again for a PeerID whose address has
// changed (e.g. a peer rejoining on a new port) while the original
// ClientConn for that peer is still open: RegisterPeerAddress pushes
// the new resolver.State to that live connection instead of requiring
// the caller to tear down and redial.
type idRegistry struct {
	mu       sync.RWMutex
	records  map[types.PeerID]string
	watchers map[types.PeerID]map[*raftResolver]struct{}
}

var globalPeerRegistry = &idRegistry{
	records:  make(map[types.PeerID]string),
	watchers: make(map[types.PeerID]map[*raftResolver]struct{}),
}

// RegisterPeerAddress sets or updates the address a raft:// target
// resolves to and notifies any resolver currently watching it.
func RegisterPeerAddress(id types.PeerID, addr string) {
	globalPeerRegistry.mu.Lock()
	globalPeerRegistry.records[id] = addr
	watchers := globalPeerRegistry.watchers[id]
	globalPeerRegistry.mu.Unlock()

	for w := range watchers {
		w.pushCurrent()
	}
}

// raftScheme is the custom resolver scheme dial targets use:
// "raft:///<PeerID>".
const raftScheme = "raft"

type raftBuilder struct{}

func (raftBuilder) Scheme() string { return raftScheme }

func (raftBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := types.PeerID(target.Endpoint())
	if id == "" {
		if p := target.URL.Path; len(p) > 0 {
			if p[0] == '/' {
				p = p[1:]
			}
			id = types.PeerID(p)
		}
	}
	if id == "" {
		return nil, fmt.Errorf("raft resolver: empty target endpoint: %+v", target)
	}

	r := &raftResolver{id: id, cc: cc}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type raftResolver struct {
	id types.PeerID
	cc resolver.ClientConn
}

func (r *raftResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *raftResolver) Close() {
	globalPeerRegistry.mu.Lock()
	defer globalPeerRegistry.mu.Unlock()
	if set, ok := globalPeerRegistry.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(globalPeerRegistry.watchers, r.id)
		}
	}
}

func (r *raftResolver) subscribe() {
	globalPeerRegistry.mu.Lock()
	defer globalPeerRegistry.mu.Unlock()
	set := globalPeerRegistry.watchers[r.id]
	if set == nil {
		set = make(map[*raftResolver]struct{})
		globalPeerRegistry.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *raftResolver) pushCurrent() {
	globalPeerRegistry.mu.RLock()
	addr, ok := globalPeerRegistry.records[r.id]
	globalPeerRegistry.mu.RUnlock()

	if !ok || addr == "" {
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}
	_ = r.cc.UpdateState(resolver.State{Addresses: []resolver.Address{{Addr: addr}}})
}

func init() {
	resolver.Register(raftBuilder{})
}
