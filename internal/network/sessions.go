package network

import (
	"net"
	"sync"

	"github.com/cronokirby/feedmux/internal/protocol"
)

// sessionMap provides a concurrent store over running sessions
type sessionMap struct {
	// sessions is the underlying storage remote addr -> feed identifier
	sessions sync.Map
}

func makeSessionMap() *sessionMap {
	return &sessionMap{}
}

// set records that remote is replicating the feed with this identifier
func (smap *sessionMap) set(remote net.Addr, id protocol.Identifier) {
	smap.sessions.Store(remote.String(), id)
}

// remove forgets a session once its bridge has ended
func (smap *sessionMap) remove(remote net.Addr) {
	smap.sessions.Delete(remote.String())
}

// snapshot copies the current sessions as remote addr -> short feed id
func (smap *sessionMap) snapshot() map[string]string {
	out := make(map[string]string)
	smap.sessions.Range(func(k, v any) bool {
		// we know this is safe because we control storage
		out[k.(string)] = v.(protocol.Identifier).Short()
		return true
	})
	return out
}
