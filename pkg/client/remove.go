package client

import (
	"github.com/Voskan/distcache/internal/ring"
	"github.com/Voskan/distcache/internal/wire"
)

// Remove deletes key on its owning host; idempotent at the protocol level
// (spec §4.1).
func (c *Client) Remove(key string) error {
	return c.RemoveMany([]string{key})
}

// RemoveMany batches keys by owning host and fires one REMOVE_MANY per
// host. Unreachable hosts are skipped silently: removal is idempotent, so a
// retry (or the entry's own expiration) eventually converges.
func (c *Client) RemoveMany(keys []string) error {
	byHost := c.routeKeys(keys)
	for owner, idxs := range byHost {
		if owner == ring.Local {
			continue
		}
		sub := make([]string, len(idxs))
		for i, idx := range idxs {
			sub[i] = keys[idx]
		}
		_, _ = c.sendRequest(owner, wire.Message{Op: wire.OpRemoveMany, Fields: sub})
		if c.near != nil {
			for _, k := range sub {
				c.near.Remove(k)
			}
		}
	}
	return nil
}

// RemoveTagged removes every key under tag on every known host (tags are
// host-local, so this fans the request out rather than routing by key).
func (c *Client) RemoveTagged(tag, pattern string) error {
	for _, h := range c.knownHosts() {
		if pattern == "" {
			_, _ = c.sendRequest(h, wire.Message{Op: wire.OpRemoveTagged, Fields: []string{tag}})
		} else {
			_, _ = c.sendRequest(h, wire.Message{Op: wire.OpRemoveTagged, Fields: []string{tag, pattern}})
		}
	}
	return nil
}
