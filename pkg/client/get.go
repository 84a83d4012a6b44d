package client

import (
	"context"

	"github.com/Voskan/distcache/internal/ring"
	"github.com/Voskan/distcache/internal/store"
	"github.com/Voskan/distcache/internal/wire"
	"github.com/Voskan/distcache/pkg/errs"
)

// Get performs a single-key read, consulting the near-cache first when
// enabled (spec §4.7's "optional near-cache... GET path").
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.near != nil {
		if v, ok := c.near.Get(key); ok {
			return v, true, nil
		}
	}

	v, err := c.fetchAndCache(key)
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// fetchAndCache performs the network round-trip for one key, coalescing
// concurrent callers for the same key through singleflight — mirroring the
// teacher's loaderGroup de-duplication, generalised from in-process loader
// functions to a network fetch.
func (c *Client) fetchAndCache(key string) ([]byte, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		vals, err := c.GetMany([]string{key})
		if err != nil {
			return nil, err
		}
		return vals[0], nil
	})
	if err != nil {
		return nil, err
	}
	blob, _ := v.([]byte)
	if blob != nil && c.near != nil {
		_ = c.near.AddOrUpdate(key, blob, store.AddOptions{
			Mode:       store.ExpireSliding,
			SlidingTTL: c.cfg.NearCache.TTL,
		})
	}
	return blob, nil
}

// GetMany batches keys by owning host and re-merges responses into the
// caller's order (spec §4.7, law 7 in spec.md §8).
func (c *Client) GetMany(keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	byHost := c.routeKeys(keys)

	if len(c.knownHosts()) == 0 {
		return nil, errs.ErrNoHostsAvailable
	}

	reachable := 0
	for owner, idxs := range byHost {
		if owner == ring.Local {
			continue // spec §4.3: local sentinel, never round-trips
		}
		sub := make([]string, len(idxs))
		for i, idx := range idxs {
			sub[i] = keys[idx]
		}
		resp, err := c.sendRequest(owner, wire.Message{Op: wire.OpGetMany, Fields: sub})
		if err != nil {
			continue // host unreachable: its keys report as misses (spec §4.7 step 4)
		}
		reachable++
		for i, idx := range idxs {
			if i < len(resp.Fields) {
				blob, decErr := wire.DecodeBlob(resp.Fields[i])
				if decErr == nil && len(blob) > 0 {
					out[idx] = blob
				}
			}
		}
	}

	if reachable == 0 && hasRemoteOwner(byHost) {
		return nil, errs.ErrNoHostsAvailable
	}
	return out, nil
}

func hasRemoteOwner(byHost map[string][]int) bool {
	for owner := range byHost {
		if owner != ring.Local {
			return true
		}
	}
	return false
}

