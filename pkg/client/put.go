package client

import (
	"strconv"

	"github.com/Voskan/distcache/internal/ring"
	"github.com/Voskan/distcache/internal/store"
	"github.com/Voskan/distcache/internal/wire"
	"github.com/Voskan/distcache/pkg/errs"
)

// AddOrUpdate is the single-key write path; see AddOrUpdateMany for the
// batching semantics it is built on.
func (c *Client) AddOrUpdate(key string, payload []byte, opts store.AddOptions) error {
	return c.AddOrUpdateMany(map[string][]byte{key: payload}, opts)
}

// AddOrUpdateMany batches pairs by owning host and applies the same
// expiration/tag options uniformly (spec §4.1, §4.7).
func (c *Client) AddOrUpdateMany(pairs map[string][]byte, opts store.AddOptions) error {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	byHost := c.routeKeys(keys)

	if len(c.knownHosts()) == 0 {
		return errs.ErrNoHostsAvailable
	}

	reachable := 0
	var firstErr error
	for owner, idxs := range byHost {
		if owner == ring.Local {
			continue
		}
		fields := buildAddFields(opts)
		for _, idx := range idxs {
			k := keys[idx]
			fields = append(fields, k, wire.EncodeBlob(pairs[k]))
		}
		fields = appendExpirationTrailer(fields, opts)

		op := addOpcodeFor(opts)
		_, err := c.sendRequest(owner, wire.Message{Op: op, Fields: fields})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reachable++
		if c.near != nil {
			for _, idx := range idxs {
				k := keys[idx]
				_ = c.near.AddOrUpdate(k, pairs[k], store.AddOptions{Mode: store.ExpireSliding, SlidingTTL: c.cfg.NearCache.TTL})
			}
		}
	}

	if reachable == 0 && hasRemoteOwner(byHost) {
		if firstErr != nil {
			return firstErr
		}
		return errs.ErrNoHostsAvailable
	}
	return nil
}

// buildAddFields starts the field list for ADD_OR_UPDATE_MANY(_TAGGED),
// prefixing the tag when one is set (spec §6 opcodes M-O).
func buildAddFields(opts store.AddOptions) []string {
	if opts.Tag != "" {
		return []string{opts.Tag}
	}
	return nil
}

func appendExpirationTrailer(fields []string, opts store.AddOptions) []string {
	switch opts.Mode {
	case store.ExpireAbsolute:
		return append(fields, wire.EncodeAbsoluteTime(opts.AbsoluteAt))
	case store.ExpireSliding:
		return append(fields, strconv.FormatInt(opts.SlidingTTL.Milliseconds(), 10))
	default:
		return fields
	}
}

func addOpcodeFor(opts store.AddOptions) wire.Op {
	switch {
	case opts.Tag != "" && opts.Mode == store.ExpireAbsolute:
		return wire.OpAddManyTagAbs
	case opts.Tag != "" && opts.Mode == store.ExpireSliding:
		return wire.OpAddManyTagSlide
	case opts.Tag != "":
		return wire.OpAddManyTagNone
	case opts.Mode == store.ExpireAbsolute:
		return wire.OpAddManyAbsolute
	case opts.Mode == store.ExpireSliding:
		return wire.OpAddManySliding
	default:
		return wire.OpAddManyNone
	}
}
