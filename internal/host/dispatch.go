// Package host implements the Cache Host's request dispatch (spec §4.4):
// translating a decoded wire.Message into MemCache engine calls and back
// into a response wire.Message. Kept network-free and synchronous so it can
// be tested without a socket; pkg/hostserver supplies the TCP listener,
// worker pool, and connection plumbing around it.
package host

import (
	"strconv"
	"time"

	"github.com/Voskan/distcache/internal/store"
	"github.com/Voskan/distcache/internal/wire"
)

// OpError is the response opcode for a failed request. Outside 'A'-'R' so
// wire.Op.IsValid() never mistakes it for a request opcode.
const OpError wire.Op = '!'

// OpOK is the response opcode for a request that has no payload to return
// (ADD_OR_UPDATE*, REMOVE*).
const OpOK wire.Op = '+'

// Dispatcher serves wire.Message requests against one Engine.
type Dispatcher struct {
	Engine *store.Engine
	// Location is the wall-clock zone absolute expirations are parsed in
	// (spec §6: "the host's wall-clock zone").
	Location *time.Location
}

func (d *Dispatcher) loc() *time.Location {
	if d.Location == nil {
		return time.Local
	}
	return d.Location
}

// Dispatch executes one request and returns the response to frame back.
func (d *Dispatcher) Dispatch(req wire.Message) wire.Message {
	switch req.Op {
	case wire.OpGet:
		return d.handleGet(req)
	case wire.OpGetMany:
		return d.handleGetMany(req)
	case wire.OpGetTagged:
		return d.handleGetTagged(req)
	case wire.OpAddNone, wire.OpAddAbsolute, wire.OpAddSliding:
		return d.handleAdd(req)
	case wire.OpAddManyNone, wire.OpAddManyAbsolute, wire.OpAddManySliding:
		return d.handleAddMany(req)
	case wire.OpAddTagNone, wire.OpAddTagAbsolute, wire.OpAddTagSliding:
		return d.handleAddTagged(req)
	case wire.OpAddManyTagNone, wire.OpAddManyTagAbs, wire.OpAddManyTagSlide:
		return d.handleAddManyTagged(req)
	case wire.OpRemove:
		return d.handleRemove(req)
	case wire.OpRemoveMany:
		return d.handleRemoveMany(req)
	case wire.OpRemoveTagged:
		return d.handleRemoveTagged(req)
	default:
		return errMsg("unknown opcode")
	}
}

func errMsg(detail string) wire.Message {
	return wire.Message{Op: OpError, Fields: []string{detail}}
}

func (d *Dispatcher) handleGet(req wire.Message) wire.Message {
	if len(req.Fields) < 1 {
		return errMsg("GET requires a key")
	}
	v, ok := d.Engine.Get(req.Fields[0])
	if !ok {
		return wire.Message{Op: wire.OpGet, Fields: []string{""}}
	}
	return wire.Message{Op: wire.OpGet, Fields: []string{wire.EncodeBlob(v)}}
}

func (d *Dispatcher) handleGetMany(req wire.Message) wire.Message {
	vals := d.Engine.GetMany(req.Fields)
	fields := make([]string, len(vals))
	for i, v := range vals {
		fields[i] = wire.EncodeBlob(v)
	}
	return wire.Message{Op: wire.OpGetMany, Fields: fields}
}

func (d *Dispatcher) handleGetTagged(req wire.Message) wire.Message {
	if len(req.Fields) < 1 {
		return errMsg("GET_TAGGED requires a tag")
	}
	vals := d.Engine.GetTagged(req.Fields[0])
	fields := make([]string, len(vals))
	for i, v := range vals {
		fields[i] = wire.EncodeBlob(v)
	}
	return wire.Message{Op: wire.OpGetTagged, Fields: fields}
}

// parseExpiration reads the trailing expiration field per the opcode's Kind
// and returns the AddOptions it describes; for ExpireNone opcodes the field
// is ignored.
func (d *Dispatcher) parseExpiration(op wire.Op, expField string) (store.AddOptions, error) {
	opts := store.AddOptions{}
	switch op.Kind() {
	case wire.ExpireAbsolute:
		t, err := wire.ParseAbsoluteTime(expField, d.loc())
		if err != nil {
			return opts, err
		}
		opts.Mode = store.ExpireAbsolute
		opts.AbsoluteAt = t
	case wire.ExpireSliding:
		ms, err := parseDurationMillis(expField)
		if err != nil {
			return opts, err
		}
		opts.Mode = store.ExpireSliding
		opts.SlidingTTL = ms
	}
	return opts, nil
}

func parseDurationMillis(s string) (time.Duration, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, wireDecodeError("field is not a decimal integer")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

type wireDecodeError string

func (e wireDecodeError) Error() string { return string(e) }

// handleAdd covers opcodes D/E/F: ADD_OR_UPDATE(key, bytes[, abs|sliding]).
// Field layout: key, base64(bytes)[, expiration].
func (d *Dispatcher) handleAdd(req wire.Message) wire.Message {
	if len(req.Fields) < 2 {
		return errMsg("ADD_OR_UPDATE requires key and payload")
	}
	key, blobField := req.Fields[0], req.Fields[1]
	payload, err := wire.DecodeBlob(blobField)
	if err != nil {
		return errMsg("malformed payload: " + err.Error())
	}
	expField := ""
	if len(req.Fields) >= 3 {
		expField = req.Fields[2]
	}
	opts, err := d.parseExpiration(req.Op, expField)
	if err != nil {
		return errMsg("malformed expiration: " + err.Error())
	}
	if err := d.Engine.AddOrUpdate(key, payload, opts); err != nil {
		return errMsg(err.Error())
	}
	return wire.Message{Op: OpOK}
}

// handleAddMany covers G/H/I: ADD_OR_UPDATE_MANY(pairs[, abs|sliding]).
// Field layout: pairs as interleaved key,base64(bytes),... then a trailing
// expiration field when Kind() != ExpireNone.
func (d *Dispatcher) handleAddMany(req wire.Message) wire.Message {
	pairs, expField, err := splitPairsAndTrailer(req.Op, req.Fields)
	if err != nil {
		return errMsg(err.Error())
	}
	opts, err := d.parseExpiration(req.Op, expField)
	if err != nil {
		return errMsg("malformed expiration: " + err.Error())
	}
	decoded, err := decodePairs(pairs)
	if err != nil {
		return errMsg(err.Error())
	}
	if err := d.Engine.AddOrUpdateMany(decoded, opts); err != nil {
		return errMsg(err.Error())
	}
	return wire.Message{Op: OpOK}
}

// handleAddTagged covers J/K/L: ADD_OR_UPDATE_TAGGED(key, bytes, tag[, exp]).
func (d *Dispatcher) handleAddTagged(req wire.Message) wire.Message {
	if len(req.Fields) < 3 {
		return errMsg("ADD_OR_UPDATE_TAGGED requires key, payload, and tag")
	}
	key, blobField, tag := req.Fields[0], req.Fields[1], req.Fields[2]
	payload, err := wire.DecodeBlob(blobField)
	if err != nil {
		return errMsg("malformed payload: " + err.Error())
	}
	expField := ""
	if len(req.Fields) >= 4 {
		expField = req.Fields[3]
	}
	opts, err := d.parseExpiration(req.Op, expField)
	if err != nil {
		return errMsg("malformed expiration: " + err.Error())
	}
	opts.Tag = tag
	if err := d.Engine.AddOrUpdate(key, payload, opts); err != nil {
		return errMsg(err.Error())
	}
	return wire.Message{Op: OpOK}
}

// handleAddManyTagged covers M/N/O: pairs, a shared tag, then an optional
// trailing expiration field.
func (d *Dispatcher) handleAddManyTagged(req wire.Message) wire.Message {
	if len(req.Fields) < 1 {
		return errMsg("ADD_OR_UPDATE_MANY_TAGGED requires a tag")
	}
	tag := req.Fields[0]
	rest := req.Fields[1:]
	pairs, expField, err := splitPairsAndTrailer(req.Op, rest)
	if err != nil {
		return errMsg(err.Error())
	}
	opts, err := d.parseExpiration(req.Op, expField)
	if err != nil {
		return errMsg("malformed expiration: " + err.Error())
	}
	opts.Tag = tag
	decoded, err := decodePairs(pairs)
	if err != nil {
		return errMsg(err.Error())
	}
	if err := d.Engine.AddOrUpdateMany(decoded, opts); err != nil {
		return errMsg(err.Error())
	}
	return wire.Message{Op: OpOK}
}

func splitPairsAndTrailer(op wire.Op, fields []string) (pairs []string, trailer string, err error) {
	if op.Kind() == wire.ExpireNone {
		return fields, "", nil
	}
	if len(fields) == 0 {
		return nil, "", wireDecodeError("missing expiration field")
	}
	return fields[:len(fields)-1], fields[len(fields)-1], nil
}

func decodePairs(fields []string) (map[string][]byte, error) {
	if len(fields)%2 != 0 {
		return nil, wireDecodeError("pairs field count is odd")
	}
	out := make(map[string][]byte, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		payload, err := wire.DecodeBlob(fields[i+1])
		if err != nil {
			return nil, err
		}
		out[fields[i]] = payload
	}
	return out, nil
}

func (d *Dispatcher) handleRemove(req wire.Message) wire.Message {
	if len(req.Fields) < 1 {
		return errMsg("REMOVE requires a key")
	}
	d.Engine.Remove(req.Fields[0])
	return wire.Message{Op: OpOK}
}

func (d *Dispatcher) handleRemoveMany(req wire.Message) wire.Message {
	d.Engine.RemoveMany(req.Fields)
	return wire.Message{Op: OpOK}
}

func (d *Dispatcher) handleRemoveTagged(req wire.Message) wire.Message {
	if len(req.Fields) < 1 {
		return errMsg("REMOVE_TAGGED requires a tag")
	}
	pattern := "*"
	if len(req.Fields) >= 2 && req.Fields[1] != "" {
		pattern = req.Fields[1]
	}
	d.Engine.RemoveTagged(req.Fields[0], pattern)
	return wire.Message{Op: OpOK}
}
