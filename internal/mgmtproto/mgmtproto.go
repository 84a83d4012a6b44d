// Package mgmtproto defines the duplex control protocol exchanged on the
// Cache-to-Manager link (spec §4.5): register-on-connect, periodic
// performance reports upstream, and membership fan-out downstream. It reuses
// internal/wire's framing and single-control-byte field codec rather than
// inventing a second wire format, generalizing the same idiom the public
// client protocol (spec §6) uses.
package mgmtproto

import (
	"strconv"

	"github.com/Voskan/distcache/internal/wire"
)

type Op byte

type malformedError string

func (e malformedError) Error() string { return string(e) }

const (
	// OpRegister: host -> Manager, fields [addr, port, initialCount].
	OpRegister Op = 'r'
	// OpRegisterAck: Manager -> host, fields [ordinal, totalHosts].
	OpRegisterAck Op = 'R'
	// OpRegisterHost: Manager -> every host (fan-out), fields [addr, port, ordinal, total].
	OpRegisterHost Op = 'h'
	// OpDeregisterHost: Manager -> every host, fields [addr, port].
	OpDeregisterHost Op = 'd'
	// OpPerformanceReport: host -> Manager, fields [itemCount, usageBytes, memPercent].
	OpPerformanceReport Op = 'p'
	// OpPerformanceAck: Manager -> host, no fields.
	OpPerformanceAck Op = 'P'
)

// RegisterFields builds the field list for OpRegister.
func RegisterFields(addr string, port int, initialCount int64) []string {
	return []string{addr, strconv.Itoa(port), strconv.FormatInt(initialCount, 10)}
}

// ParseRegister decodes OpRegister's fields.
func ParseRegister(fields []string) (addr string, port int, initialCount int64, err error) {
	if len(fields) < 3 {
		return "", 0, 0, malformedError("OpRegister requires 3 fields")
	}
	port, err = strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, 0, err
	}
	initialCount, err = strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "", 0, 0, err
	}
	return fields[0], port, initialCount, nil
}

func RegisterAckFields(ordinal, total int) []string {
	return []string{strconv.Itoa(ordinal), strconv.Itoa(total)}
}

func ParseRegisterAck(fields []string) (ordinal, total int, err error) {
	if len(fields) < 2 {
		return 0, 0, malformedError("OpRegisterAck requires 2 fields")
	}
	ordinal, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	total, err = strconv.Atoi(fields[1])
	return ordinal, total, err
}

func RegisterHostFields(addr string, port, ordinal, total int) []string {
	return []string{addr, strconv.Itoa(port), strconv.Itoa(ordinal), strconv.Itoa(total)}
}

func ParseRegisterHost(fields []string) (addr string, port, ordinal, total int, err error) {
	if len(fields) < 4 {
		return "", 0, 0, 0, malformedError("OpRegisterHost requires 4 fields")
	}
	port, err = strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, 0, 0, err
	}
	ordinal, err = strconv.Atoi(fields[2])
	if err != nil {
		return "", 0, 0, 0, err
	}
	total, err = strconv.Atoi(fields[3])
	return fields[0], port, ordinal, total, err
}

func DeregisterHostFields(addr string, port int) []string {
	return []string{addr, strconv.Itoa(port)}
}

func ParseDeregisterHost(fields []string) (addr string, port int, err error) {
	if len(fields) < 2 {
		return "", 0, malformedError("OpDeregisterHost requires 2 fields")
	}
	port, err = strconv.Atoi(fields[1])
	return fields[0], port, err
}

func PerformanceReportFields(itemCount, usageBytes int64, memPercent int) []string {
	return []string{
		strconv.FormatInt(itemCount, 10),
		strconv.FormatInt(usageBytes, 10),
		strconv.Itoa(memPercent),
	}
}

func ParsePerformanceReport(fields []string) (itemCount, usageBytes int64, memPercent int, err error) {
	if len(fields) < 3 {
		return 0, 0, 0, malformedError("OpPerformanceReport requires 3 fields")
	}
	itemCount, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	usageBytes, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	memPercent, err = strconv.Atoi(fields[2])
	return itemCount, usageBytes, memPercent, err
}

// Encode/Decode reuse internal/wire's Message exactly, keyed by this
// package's Op instead of the public protocol's.
func Encode(op Op, fields []string) []byte {
	return wire.Message{Op: wire.Op(op), Fields: fields}.Encode()
}

func Decode(payload []byte) (Op, []string, error) {
	msg, err := wire.Decode(payload)
	if err != nil {
		return 0, nil, err
	}
	return Op(msg.Op), msg.Fields, nil
}
