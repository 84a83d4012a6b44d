package wire

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/Voskan/distcache/internal/unsafehelpers"
)

// Op is the single-letter control byte identifying a request's operation.
type Op byte

// Opcodes, exactly as spec §6. The D-F / G-I / J-L / M-O triples each cover
// one logical operation in its three expiration flavours: no-expiry,
// absolute, sliding — in that order.
const (
	OpGet              Op = 'A'
	OpGetMany          Op = 'B'
	OpGetTagged        Op = 'C'
	OpAddNone          Op = 'D'
	OpAddAbsolute      Op = 'E'
	OpAddSliding       Op = 'F'
	OpAddManyNone      Op = 'G'
	OpAddManyAbsolute  Op = 'H'
	OpAddManySliding   Op = 'I'
	OpAddTagNone       Op = 'J'
	OpAddTagAbsolute   Op = 'K'
	OpAddTagSliding    Op = 'L'
	OpAddManyTagNone   Op = 'M'
	OpAddManyTagAbs    Op = 'N'
	OpAddManyTagSlide  Op = 'O'
	OpRemove           Op = 'P'
	OpRemoveMany       Op = 'Q'
	OpRemoveTagged     Op = 'R'
)

// ExpirationKind identifies which of the three flavours an opcode carries.
type ExpirationKind uint8

const (
	ExpireNone ExpirationKind = iota
	ExpireAbsolute
	ExpireSliding
)

// Kind returns the expiration flavour encoded by an ADD_OR_UPDATE-family
// opcode. Opcodes outside that family return ExpireNone.
func (o Op) Kind() ExpirationKind {
	switch o {
	case OpAddAbsolute, OpAddManyAbsolute, OpAddTagAbsolute, OpAddManyTagAbs:
		return ExpireAbsolute
	case OpAddSliding, OpAddManySliding, OpAddTagSliding, OpAddManyTagSlide:
		return ExpireSliding
	default:
		return ExpireNone
	}
}

// IsValid reports whether o is one of the 18 defined opcodes.
func (o Op) IsValid() bool {
	return o >= 'A' && o <= 'R'
}

// Message is the parsed form of one request or response frame: a control
// byte, a space, then opcode-specific space-separated fields. Fields use
// strings.Split (not Fields) so an empty field — e.g. a zero-length base64
// blob representing a miss slot — is preserved rather than collapsed.
type Message struct {
	Op     Op
	Fields []string
}

// Encode renders m back into wire form.
func (m Message) Encode() []byte {
	var b strings.Builder
	b.WriteByte(byte(m.Op))
	for _, f := range m.Fields {
		b.WriteByte(' ')
		b.WriteString(f)
	}
	return []byte(b.String())
}

// Decode parses a raw frame payload into a Message.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Message{}, fmt.Errorf("wire: empty payload")
	}
	op := Op(payload[0])
	rest := payload[1:]
	var fields []string
	if len(rest) > 0 {
		if rest[0] != ' ' {
			return Message{}, fmt.Errorf("wire: malformed payload, expected space after control byte")
		}
		// payload is never mutated after Decode returns, so the zero-copy
		// conversion's precondition holds; avoids an allocation on every
		// frame decoded off the wire.
		body := rest[1:]
		if len(body) == 0 {
			fields = []string{""}
		} else {
			fields = strings.Split(unsafehelpers.BytesToString(body), " ")
		}
	}
	return Message{Op: op, Fields: fields}, nil
}

// EncodeBlob base64-encodes a binary payload for embedding as a field. A
// nil/empty blob encodes to "" — the empty string — which decodes back to a
// zero-length slice, never a suppressed slot (spec §4.4).
func EncodeBlob(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBlob reverses EncodeBlob. An empty field decodes to a non-nil
// zero-length slice so callers can distinguish "decoded empty" from "field
// absent" at the caller's discretion.
func DecodeBlob(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
