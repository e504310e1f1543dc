package libmapper

import (
	"github.com/google/uuid"

	"github.com/libmapper/libmapper/protocol"
	"github.com/libmapper/libmapper/timetag"
	"github.com/libmapper/libmapper/value"
)

// Record kinds.
const (
	kindProbe   byte = 'B'
	kindDevice  byte = 'D'
	kindSignal  byte = 'S'
	kindMap     byte = 'M'
	kindRequest byte = 'Q'
	kindRemove  byte = 'X'
	kindUpdate  byte = 'U'
	kindRelease byte = 'L'
	kindAck     byte = 'K'
	kindModify  byte = 'Y'
)

// Field letters inside a record body.
const (
	fieldOrigin   byte = 'O'
	fieldID       byte = 'I'
	fieldProp     byte = 'P'
	fieldKey      byte = 'K'
	fieldValue    byte = 'V'
	fieldName     byte = 'N'
	fieldNonce    byte = 'H'
	fieldSource   byte = 'S'
	fieldDest     byte = 'T'
	fieldTime     byte = 'C'
	fieldInstance byte = 'J'
	fieldMap      byte = 'M'
	fieldIndex    byte = 'X'
	fieldFrom     byte = 'F'
	fieldAction   byte = 'A'
	fieldUpstream byte = 'U'
	fieldRemove   byte = 'R'
)

// Map request actions.
const (
	actionCreate  byte = 'c'
	actionModify  byte = 'm'
	actionRelease byte = 'r'
)

type wireProp struct {
	key string
	val value.Value
}

// message is the decoded form of any record.
type message struct {
	kind   byte
	origin uuid.UUID

	id      uint64
	name    string
	nonce   uint64
	props   []wireProp
	removed []string

	srcs   []uint64
	dst    uint64
	action byte

	inst     uint64
	time     timetag.Time
	val      value.Value
	mapID    uint64
	index    int
	from     uint64
	upstream bool

	has map[byte]bool
}

func (m *message) set(f byte) {
	if m.has == nil {
		m.has = make(map[byte]bool)
	}
	m.has[f] = true
}

func u64(lit byte, x uint64) []byte {
	return protocol.Record(lit, protocol.Uint64(x))
}

// encode builds the record for m. Properties whose values can not leave
// the process are skipped.
func encode(m *message) []byte {
	body := protocol.Record(fieldOrigin, m.origin[:])
	switch m.kind {
	case kindProbe:
		body = append(body, protocol.Record(fieldName, []byte(m.name))...)
		body = append(body, u64(fieldNonce, m.nonce)...)
	case kindDevice, kindSignal, kindMap, kindModify, kindRemove:
		body = append(body, u64(fieldID, m.id)...)
	case kindRequest:
		body = append(body, protocol.Record(fieldAction, []byte{m.action})...)
	case kindUpdate, kindRelease, kindAck:
		body = append(body, u64(fieldID, m.id)...)
		body = append(body, u64(fieldInstance, m.inst)...)
		body = append(body, u64(fieldTime, m.time.Uint64())...)
	}
	for _, p := range m.props {
		enc, err := value.AppendBinary(nil, p.val)
		if err != nil {
			continue
		}
		body = protocol.Append(body, fieldProp,
			protocol.Record(fieldKey, []byte(p.key)),
			protocol.Record(fieldValue, enc))
	}
	if m.kind == kindModify {
		for _, key := range m.removed {
			body = append(body, protocol.Record(fieldRemove, []byte(key))...)
		}
	}
	if m.kind == kindMap || m.kind == kindRequest {
		for _, s := range m.srcs {
			body = append(body, u64(fieldSource, s)...)
		}
		body = append(body, u64(fieldDest, m.dst)...)
	}
	if m.kind == kindUpdate {
		if enc, err := value.AppendBinary(nil, m.val); err == nil {
			body = append(body, protocol.Record(fieldValue, enc)...)
		}
		if m.mapID != 0 {
			body = append(body, u64(fieldMap, m.mapID)...)
			body = append(body, u64(fieldIndex, uint64(m.index))...)
		}
		body = append(body, u64(fieldFrom, m.from)...)
	}
	if m.kind == kindRelease {
		body = append(body, u64(fieldFrom, m.from)...)
		if m.upstream {
			body = append(body, protocol.Record(fieldUpstream)...)
		}
	}
	return protocol.Record(m.kind, body)
}

func parseProp(body []byte) (p wireProp, err error) {
	fields, err := protocol.Fields(body)
	if err != nil || len(fields) != 2 || fields[0].Lit != fieldKey || fields[1].Lit != fieldValue {
		return p, ErrMalformed
	}
	p.key = string(fields[0].Body)
	if p.key == "" {
		return p, ErrMalformed
	}
	v, rest, err := value.ParseBinary(fields[1].Body)
	if err != nil || len(rest) != 0 {
		return p, ErrMalformed
	}
	p.val = v
	return p, nil
}

// decode parses and validates a whole record; nothing partial is returned.
func decode(rec []byte) (*message, error) {
	lit, body, rest, err := protocol.TakeAnyWary(rec)
	if err != nil || len(rest) != 0 {
		return nil, ErrMalformed
	}
	fields, err := protocol.Fields(body)
	if err != nil {
		return nil, ErrMalformed
	}
	m := &message{kind: lit}
	for _, f := range fields {
		switch f.Lit {
		case fieldOrigin:
			if len(f.Body) != len(m.origin) {
				return nil, ErrMalformed
			}
			copy(m.origin[:], f.Body)
		case fieldName:
			m.name = string(f.Body)
		case fieldProp:
			p, err := parseProp(f.Body)
			if err != nil {
				return nil, err
			}
			m.props = append(m.props, p)
		case fieldValue:
			v, rest, err := value.ParseBinary(f.Body)
			if err != nil || len(rest) != 0 {
				return nil, ErrMalformed
			}
			m.val = v
		case fieldAction:
			if len(f.Body) != 1 {
				return nil, ErrMalformed
			}
			m.action = f.Body[0]
		case fieldUpstream:
			m.upstream = true
		case fieldRemove:
			if len(f.Body) == 0 {
				return nil, ErrMalformed
			}
			m.removed = append(m.removed, string(f.Body))
		case fieldID, fieldNonce, fieldSource, fieldDest, fieldTime, fieldInstance, fieldMap, fieldIndex, fieldFrom:
			x, ok := protocol.ParseUint64(f.Body)
			if !ok {
				return nil, ErrMalformed
			}
			switch f.Lit {
			case fieldID:
				m.id = x
			case fieldNonce:
				m.nonce = x
			case fieldSource:
				m.srcs = append(m.srcs, x)
			case fieldDest:
				m.dst = x
			case fieldTime:
				m.time = timetag.FromUint64(x)
			case fieldInstance:
				m.inst = x
			case fieldMap:
				m.mapID = x
			case fieldIndex:
				m.index = int(x)
			case fieldFrom:
				m.from = x
			}
		default:
			return nil, ErrMalformed
		}
		m.set(f.Lit)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *message) validate() error {
	need := func(fs ...byte) error {
		for _, f := range fs {
			if !m.has[f] {
				return ErrMalformed
			}
		}
		return nil
	}
	if err := need(fieldOrigin); err != nil {
		return err
	}
	switch m.kind {
	case kindProbe:
		if m.name == "" {
			return ErrMalformed
		}
		return need(fieldNonce)
	case kindDevice, kindSignal, kindModify, kindRemove:
		if m.id == 0 || (len(m.removed) > 0 && m.kind != kindModify) {
			return ErrMalformed
		}
		return need(fieldID)
	case kindMap, kindRequest:
		if len(m.srcs) == 0 || m.dst == 0 {
			return ErrMalformed
		}
		if m.kind == kindMap && m.id == 0 {
			return ErrMalformed
		}
		if m.kind == kindRequest {
			switch m.action {
			case actionCreate, actionModify, actionRelease:
			default:
				return ErrMalformed
			}
		}
		return nil
	case kindUpdate:
		if m.val.IsNil() {
			return ErrMalformed
		}
		return need(fieldID, fieldInstance, fieldTime, fieldFrom)
	case kindRelease:
		return need(fieldID, fieldInstance, fieldTime, fieldFrom)
	case kindAck:
		return need(fieldID, fieldInstance, fieldTime)
	}
	return ErrMalformed
}

// kindLabel names a record kind for metrics.
func kindLabel(kind byte) string {
	switch kind {
	case kindProbe:
		return "probe"
	case kindDevice:
		return "device"
	case kindSignal:
		return "signal"
	case kindMap:
		return "map"
	case kindRequest:
		return "request"
	case kindRemove:
		return "remove"
	case kindUpdate:
		return "update"
	case kindRelease:
		return "release"
	case kindAck:
		return "ack"
	case kindModify:
		return "modify"
	}
	return "unknown"
}
