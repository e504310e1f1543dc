package protocol

import "encoding/binary"

// Records is a batch of whole records.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

// Field is one sub-record of a message body.
type Field struct {
	Lit  byte
	Body []byte
}

// Fields splits a body into its sub-records, failing on any malformed
// or truncated one.
func Fields(body []byte) (fields []Field, err error) {
	for len(body) > 0 {
		var f Field
		if f.Lit, f.Body, body, err = TakeAnyWary(body); err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return
}

// Uint64 is a fixed little-endian uint64 record body.
func Uint64(x uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, x)
}

// ParseUint64 reads a body written by Uint64.
func ParseUint64(body []byte) (uint64, bool) {
	if len(body) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(body), true
}
