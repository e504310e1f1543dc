// Package protocol is the TLV framing every mapper message travels in.
//
// A record is a header and a body. The header is either two bytes, a
// lowercase letter and a one-byte length, for bodies up to 255 bytes, or
// five bytes, an uppercase letter and a little-endian uint32 length. A
// single ASCII digit '0'..'9' is a "tiny" header for a body of that many
// bytes whose letter is not preserved. Letters are A..Z; records nest, so
// a message body is usually a run of smaller records.
//
//	msg := Record('U', Record('R', id), Record('V', val))
//	lit, body, rest := TakeAny(msg)
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("incomplete data")
	ErrBadRecord  = errors.New("bad TLV record format")
)

// ProbeHeader reads a header. lit is the record letter, '0' for tiny
// records, '-' for garbage and 0 when more bytes are needed.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	b := data[0]
	switch {
	case b >= '0' && b <= '9':
		return '0', 1, int(b - '0')
	case b >= 'a' && b <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return b - CaseBit, 2, int(data[1])
	case b >= 'A' && b <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		l := binary.LittleEndian.Uint32(data[1:5])
		if l > 0x7fffffff {
			return '-', 0, 0
		}
		return b, 5, int(l)
	}
	return '-', 0, 0
}

// Split cuts whole records off the front of data. A trailing partial
// record stays in data and is reported as ErrIncomplete.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		lit, hlen, blen := ProbeHeader(data.Bytes())
		switch {
		case lit == '-':
			if len(recs) == 0 {
				err = ErrBadRecord
			}
			return
		case lit == 0:
			return
		case hlen+blen > data.Len():
			return recs, errors.Join(ErrIncomplete, fmt.Errorf("need %d bytes, have %d", hlen+blen, data.Len()))
		}
		rec := make([]byte, hlen+blen)
		if _, err = data.Read(rec); err != nil {
			return
		}
		recs = append(recs, rec)
	}
	return
}

// AppendHeader appends a header for a body of bodylen bytes. A lowercase
// lit allows the tiny form.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	upper := lit &^ CaseBit
	if upper < 'A' || upper > 'Z' {
		panic("TLV record letters are A..Z")
	}
	switch {
	case bodylen < 10 && lit&CaseBit != 0:
		return append(into, byte('0'+bodylen))
	case bodylen > 0xff:
		if bodylen > 0x7fffffff {
			panic("oversized TLV record")
		}
		into = append(into, upper)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	}
	return append(into, upper|CaseBit, byte(bodylen))
}

// Take reads one record of the given letter. On a short buffer body is
// nil and rest is data; on a letter mismatch both are nil.
func Take(lit byte, data []byte) (body, rest []byte) {
	flit, hlen, blen := ProbeHeader(data)
	if flit == 0 || hlen+blen > len(data) {
		return nil, data
	}
	if flit != lit && flit != '0' {
		return nil, nil
	}
	return data[hlen : hlen+blen], data[hlen+blen:]
}

// TakeAny reads one record of any letter.
func TakeAny(data []byte) (lit byte, body, rest []byte) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	lit = Lit(data)
	body, rest = Take(lit, data)
	return
}

// TakeWary is Take for untrusted input.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hlen, blen := ProbeHeader(data)
	if flit == 0 || hlen+blen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit == '-' || (flit != lit && flit != '0') {
		return nil, nil, ErrBadRecord
	}
	return data[hlen : hlen+blen], data[hlen+blen:], nil
}

// TakeAnyWary is TakeAny for untrusted input.
func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	lit = Lit(data)
	if lit == '-' {
		return 0, nil, nil, ErrBadRecord
	}
	body, rest, err = TakeWary(lit, data)
	return
}

// Lit is the canonical letter of a record.
func Lit(rec []byte) byte {
	b := rec[0]
	switch {
	case b >= 'a' && b <= 'z':
		return b - CaseBit
	case b >= 'A' && b <= 'Z':
		return b
	case b >= '0' && b <= '9':
		return '0'
	}
	return '-'
}

func totalLen(parts [][]byte) (n int) {
	for _, p := range parts {
		n += len(p)
	}
	return
}

// Append appends a record built from the concatenated body parts.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = AppendHeader(into, lit, totalLen(body))
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

// Record builds a standalone record.
func Record(lit byte, body ...[]byte) []byte {
	return Append(make([]byte, 0, totalLen(body)+5), lit, body...)
}

// Concat joins byte slices into one allocation.
func Concat(parts ...[]byte) []byte {
	out := make([]byte, 0, totalLen(parts))
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// OpenHeader starts a record whose length is filled in by CloseHeader.
func OpenHeader(buf []byte, lit byte) (bookmark int, res []byte) {
	lit &^= CaseBit
	if lit < 'A' || lit > 'Z' {
		panic("TLV record letters are A..Z")
	}
	res = append(buf, lit, 0, 0, 0, 0)
	return len(res), res
}

// CloseHeader writes the body length of a record opened at bookmark.
func CloseHeader(buf []byte, bookmark int) {
	if bookmark < 5 || len(buf) < bookmark {
		panic("CloseHeader without OpenHeader")
	}
	binary.LittleEndian.PutUint32(buf[bookmark-4:bookmark], uint32(len(buf)-bookmark))
}
