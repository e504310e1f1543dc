package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendFormats(t *testing.T) {
	buf := Append(nil, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	assert.Equal(t, []byte{'a', 1, 'A', '2', 'B', 'B'}, buf)

	long := bytes.Repeat([]byte{'c'}, 256)
	rec := Record('C', long)
	assert.Equal(t, byte('C'), rec[0])
	assert.Equal(t, 5+256, len(rec))

	lit, body, rest, err := TakeAnyWary(buf)
	require.NoError(t, err)
	assert.Equal(t, byte('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body, _, err = TakeWary('B', rest)
	require.NoError(t, err)
	assert.Equal(t, []byte{'B', 'B'}, body)
}

func TestOpenCloseHeader(t *testing.T) {
	mark, buf := OpenHeader(nil, 'm')
	buf = append(buf, "payload"...)
	CloseHeader(buf, mark)
	lit, body, rest, err := TakeAnyWary(buf)
	require.NoError(t, err)
	assert.Equal(t, byte('M'), lit)
	assert.Equal(t, "payload", string(body))
	assert.Empty(t, rest)
}

func TestSplitKeepsPartialTail(t *testing.T) {
	whole := Concat(Record('X', []byte("one")), Record('Y', []byte("two")))
	var buf bytes.Buffer
	buf.Write(whole)
	buf.Write(Record('Z', []byte("three"))[:3])

	recs, err := Split(&buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	require.Len(t, recs, 2)
	assert.Equal(t, byte('Y'), Lit(recs[1]))
	assert.Equal(t, 3, buf.Len())
}

func TestFields(t *testing.T) {
	body := Concat(Record('I', Uint64(77)), Record('S', []byte("name")))
	fields, err := Fields(body)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	id, ok := ParseUint64(fields[0].Body)
	assert.True(t, ok)
	assert.Equal(t, uint64(77), id)
	assert.Equal(t, byte('S'), fields[1].Lit)

	_, err = Fields(body[:len(body)-1])
	assert.Error(t, err)
	_, err = Fields([]byte{0xff, 1, 2})
	assert.ErrorIs(t, err, ErrBadRecord)
}
