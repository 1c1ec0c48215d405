package indexer

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReadCloser struct {
	data string
	err  error
	read bool
}

func (f *failingReadCloser) Read(p []byte) (int, error) {
	if !f.read && f.data != "" {
		f.read = true
		return copy(p, f.data), nil
	}
	return 0, f.err
}

func (f *failingReadCloser) Close() error { return nil }

func TestBufferContent(t *testing.T) {
	data, err := BufferContent(&Buffered{Data: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	data, err = BufferContent(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	data, err = BufferContent(&Streamed{
		Reader: io.NopCloser(strings.NewReader("streamed bytes")),
		Size:   14,
	})
	require.NoError(t, err)
	assert.Equal(t, "streamed bytes", string(data))
}

func TestBufferContentSurfacesStreamError(t *testing.T) {
	streamErr := errors.New("fetch blew up")
	_, err := BufferContent(&Streamed{Reader: &failingReadCloser{data: "partial", err: streamErr}})
	assert.ErrorIs(t, err, streamErr)
}

func TestContentLen(t *testing.T) {
	assert.Equal(t, int64(5), Len(&Buffered{Data: []byte("hello")}))
	assert.Equal(t, int64(99), Len(&Streamed{Size: 99}))
	assert.Zero(t, Len(nil))
}
