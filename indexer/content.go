package indexer

import "io"

// Content is the result of a section selection: either bytes already in
// memory or a stream with a declared length. The two implementations are
// *Buffered and *Streamed; callers switch on the concrete type or hand the
// value to BufferContent.
type Content interface {
	content()
}

// Buffered holds a selection result that was produced synchronously.
// A missing or unresolvable section is a Buffered result with no data.
type Buffered struct {
	Data []byte
}

func (*Buffered) content() {}

// Streamed is a lazily produced selection result. Size is the exact number
// of bytes the stream emits on success, known before the first read. The
// reader must be closed; closing early aborts the producing walk.
type Streamed struct {
	Reader io.ReadCloser
	Size   int64
}

func (*Streamed) content() {}

// Len returns the declared or actual byte length of the content.
func Len(c Content) int64 {
	switch v := c.(type) {
	case *Buffered:
		return int64(len(v.Data))
	case *Streamed:
		return v.Size
	default:
		return 0
	}
}

// BufferContent collapses either content shape into one in-memory buffer,
// consuming and closing the stream in the streamed case. A stream error
// surfaces as the returned error; buffered results never fail.
func BufferContent(c Content) ([]byte, error) {
	switch v := c.(type) {
	case nil:
		return nil, nil
	case *Buffered:
		return v.Data, nil
	case *Streamed:
		defer v.Reader.Close()
		return io.ReadAll(v.Reader)
	default:
		return nil, nil
	}
}
