// Package codecio presents an in-memory, reference-counted byte buffer as a
// random-access input stream to the native codec library, avoiding a disk
// round trip for every video fetched from the store.
package codecio

/*
#cgo pkg-config: libavformat libavutil
#include <stdint.h>
#include <libavformat/avio.h>
#include <libavutil/error.h>
#include <libavutil/mem.h>

extern int frametapReadPacket(void *opaque, uint8_t *buf, int bufSize);
extern int64_t frametapSeek(void *opaque, int64_t offset, int whence);

static AVIOContext *frametap_avio_open(void *opaque, unsigned char *scratch, int scratchSize) {
	return avio_alloc_context(scratch, scratchSize, 0, opaque,
		frametapReadPacket, NULL, frametapSeek);
}

static int frametap_averror_eof(void) {
	return AVERROR_EOF;
}
*/
import "C"

import (
	"runtime/cgo"
	"sync"
	"sync/atomic"
	"unsafe"
)

// scratchBufferSize is the size of the AVIOContext's internal read buffer.
// The library may grow or replace it internally; Close frees whatever
// buffer the context holds at close time, not necessarily this one.
const scratchBufferSize = 4096

const avseekSize = 0x10000  // AVSEEK_SIZE, the size-query whence value
const avseekForce = 0x20000 // AVSEEK_FORCE, may be OR'd into whence by the caller

// averrorEOF is AVERROR_EOF, which is -MKTAG('E','O','F',' '), not -1.
// Returning a plain -1 from the read callback makes libavformat set
// s->error instead of s->eof_reached, turning a clean end-of-stream into
// an I/O error during avformat_find_stream_info/av_read_frame.
var averrorEOF = int(C.frametap_averror_eof())

// Buffer is a reference-counted byte slice shared between a Session and any
// Adapters bound to it. The wrapped bytes must outlive every Adapter built
// over them; Release drops the reference held by one holder.
type Buffer struct {
	data []byte
	refs int32
}

// NewBuffer wraps data with an initial reference count of one, held by the
// caller.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data, refs: 1}
}

// Retain increments the reference count. Call once per additional holder
// before handing the Buffer to it.
func (b *Buffer) Retain() {
	atomic.AddInt32(&b.refs, 1)
}

// Release decrements the reference count. The releaser that brings it to
// zero drops the backing slice so the garbage collector can reclaim it;
// further use of the Buffer after that is a bug in the caller.
func (b *Buffer) Release() {
	if atomic.AddInt32(&b.refs, -1) == 0 {
		b.data = nil
	}
}

// Bytes returns the wrapped slice. Callers must hold a reference for the
// duration of use.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Adapter presents a Buffer as a random-access AVIOContext-backed stream.
// One Adapter serves exactly one demuxer: demuxer state is single-shot, so
// a seek that needs to re-demux requires a fresh Adapter.
type Adapter struct {
	buf     *Buffer
	pos     int64
	handle  cgo.Handle
	avio    *C.AVIOContext
	closeMu sync.Mutex
	closed  bool
}

// New constructs an Adapter over buf, retaining a reference to it for the
// Adapter's lifetime. Callers must call Close exactly once when done.
func New(buf *Buffer) *Adapter {
	buf.Retain()
	a := &Adapter{buf: buf}
	a.handle = cgo.NewHandle(a)

	scratch := (*C.uchar)(C.av_malloc(C.size_t(scratchBufferSize)))
	a.avio = C.frametap_avio_open(unsafe.Pointer(a.handle), scratch, C.int(scratchBufferSize))
	return a
}

// AVIOContext returns the underlying context for binding to an
// AVFormatContext's pb field. Valid until Close.
func (a *Adapter) AVIOContext() *C.AVIOContext {
	return a.avio
}

// Close releases the library-allocated scratch buffer and AVIOContext
// exactly once, and releases the Adapter's reference on the underlying
// Buffer. Safe to call more than once; only the first call has effect.
func (a *Adapter) Close() {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return
	}
	a.closed = true

	if a.avio != nil {
		C.av_freep(unsafe.Pointer(&a.avio.buffer))
		C.avio_context_free(&a.avio)
	}
	a.handle.Delete()
	a.buf.Release()
}

func (a *Adapter) read(dst []byte) int {
	data := a.buf.Bytes()
	if a.pos >= int64(len(data)) {
		return averrorEOF
	}
	n := copy(dst, data[a.pos:])
	a.pos += int64(n)
	return n
}

func (a *Adapter) seek(offset int64, whence int) int64 {
	data := a.buf.Bytes()

	switch whence &^ avseekForce {
	case avseekSize:
		return int64(len(data))
	case 0: // absolute
	case 1: // relative
		offset += a.pos
	case 2: // from-end
		offset += int64(len(data))
	default:
		return -1
	}

	if offset < 0 || offset > int64(len(data)) {
		return -1
	}
	a.pos = offset
	return a.pos
}

//export frametapReadPacket
func frametapReadPacket(opaque unsafe.Pointer, buf *C.uint8_t, bufSize C.int) C.int {
	a := cgo.Handle(uintptr(opaque)).Value().(*Adapter)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(bufSize))
	return C.int(a.read(dst))
}

//export frametapSeek
func frametapSeek(opaque unsafe.Pointer, offset C.int64_t, whence C.int) C.int64_t {
	a := cgo.Handle(uintptr(opaque)).Value().(*Adapter)
	return C.int64_t(a.seek(int64(offset), int(whence)))
}
