// Package codec implements the Decoder Engine: it demuxes a container,
// opens one H.265 decoder per video, and performs random-access
// seek-flush-decode-forward to a target byte offset, emitting planar 4:2:0
// frames. It also exposes the shared HEVC encode path used by the offline
// offset indexer.
package codec

/*
#cgo pkg-config: libavformat libavcodec libavutil libswscale
#include <stdlib.h>
#include <libavformat/avformat.h>
#include <libavcodec/avcodec.h>
#include <libavutil/imgutils.h>
#include <libswscale/swscale.h>
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/zsiec/frametap/codecio"
	"github.com/zsiec/frametap/hevc"
)

// Sentinel errors surfaced by decode_at_offset and construction, matched by
// callers with errors.Is.
var (
	ErrDecodeFailed   = errors.New("codec: decode failed")
	ErrTargetNotFound = errors.New("codec: target offset not found before end of stream")
	ErrNoVideoStream  = errors.New("codec: no H.265 video stream found")
)

var initOnce sync.Once

func initLibrary() {
	// Modern FFmpeg no longer requires av_register_all, but network
	// protocols used by some muxers still need an explicit init call once
	// per process.
	C.avformat_network_init()
}

// Frame is a decoded video picture converted to planar 4:2:0. Y, U, and V
// are separate, tightly packed planes: YStride equals Width and CStride
// equals the chroma plane width, (Width+1)/2.
type Frame struct {
	Width, Height    int
	Y, U, V          []byte
	YStride, CStride int
}

// StreamInfo summarizes the codec parameters of the bound video track,
// populated once at construction for diagnostics.
type StreamInfo struct {
	Width, Height int
	CodecString   string
}

// Decoder holds one open H.265 decoder context bound to a specific set of
// video bytes. It owns its codec state and every Memory I/O Adapter it
// opens over the bytes during decode_at_offset. Not safe for concurrent
// use; each Session owns one.
type Decoder struct {
	buf         *codecio.Buffer
	codecCtx    *C.AVCodecContext
	videoStream int
	width       int
	height      int
	info        StreamInfo

	swsCtx    *C.struct_SwsContext
	swsSrcFmt int32
	scratch   *C.AVFrame
}

// New opens a decoder over buf: locates the first H.265/HEVC video track,
// copies its parameters into a fresh decoder context, and opens it. The
// container context used for probing is closed before New returns; the
// decoder holds no live reference to it.
func New(buf *codecio.Buffer) (*Decoder, error) {
	initOnce.Do(initLibrary)

	adapter := codecio.New(buf)
	defer adapter.Close()

	formatCtx := C.avformat_alloc_context()
	if formatCtx == nil {
		return nil, fmt.Errorf("codec: avformat_alloc_context failed")
	}
	formatCtx.pb = adapter.AVIOContext()

	if ret := C.avformat_open_input(&formatCtx, nil, nil, nil); ret < 0 {
		return nil, fmt.Errorf("codec: avformat_open_input: %w", avError(ret))
	}
	defer C.avformat_close_input(&formatCtx)

	if ret := C.avformat_find_stream_info(formatCtx, nil); ret < 0 {
		return nil, fmt.Errorf("codec: avformat_find_stream_info: %w", avError(ret))
	}

	streamIdx := int(C.av_find_best_stream(formatCtx, C.AVMEDIA_TYPE_VIDEO, -1, -1, nil, 0))
	if streamIdx < 0 {
		return nil, ErrNoVideoStream
	}

	streams := unsafe.Slice(formatCtx.streams, formatCtx.nb_streams)
	stream := streams[streamIdx]
	if stream.codecpar.codec_id != C.AV_CODEC_ID_HEVC {
		return nil, ErrNoVideoStream
	}

	decoderImpl := C.avcodec_find_decoder(stream.codecpar.codec_id)
	if decoderImpl == nil {
		return nil, ErrNoVideoStream
	}

	codecCtx := C.avcodec_alloc_context3(decoderImpl)
	if codecCtx == nil {
		return nil, fmt.Errorf("codec: avcodec_alloc_context3 failed")
	}
	if ret := C.avcodec_parameters_to_context(codecCtx, stream.codecpar); ret < 0 {
		C.avcodec_free_context(&codecCtx)
		return nil, fmt.Errorf("codec: avcodec_parameters_to_context: %w", avError(ret))
	}
	if ret := C.avcodec_open2(codecCtx, decoderImpl, nil); ret < 0 {
		C.avcodec_free_context(&codecCtx)
		return nil, fmt.Errorf("codec: avcodec_open2: %w", avError(ret))
	}

	buf.Retain()
	d := &Decoder{
		buf:         buf,
		codecCtx:    codecCtx,
		videoStream: streamIdx,
		width:       int(codecCtx.width),
		height:      int(codecCtx.height),
	}
	d.info = StreamInfo{Width: d.width, Height: d.height, CodecString: extradataCodecString(stream)}
	return d, nil
}

// extradataCodecString attempts to recover an RFC 6381 codec string from
// the stream's extradata when it carries Annex B parameter sets. Returns
// "" when it cannot, which is not an error: the string is diagnostic only.
func extradataCodecString(stream *C.AVStream) string {
	if stream.codecpar.extradata == nil || stream.codecpar.extradata_size <= 0 {
		return ""
	}
	raw := C.GoBytes(unsafe.Pointer(stream.codecpar.extradata), stream.codecpar.extradata_size)
	for _, nalu := range hevc.ParseAnnexB(raw) {
		if hevc.IsSPS(nalu.Type) {
			info, err := hevc.ParseSPS(nalu.Data)
			if err == nil {
				return info.CodecString()
			}
		}
	}
	return ""
}

// StreamInfo returns the codec parameters recorded at construction.
func (d *Decoder) StreamInfo() StreamInfo {
	return d.info
}

// Close releases the decoder context, cached scaler, and the Decoder's
// reference on the underlying byte buffer.
func (d *Decoder) Close() {
	if d.scratch != nil {
		C.av_frame_free(&d.scratch)
	}
	if d.swsCtx != nil {
		C.sws_freeContext(d.swsCtx)
		d.swsCtx = nil
	}
	if d.codecCtx != nil {
		C.avcodec_free_context(&d.codecCtx)
	}
	d.buf.Release()
}

// DecodeAtOffset performs the seek-flush-decode-forward protocol: re-opens
// a container over bytes via a fresh Memory I/O Adapter, seeks in byte
// mode to irapOffset (falling back to offset 0 on seek failure), flushes
// the decoder's DPB, and reads packets forward until a decoded frame's
// containing packet position is >= targetOffset.
func (d *Decoder) DecodeAtOffset(buf *codecio.Buffer, irapOffset, targetOffset int64) (Frame, error) {
	adapter := codecio.New(buf)
	defer adapter.Close()

	formatCtx := C.avformat_alloc_context()
	if formatCtx == nil {
		return Frame{}, fmt.Errorf("codec: avformat_alloc_context failed")
	}
	formatCtx.pb = adapter.AVIOContext()

	if ret := C.avformat_open_input(&formatCtx, nil, nil, nil); ret < 0 {
		return Frame{}, fmt.Errorf("codec: avformat_open_input: %w", avError(ret))
	}
	defer C.avformat_close_input(&formatCtx)

	if ret := C.avformat_find_stream_info(formatCtx, nil); ret < 0 {
		return Frame{}, fmt.Errorf("codec: avformat_find_stream_info: %w", avError(ret))
	}

	seekTarget := irapOffset
	if ret := C.av_seek_frame(formatCtx, C.int(d.videoStream), C.int64_t(seekTarget), C.AVSEEK_FLAG_BYTE); ret < 0 {
		if ret2 := C.av_seek_frame(formatCtx, C.int(d.videoStream), 0, C.AVSEEK_FLAG_BYTE); ret2 < 0 {
			return Frame{}, fmt.Errorf("codec: seek to 0 fallback: %w", avError(ret2))
		}
	}

	C.avcodec_flush_buffers(d.codecCtx)

	pkt := C.av_packet_alloc()
	defer C.av_packet_free(&pkt)
	frame := C.av_frame_alloc()
	defer C.av_frame_free(&frame)

	lastPacketPos := irapOffset

	for {
		ret := C.av_read_frame(formatCtx, pkt)
		if ret < 0 {
			return d.drainAtEOS(lastPacketPos, targetOffset)
		}

		if int(pkt.stream_index) != d.videoStream {
			C.av_packet_unref(pkt)
			continue
		}

		packetPos := int64(pkt.pos)
		lastPacketPos = packetPos

		sendRet := C.avcodec_send_packet(d.codecCtx, pkt)
		C.av_packet_unref(pkt)
		if sendRet < 0 && sendRet != C.AVERROR(C.EAGAIN) {
			return Frame{}, fmt.Errorf("%w: %v", ErrDecodeFailed, avError(sendRet))
		}

		for {
			recvRet := C.avcodec_receive_frame(d.codecCtx, frame)
			if recvRet == C.AVERROR(C.EAGAIN) {
				break
			}
			if recvRet == C.AVERROR_EOF {
				return Frame{}, ErrTargetNotFound
			}
			if recvRet < 0 {
				return Frame{}, fmt.Errorf("%w: %v", ErrDecodeFailed, avError(recvRet))
			}

			if packetPos >= targetOffset {
				out, err := d.convert(frame)
				C.av_frame_unref(frame)
				return out, err
			}
			C.av_frame_unref(frame)
		}
	}
}

// drainAtEOS flushes the decoder's DPB once av_read_frame reaches the end of
// the stream, since a B-frame reorder delay can hold the frame for the
// target offset in the decoder even after its packet has been read. Frames
// released during the drain are attributed to lastPacketPos, the last
// video packet actually read, since no new packet position accompanies them.
func (d *Decoder) drainAtEOS(lastPacketPos, targetOffset int64) (Frame, error) {
	frame := C.av_frame_alloc()
	defer C.av_frame_free(&frame)

	if ret := C.avcodec_send_packet(d.codecCtx, nil); ret < 0 && ret != C.AVERROR_EOF {
		return Frame{}, fmt.Errorf("%w: %v", ErrDecodeFailed, avError(ret))
	}

	for {
		recvRet := C.avcodec_receive_frame(d.codecCtx, frame)
		if recvRet == C.AVERROR_EOF || recvRet == C.AVERROR(C.EAGAIN) {
			return Frame{}, ErrTargetNotFound
		}
		if recvRet < 0 {
			return Frame{}, fmt.Errorf("%w: %v", ErrDecodeFailed, avError(recvRet))
		}

		if lastPacketPos >= targetOffset {
			out, err := d.convert(frame)
			C.av_frame_unref(frame)
			return out, err
		}
		C.av_frame_unref(frame)
	}
}

// convert scales the decoded frame to planar 4:2:0 at the video's native
// dimensions, building and caching the scaler on first use.
func (d *Decoder) convert(src *C.AVFrame) (Frame, error) {
	if d.swsCtx == nil || d.swsSrcFmt != int32(src.format) {
		if d.swsCtx != nil {
			C.sws_freeContext(d.swsCtx)
		}
		d.swsCtx = C.sws_getContext(
			C.int(d.width), C.int(d.height), int32(src.format),
			C.int(d.width), C.int(d.height), C.AV_PIX_FMT_YUV420P,
			C.SWS_BILINEAR, nil, nil, nil,
		)
		if d.swsCtx == nil {
			return Frame{}, fmt.Errorf("%w: sws_getContext failed", ErrDecodeFailed)
		}
		d.swsSrcFmt = int32(src.format)

		if d.scratch != nil {
			C.av_frame_free(&d.scratch)
		}
		d.scratch = C.av_frame_alloc()
		d.scratch.format = C.AV_PIX_FMT_YUV420P
		d.scratch.width = C.int(d.width)
		d.scratch.height = C.int(d.height)
		if ret := C.av_frame_get_buffer(d.scratch, 32); ret < 0 {
			return Frame{}, fmt.Errorf("%w: av_frame_get_buffer: %v", ErrDecodeFailed, avError(ret))
		}
	}

	ret := C.sws_scale(
		d.swsCtx,
		(**C.uint8_t)(unsafe.Pointer(&src.data[0])), (*C.int)(unsafe.Pointer(&src.linesize[0])),
		0, C.int(d.height),
		(**C.uint8_t)(unsafe.Pointer(&d.scratch.data[0])), (*C.int)(unsafe.Pointer(&d.scratch.linesize[0])),
	)
	if ret < 0 {
		return Frame{}, fmt.Errorf("%w: sws_scale failed", ErrDecodeFailed)
	}

	w, h := d.width, d.height
	cw, ch := (w+1)/2, (h+1)/2
	yStride := int(d.scratch.linesize[0])
	cStride := int(d.scratch.linesize[1])

	yPlane := unsafe.Slice((*byte)(unsafe.Pointer(d.scratch.data[0])), yStride*h)
	uPlane := unsafe.Slice((*byte)(unsafe.Pointer(d.scratch.data[1])), cStride*ch)
	vPlane := unsafe.Slice((*byte)(unsafe.Pointer(d.scratch.data[2])), cStride*ch)

	out := Frame{
		Width: w, Height: h,
		Y:       make([]byte, w*h),
		U:       make([]byte, cw*ch),
		V:       make([]byte, cw*ch),
		YStride: w, CStride: cw,
	}
	for r := 0; r < h; r++ {
		copy(out.Y[r*w:(r+1)*w], yPlane[r*yStride:])
	}
	for r := 0; r < ch; r++ {
		copy(out.U[r*cw:(r+1)*cw], uPlane[r*cStride:])
		copy(out.V[r*cw:(r+1)*cw], vPlane[r*cStride:])
	}
	return out, nil
}

func avError(code C.int) error {
	buf := make([]byte, C.AV_ERROR_MAX_STRING_SIZE)
	C.av_strerror(code, (*C.char)(unsafe.Pointer(&buf[0])), C.AV_ERROR_MAX_STRING_SIZE)
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return fmt.Errorf("averror %d: %s", int(code), string(buf[:n]))
}
