package codec

/*
#include <libavformat/avformat.h>
#include <libavcodec/avcodec.h>
#include <libavutil/opt.h>
#include <libswscale/swscale.h>
*/
import "C"

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/zsiec/frametap/codecio"
)

// OffsetEntry is one entry of a Frame-Offset Index: a packet's byte
// position in the re-encoded elementary stream and the position of the
// keyframe packet that starts its group of pictures.
type OffsetEntry struct {
	Offset     uint64
	IrapOffset uint64
}

// Transcode decodes the first video track found in buf's container,
// regardless of its source codec, and re-encodes it to an H.265 Annex B
// elementary stream written to out. It is the "re-encoded H.265 file" step
// of the offline offset indexer; ExtractOffsets walks the resulting bytes
// separately.
func Transcode(buf *codecio.Buffer, out io.Writer) error {
	initOnce.Do(initLibrary)

	adapter := codecio.New(buf)
	defer adapter.Close()

	formatCtx := C.avformat_alloc_context()
	if formatCtx == nil {
		return fmt.Errorf("codec: avformat_alloc_context failed")
	}
	formatCtx.pb = adapter.AVIOContext()

	if ret := C.avformat_open_input(&formatCtx, nil, nil, nil); ret < 0 {
		return fmt.Errorf("codec: avformat_open_input: %w", avError(ret))
	}
	defer C.avformat_close_input(&formatCtx)

	if ret := C.avformat_find_stream_info(formatCtx, nil); ret < 0 {
		return fmt.Errorf("codec: avformat_find_stream_info: %w", avError(ret))
	}

	streamIdx := int(C.av_find_best_stream(formatCtx, C.AVMEDIA_TYPE_VIDEO, -1, -1, nil, 0))
	if streamIdx < 0 {
		return ErrNoVideoStream
	}
	streams := unsafe.Slice(formatCtx.streams, formatCtx.nb_streams)
	stream := streams[streamIdx]

	srcDecoder := C.avcodec_find_decoder(stream.codecpar.codec_id)
	if srcDecoder == nil {
		return fmt.Errorf("codec: no decoder for source codec")
	}
	srcCtx := C.avcodec_alloc_context3(srcDecoder)
	defer C.avcodec_free_context(&srcCtx)
	if ret := C.avcodec_parameters_to_context(srcCtx, stream.codecpar); ret < 0 {
		return fmt.Errorf("codec: avcodec_parameters_to_context: %w", avError(ret))
	}
	if ret := C.avcodec_open2(srcCtx, srcDecoder, nil); ret < 0 {
		return fmt.Errorf("codec: avcodec_open2 (source): %w", avError(ret))
	}

	width, height := int(srcCtx.width), int(srcCtx.height)

	encoder := C.avcodec_find_encoder_by_name(C.CString("libx265"))
	if encoder == nil {
		encoder = C.avcodec_find_encoder(C.AV_CODEC_ID_HEVC)
	}
	if encoder == nil {
		return fmt.Errorf("codec: no H.265 encoder available")
	}
	encCtx := C.avcodec_alloc_context3(encoder)
	defer C.avcodec_free_context(&encCtx)
	encCtx.width = C.int(width)
	encCtx.height = C.int(height)
	encCtx.pix_fmt = C.AV_PIX_FMT_YUV420P
	encCtx.time_base = C.AVRational{num: 1, den: 30}
	encCtx.gop_size = 48
	encCtx.max_b_frames = 0

	if ret := C.avcodec_open2(encCtx, encoder, nil); ret < 0 {
		return fmt.Errorf("codec: avcodec_open2 (encoder): %w", avError(ret))
	}

	var swsCtx *C.struct_SwsContext
	defer func() {
		if swsCtx != nil {
			C.sws_freeContext(swsCtx)
		}
	}()

	scaled := C.av_frame_alloc()
	defer C.av_frame_free(&scaled)
	scaled.format = C.AV_PIX_FMT_YUV420P
	scaled.width = C.int(width)
	scaled.height = C.int(height)
	if ret := C.av_frame_get_buffer(scaled, 32); ret < 0 {
		return fmt.Errorf("codec: av_frame_get_buffer: %w", avError(ret))
	}

	pkt := C.av_packet_alloc()
	defer C.av_packet_free(&pkt)
	srcFrame := C.av_frame_alloc()
	defer C.av_frame_free(&srcFrame)
	outPkt := C.av_packet_alloc()
	defer C.av_packet_free(&outPkt)

	writeEncoded := func(flush bool) error {
		for {
			ret := C.avcodec_receive_packet(encCtx, outPkt)
			if ret == C.AVERROR(C.EAGAIN) || ret == C.AVERROR_EOF {
				return nil
			}
			if ret < 0 {
				return fmt.Errorf("%w: avcodec_receive_packet: %v", ErrDecodeFailed, avError(ret))
			}
			data := C.GoBytes(unsafe.Pointer(outPkt.data), outPkt.size)
			if _, err := out.Write(data); err != nil {
				C.av_packet_unref(outPkt)
				return fmt.Errorf("codec: write encoded packet: %w", err)
			}
			C.av_packet_unref(outPkt)
			if flush {
				continue
			}
			return nil
		}
	}

	encodeFrame := func(frame *C.AVFrame) error {
		if ret := C.avcodec_send_frame(encCtx, frame); ret < 0 {
			return fmt.Errorf("%w: avcodec_send_frame: %v", ErrDecodeFailed, avError(ret))
		}
		return writeEncoded(false)
	}

	for {
		ret := C.av_read_frame(formatCtx, pkt)
		if ret < 0 {
			break
		}
		if int(pkt.stream_index) != streamIdx {
			C.av_packet_unref(pkt)
			continue
		}

		sendRet := C.avcodec_send_packet(srcCtx, pkt)
		C.av_packet_unref(pkt)
		if sendRet < 0 && sendRet != C.AVERROR(C.EAGAIN) {
			return fmt.Errorf("%w: %v", ErrDecodeFailed, avError(sendRet))
		}

		for {
			recvRet := C.avcodec_receive_frame(srcCtx, srcFrame)
			if recvRet == C.AVERROR(C.EAGAIN) || recvRet == C.AVERROR_EOF {
				break
			}
			if recvRet < 0 {
				return fmt.Errorf("%w: %v", ErrDecodeFailed, avError(recvRet))
			}

			if swsCtx == nil {
				swsCtx = C.sws_getContext(
					C.int(width), C.int(height), int32(srcFrame.format),
					C.int(width), C.int(height), C.AV_PIX_FMT_YUV420P,
					C.SWS_BILINEAR, nil, nil, nil,
				)
				if swsCtx == nil {
					return fmt.Errorf("%w: sws_getContext failed", ErrDecodeFailed)
				}
			}
			if ret := C.sws_scale(
				swsCtx,
				(**C.uint8_t)(unsafe.Pointer(&srcFrame.data[0])), (*C.int)(unsafe.Pointer(&srcFrame.linesize[0])),
				0, C.int(height),
				(**C.uint8_t)(unsafe.Pointer(&scaled.data[0])), (*C.int)(unsafe.Pointer(&scaled.linesize[0])),
			); ret < 0 {
				C.av_frame_unref(srcFrame)
				return fmt.Errorf("%w: sws_scale failed", ErrDecodeFailed)
			}
			scaled.pts = srcFrame.pts
			if err := encodeFrame(scaled); err != nil {
				C.av_frame_unref(srcFrame)
				return err
			}
			C.av_frame_unref(srcFrame)
		}
	}

	if ret := C.avcodec_send_frame(encCtx, nil); ret < 0 {
		return fmt.Errorf("%w: flush avcodec_send_frame: %v", ErrDecodeFailed, avError(ret))
	}
	return writeEncoded(true)
}

// ExtractOffsets walks the video-track packets of the elementary stream in
// buf in stored order and applies the running-irap-offset algorithm: a
// keyframe packet resets current_irap_offset to its own position; every
// other packet inherits it. Packets before the first keyframe, and packets
// with unknown (negative) position, are skipped without emitting and
// without affecting the running offset.
func ExtractOffsets(buf *codecio.Buffer) ([]OffsetEntry, error) {
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

	pkt := C.av_packet_alloc()
	defer C.av_packet_free(&pkt)

	var entries []OffsetEntry
	var currentIrap uint64
	haveIrap := false

	for {
		ret := C.av_read_frame(formatCtx, pkt)
		if ret < 0 {
			break
		}
		if int(pkt.stream_index) != streamIdx {
			C.av_packet_unref(pkt)
			continue
		}
		pos := int64(pkt.pos)
		if pos < 0 {
			C.av_packet_unref(pkt)
			continue
		}
		isKey := pkt.flags&C.AV_PKT_FLAG_KEY != 0
		if isKey {
			currentIrap = uint64(pos)
			haveIrap = true
		}
		if !haveIrap {
			C.av_packet_unref(pkt)
			continue
		}
		entries = append(entries, OffsetEntry{Offset: uint64(pos), IrapOffset: currentIrap})
		C.av_packet_unref(pkt)
	}

	return entries, nil
}
