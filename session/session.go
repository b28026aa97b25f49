package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/frametap/codec"
	"github.com/zsiec/frametap/codecio"
	"github.com/zsiec/frametap/jpegenc"
	"github.com/zsiec/frametap/storage"
)

// Stats is a point-in-time snapshot of a Session's delivery counters.
type Stats struct {
	FramesRequested  int64
	FramesServed     int64
	FramesFailed     int64
	BytesEncoded     int64
	LastFrameLatency time.Duration
	RebindCount      int64
}

type counters struct {
	framesRequested  atomic.Int64
	framesServed     atomic.Int64
	framesFailed     atomic.Int64
	bytesEncoded     atomic.Int64
	lastFrameLatency atomic.Int64
	rebindCount      atomic.Int64
}

// Reply is one outbound unit produced by the Session: a text frame, and for
// successful frame extractions a binary JPEG payload that must be sent
// immediately after it. The pair is never interleaved with another
// request's reply.
type Reply struct {
	Text   []byte
	Binary []byte
}

// decoderEngine is the subset of *codec.Decoder a Session depends on.
// Factored out so tests can substitute a fake without invoking the cgo
// decode path.
type decoderEngine interface {
	DecodeAtOffset(buf *codecio.Buffer, irapOffset, targetOffset int64) (codec.Frame, error)
	StreamInfo() codec.StreamInfo
	Close()
}

// Session holds all per-connection state: the bound video reference (if
// any), the fetched video bytes, a decoder constructed over those bytes
// during SetVideo, an always-live encoder, and a FIFO of pending frame
// requests. It exclusively owns the decoder, encoder, video-bytes buffer,
// and queue; nothing outside the Session mutates them.
type Session struct {
	store storage.Store
	log   *slog.Logger

	quality    int
	encoder    *jpegenc.Encoder
	newDecoder func(*codecio.Buffer) (decoderEngine, error)
	decoder    decoderEngine
	videoBuf   *codecio.Buffer
	path       string
	bound      bool
	queue      []FrameRequest

	stats counters
}

// New constructs an unbound Session against the given store, with an
// encoder pre-configured at quality (clamped to [1, 100]).
func New(store storage.Store, quality int) *Session {
	return &Session{
		store:   store,
		log:     slog.With("component", "session"),
		quality: quality,
		encoder: jpegenc.New(quality),
		newDecoder: func(buf *codecio.Buffer) (decoderEngine, error) {
			return codec.New(buf)
		},
	}
}

// Stats returns a snapshot of the session's delivery counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesRequested:  s.stats.framesRequested.Load(),
		FramesServed:     s.stats.framesServed.Load(),
		FramesFailed:     s.stats.framesFailed.Load(),
		BytesEncoded:     s.stats.bytesEncoded.Load(),
		LastFrameLatency: time.Duration(s.stats.lastFrameLatency.Load()),
		RebindCount:      s.stats.rebindCount.Load(),
	}
}

// Close releases the session's decoder and video-bytes reference. Call
// once when the connection closes.
func (s *Session) Close() {
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}
	if s.videoBuf != nil {
		s.videoBuf.Release()
		s.videoBuf = nil
	}
}

// HandleSetVideo processes an inbound SetVideo message. On success it
// rebinds the session to the fetched bytes, constructs a fresh decoder over
// them, replacing any prior binding and discarding queued frame requests,
// and moves the session to Bound. A file that exists but carries no H.265
// track fails decoder construction (NoVideoStream) and is reported the same
// as NotFound: VideoSet{ok:false}, and the session remains (or becomes)
// Unbound.
func (s *Session) HandleSetVideo(ctx context.Context, msg *SetVideo) (Reply, error) {
	s.queue = nil

	exists, err := s.store.Exists(ctx, msg.Path)
	if err != nil {
		return replyError(err)
	}
	if !exists {
		return replyVideoSet(msg.Path, false)
	}

	data, err := s.store.FetchAll(ctx, msg.Path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return replyVideoSet(msg.Path, false)
		}
		return replyError(err)
	}

	s.rebind(data, msg.Path)

	decoder, err := s.newDecoder(s.videoBuf)
	if err != nil {
		s.unbind()
		return replyVideoSet(msg.Path, false)
	}
	s.decoder = decoder

	info := decoder.StreamInfo()
	s.log.Info("video bound",
		"path", msg.Path,
		"width", info.Width,
		"height", info.Height,
		"codec", info.CodecString,
	)

	return replyVideoSet(msg.Path, true)
}

func replyVideoSet(path string, ok bool) (Reply, error) {
	text, err := MarshalVideoSet(VideoSet{Path: path, OK: ok})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: text}, nil
}

// replyError reports a backend/transport failure (spec §7's Io kind) as a
// session-level Error, distinct from VideoSet{ok:false} which is reserved
// for NotFound and NoVideoStream.
func replyError(cause error) (Reply, error) {
	text, err := MarshalError(ErrorMessage{Message: cause.Error()})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: text}, nil
}

// rebind discards any existing decoder and video-bytes buffer and adopts
// data as the session's new video bytes. The caller constructs the decoder
// over the new buffer immediately after.
func (s *Session) rebind(data []byte, path string) {
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}
	if s.videoBuf != nil {
		s.videoBuf.Release()
	}

	s.videoBuf = codecio.NewBuffer(data)
	s.path = path
	s.bound = true
	s.stats.rebindCount.Add(1)
}

// unbind releases the session's fetched video bytes and returns it to the
// Unbound state. Used when decoder construction in HandleSetVideo fails
// (NoVideoStream), so a subsequent RequestFrames correctly reports "No
// video set" instead of decoding against an unusable buffer.
func (s *Session) unbind() {
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}
	if s.videoBuf != nil {
		s.videoBuf.Release()
		s.videoBuf = nil
	}
	s.bound = false
	s.path = ""
}

// HandleRequestFrames processes an inbound RequestFrames message. In
// Unbound state it replies with a session-level Error and enqueues
// nothing. In Bound state it appends all entries to the FIFO, then drains
// it entirely, returning one Reply per request in request order.
func (s *Session) HandleRequestFrames(msg *RequestFrames) ([]Reply, error) {
	if !s.bound {
		text, err := MarshalError(ErrorMessage{Message: "No video set"})
		if err != nil {
			return nil, err
		}
		return []Reply{{Text: text}}, nil
	}

	s.queue = append(s.queue, msg.Frames...)
	return s.drain()
}

func (s *Session) drain() ([]Reply, error) {
	replies := make([]Reply, 0, len(s.queue))
	for _, req := range s.queue {
		s.stats.framesRequested.Add(1)
		reply, err := s.decodeAndEncode(req)
		if err != nil {
			return nil, err
		}
		replies = append(replies, reply)
	}
	s.queue = s.queue[:0]
	return replies, nil
}

// decodeAndEncode runs the decode+encode pair for a single frame request
// synchronously. Decode and encode failures are reported as a FrameError
// reply, not a returned error; only reply serialization failures return an
// error, since those indicate a bug rather than a decode failure.
func (s *Session) decodeAndEncode(req FrameRequest) (Reply, error) {
	start := time.Now()

	frame, err := s.decoder.DecodeAtOffset(s.videoBuf, int64(req.IrapOffset), int64(req.Offset))
	if err != nil {
		return s.frameFailure(req, err)
	}

	jpegBytes, err := s.encoder.Encode(frame)
	if err != nil {
		return s.frameFailure(req, err)
	}

	s.stats.framesServed.Add(1)
	s.stats.bytesEncoded.Add(int64(len(jpegBytes)))
	s.stats.lastFrameLatency.Store(int64(time.Since(start)))

	text, err := MarshalFrameMeta(FrameMeta{Index: req.Index, Offset: req.Offset, Size: uint32(len(jpegBytes))})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: text, Binary: jpegBytes}, nil
}

func (s *Session) frameFailure(req FrameRequest, cause error) (Reply, error) {
	s.stats.framesFailed.Add(1)
	text, err := MarshalFrameError(FrameError{Index: req.Index, Offset: req.Offset, Error: cause.Error()})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: text}, nil
}
