package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/zsiec/frametap/codec"
	"github.com/zsiec/frametap/codecio"
	"github.com/zsiec/frametap/storage"
)

type fakeStore struct {
	data      map[string][]byte
	existsErr error
	fetchErr  error
}

func (f *fakeStore) FetchAll(_ context.Context, url string) ([]byte, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	d, ok := f.data[url]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

func (f *fakeStore) FetchRange(_ context.Context, url string, start, end uint64) ([]byte, error) {
	d, err := f.FetchAll(context.Background(), url)
	if err != nil {
		return nil, err
	}
	return d[start:end], nil
}

func (f *fakeStore) Exists(_ context.Context, url string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.data[url]
	return ok, nil
}

type fakeDecoder struct {
	frame           codec.Frame
	err             error
	info            codec.StreamInfo
	closeCalls      int
	streamInfoCalls int
}

func (d *fakeDecoder) DecodeAtOffset(_ *codecio.Buffer, _, _ int64) (codec.Frame, error) {
	return d.frame, d.err
}

func (d *fakeDecoder) StreamInfo() codec.StreamInfo {
	d.streamInfoCalls++
	return d.info
}

func (d *fakeDecoder) Close() { d.closeCalls++ }

func newTestSession(store *fakeStore) *Session {
	return New(store, 80)
}

func TestHandleSetVideoNotFound(t *testing.T) {
	t.Parallel()
	s := newTestSession(&fakeStore{data: map[string][]byte{}})

	reply, err := s.HandleSetVideo(context.Background(), &SetVideo{Path: "fs:///missing.hevc"})
	if err != nil {
		t.Fatalf("HandleSetVideo: %v", err)
	}
	var vs VideoSet
	mustUnmarshalTagged(t, reply.Text, "VideoSet", &vs)
	if vs.OK {
		t.Error("VideoSet.OK = true, want false for missing path")
	}
	if s.bound {
		t.Error("session bound after failed SetVideo")
	}
}

func TestHandleSetVideoSuccess(t *testing.T) {
	t.Parallel()
	s := newTestSession(&fakeStore{data: map[string][]byte{"fs:///a.hevc": []byte("bytes")}})
	s.newDecoder = func(*codecio.Buffer) (decoderEngine, error) { return &fakeDecoder{}, nil }

	reply, err := s.HandleSetVideo(context.Background(), &SetVideo{Path: "fs:///a.hevc"})
	if err != nil {
		t.Fatalf("HandleSetVideo: %v", err)
	}
	var vs VideoSet
	mustUnmarshalTagged(t, reply.Text, "VideoSet", &vs)
	if !vs.OK {
		t.Error("VideoSet.OK = false, want true")
	}
	if !s.bound {
		t.Error("session not bound after successful SetVideo")
	}
	if s.decoder == nil {
		t.Error("decoder not constructed after successful SetVideo")
	}
	if s.Stats().RebindCount != 1 {
		t.Errorf("RebindCount = %d, want 1", s.Stats().RebindCount)
	}
}

// TestHandleSetVideoLogsStreamInfo covers spec §4.3A: the decoder's
// StreamInfo is read once at bind time for the diagnostic log.
func TestHandleSetVideoLogsStreamInfo(t *testing.T) {
	t.Parallel()
	s := newTestSession(&fakeStore{data: map[string][]byte{"fs:///a.hevc": []byte("bytes")}})
	fd := &fakeDecoder{info: codec.StreamInfo{Width: 1920, Height: 1080, CodecString: "hvc1.1.6.L120.90"}}
	s.newDecoder = func(*codecio.Buffer) (decoderEngine, error) { return fd, nil }

	if _, err := s.HandleSetVideo(context.Background(), &SetVideo{Path: "fs:///a.hevc"}); err != nil {
		t.Fatalf("HandleSetVideo: %v", err)
	}
	if fd.streamInfoCalls != 1 {
		t.Errorf("StreamInfo() calls = %d, want 1", fd.streamInfoCalls)
	}
}

// TestHandleSetVideoIoErrorOnExists covers spec §7's Io kind: a genuine
// backend failure from Exists (not a missing object) must reply Error, not
// VideoSet{ok:false}.
func TestHandleSetVideoIoErrorOnExists(t *testing.T) {
	t.Parallel()
	s := newTestSession(&fakeStore{existsErr: errors.New("connection refused")})

	reply, err := s.HandleSetVideo(context.Background(), &SetVideo{Path: "fs:///a.hevc"})
	if err != nil {
		t.Fatalf("HandleSetVideo: %v", err)
	}
	var em ErrorMessage
	mustUnmarshalTagged(t, reply.Text, "Error", &em)
	if em.Message == "" {
		t.Error("Error.Message empty, want backend failure reason")
	}
}

// TestHandleSetVideoIoErrorOnFetch covers the same Io mapping for a fetch
// failure distinct from the object simply not existing.
func TestHandleSetVideoIoErrorOnFetch(t *testing.T) {
	t.Parallel()
	s := newTestSession(&fakeStore{
		data:     map[string][]byte{"fs:///a.hevc": []byte("bytes")},
		fetchErr: errors.New("timeout reading object"),
	})

	reply, err := s.HandleSetVideo(context.Background(), &SetVideo{Path: "fs:///a.hevc"})
	if err != nil {
		t.Fatalf("HandleSetVideo: %v", err)
	}
	var em ErrorMessage
	mustUnmarshalTagged(t, reply.Text, "Error", &em)
	if em.Message == "" {
		t.Error("Error.Message empty, want backend failure reason")
	}
}

// TestHandleSetVideoFetchNotFoundStillReportsVideoSetFalse covers the
// NotFound/Io boundary from the other side: a FetchAll failure that wraps
// storage.ErrNotFound (e.g. a delete racing the Exists check) still reports
// VideoSet{ok:false}, not Error.
func TestHandleSetVideoFetchNotFoundStillReportsVideoSetFalse(t *testing.T) {
	t.Parallel()
	s := newTestSession(&fakeStore{
		data:     map[string][]byte{"fs:///a.hevc": []byte("bytes")},
		fetchErr: storage.ErrNotFound,
	})

	reply, err := s.HandleSetVideo(context.Background(), &SetVideo{Path: "fs:///a.hevc"})
	if err != nil {
		t.Fatalf("HandleSetVideo: %v", err)
	}
	var vs VideoSet
	mustUnmarshalTagged(t, reply.Text, "VideoSet", &vs)
	if vs.OK {
		t.Error("VideoSet.OK = true, want false for a not-found fetch failure")
	}
}

// TestHandleSetVideoNoVideoStream covers spec §7's NoVideoStream mapping: a
// file that exists and fetches cleanly but carries no H.265 track must fail
// SetVideo itself, not surface as a per-request FrameError later.
func TestHandleSetVideoNoVideoStream(t *testing.T) {
	t.Parallel()
	s := newTestSession(&fakeStore{data: map[string][]byte{"fs:///a.hevc": []byte("bytes")}})
	s.newDecoder = func(*codecio.Buffer) (decoderEngine, error) {
		return nil, errors.New("no h265 stream")
	}

	reply, err := s.HandleSetVideo(context.Background(), &SetVideo{Path: "fs:///a.hevc"})
	if err != nil {
		t.Fatalf("HandleSetVideo: %v", err)
	}
	var vs VideoSet
	mustUnmarshalTagged(t, reply.Text, "VideoSet", &vs)
	if vs.OK {
		t.Error("VideoSet.OK = true, want false when decoder construction fails")
	}
	if s.bound {
		t.Error("session bound after decoder construction failure")
	}
	if s.decoder != nil {
		t.Error("decoder set after construction failure")
	}
}

func TestHandleRequestFramesUnbound(t *testing.T) {
	t.Parallel()
	s := newTestSession(&fakeStore{data: map[string][]byte{}})

	replies, err := s.HandleRequestFrames(&RequestFrames{Frames: []FrameRequest{{Offset: 1, Index: 0}}})
	if err != nil {
		t.Fatalf("HandleRequestFrames: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("len(replies) = %d, want 1", len(replies))
	}
	var em ErrorMessage
	mustUnmarshalTagged(t, replies[0].Text, "Error", &em)
	if em.Message != "No video set" {
		t.Errorf("Error.Message = %q", em.Message)
	}
}

func TestHandleRequestFramesSuccess(t *testing.T) {
	t.Parallel()
	s := newTestSession(&fakeStore{data: map[string][]byte{"fs:///a.hevc": []byte("bytes")}})
	fd := &fakeDecoder{frame: codec.Frame{
		Width: 2, Height: 2,
		Y: []byte{1, 2, 3, 4}, U: []byte{5}, V: []byte{6},
		YStride: 2, CStride: 1,
	}}
	s.newDecoder = func(*codecio.Buffer) (decoderEngine, error) { return fd, nil }
	if _, err := s.HandleSetVideo(context.Background(), &SetVideo{Path: "fs:///a.hevc"}); err != nil {
		t.Fatalf("HandleSetVideo: %v", err)
	}

	replies, err := s.HandleRequestFrames(&RequestFrames{Frames: []FrameRequest{
		{Offset: 10, IrapOffset: 0, Index: 42},
	}})
	if err != nil {
		t.Fatalf("HandleRequestFrames: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("len(replies) = %d, want 1", len(replies))
	}
	if replies[0].Binary == nil {
		t.Fatal("Binary payload missing on successful frame reply")
	}
	var meta FrameMeta
	mustUnmarshalTagged(t, replies[0].Text, "Frame", &meta)
	if meta.Index != 42 || meta.Offset != 10 {
		t.Errorf("FrameMeta = %+v", meta)
	}
	if int(meta.Size) != len(replies[0].Binary) {
		t.Errorf("Size = %d, want %d", meta.Size, len(replies[0].Binary))
	}
	if s.Stats().FramesServed != 1 {
		t.Errorf("FramesServed = %d, want 1", s.Stats().FramesServed)
	}
}

func TestHandleRequestFramesDecodeFailureReportsFrameError(t *testing.T) {
	t.Parallel()
	s := newTestSession(&fakeStore{data: map[string][]byte{"fs:///a.hevc": []byte("bytes")}})
	fd := &fakeDecoder{err: errors.New("target not found")}
	s.newDecoder = func(*codecio.Buffer) (decoderEngine, error) { return fd, nil }
	if _, err := s.HandleSetVideo(context.Background(), &SetVideo{Path: "fs:///a.hevc"}); err != nil {
		t.Fatalf("HandleSetVideo: %v", err)
	}

	replies, err := s.HandleRequestFrames(&RequestFrames{Frames: []FrameRequest{
		{Offset: 10, IrapOffset: 0, Index: 1},
	}})
	if err != nil {
		t.Fatalf("HandleRequestFrames: %v", err)
	}
	var fe FrameError
	mustUnmarshalTagged(t, replies[0].Text, "FrameError", &fe)
	if fe.Index != 1 || fe.Error == "" {
		t.Errorf("FrameError = %+v", fe)
	}
	if s.Stats().FramesFailed != 1 {
		t.Errorf("FramesFailed = %d, want 1", s.Stats().FramesFailed)
	}
}

func TestSecondSetVideoDiscardsQueue(t *testing.T) {
	t.Parallel()
	s := newTestSession(&fakeStore{data: map[string][]byte{
		"fs:///a.hevc": []byte("a"),
		"fs:///b.hevc": []byte("b"),
	}})
	s.newDecoder = func(*codecio.Buffer) (decoderEngine, error) { return &fakeDecoder{}, nil }
	if _, err := s.HandleSetVideo(context.Background(), &SetVideo{Path: "fs:///a.hevc"}); err != nil {
		t.Fatalf("HandleSetVideo(a): %v", err)
	}
	s.queue = []FrameRequest{{Offset: 1, Index: 1}}

	if _, err := s.HandleSetVideo(context.Background(), &SetVideo{Path: "fs:///b.hevc"}); err != nil {
		t.Fatalf("HandleSetVideo(b): %v", err)
	}
	if len(s.queue) != 0 {
		t.Errorf("len(queue) = %d, want 0 after rebind", len(s.queue))
	}
}

func mustUnmarshalTagged(t *testing.T, data []byte, wantType string, out any) {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != wantType {
		t.Fatalf("type = %q, want %q", env.Type, wantType)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
}
