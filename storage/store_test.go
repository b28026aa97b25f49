package storage

import (
	"context"
	"errors"
	"testing"
)

type fakeBackend struct {
	data map[string][]byte
}

func (b *fakeBackend) FetchAll(_ context.Context, rest string) ([]byte, error) {
	d, ok := b.data[rest]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (b *fakeBackend) FetchRange(_ context.Context, rest string, start, end uint64) ([]byte, error) {
	d, err := b.FetchAll(context.Background(), rest)
	if err != nil {
		return nil, err
	}
	if end > uint64(len(d)) {
		return nil, ErrRangeInvalid
	}
	return d[start:end], nil
}

func (b *fakeBackend) Exists(_ context.Context, rest string) (bool, error) {
	_, ok := b.data[rest]
	return ok, nil
}

func TestMultiDispatchesByScheme(t *testing.T) {
	t.Parallel()
	fs := &fakeBackend{data: map[string][]byte{"/a.hevc": []byte("fs-bytes")}}
	s3 := &fakeBackend{data: map[string][]byte{"bucket/key": []byte("s3-bytes")}}
	m := NewMulti(fs, s3)

	got, err := m.FetchAll(context.Background(), "fs:///a.hevc")
	if err != nil || string(got) != "fs-bytes" {
		t.Errorf("fs FetchAll = %q, %v", got, err)
	}

	got, err = m.FetchAll(context.Background(), "s3://bucket/key")
	if err != nil || string(got) != "s3-bytes" {
		t.Errorf("s3 FetchAll = %q, %v", got, err)
	}
}

func TestMultiUnsupportedScheme(t *testing.T) {
	t.Parallel()
	m := NewMulti(&fakeBackend{data: map[string][]byte{}}, nil)
	_, err := m.FetchAll(context.Background(), "ftp://host/path")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("err = %v, want ErrUnsupportedScheme", err)
	}
}

func TestMultiMissingBackendForScheme(t *testing.T) {
	t.Parallel()
	m := NewMulti(&fakeBackend{data: map[string][]byte{}}, nil)
	_, err := m.Exists(context.Background(), "s3://bucket/key")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("err = %v, want ErrUnsupportedScheme for unconfigured s3 backend", err)
	}
}

func TestMultiFetchRangeRejectsInvertedRange(t *testing.T) {
	t.Parallel()
	fs := &fakeBackend{data: map[string][]byte{"/a.hevc": []byte("0123456789")}}
	m := NewMulti(fs, nil)
	_, err := m.FetchRange(context.Background(), "fs:///a.hevc", 5, 5)
	if !errors.Is(err, ErrRangeInvalid) {
		t.Fatalf("err = %v, want ErrRangeInvalid", err)
	}
}

func TestMultiMalformedURL(t *testing.T) {
	t.Parallel()
	m := NewMulti(&fakeBackend{data: map[string][]byte{}}, nil)
	if _, err := m.FetchAll(context.Background(), "no-scheme-here"); err == nil {
		t.Fatal("FetchAll(malformed URL): want error")
	}
}
