// Package index implements the sidecar side of the Offset Indexer: the JSON
// frame-offset index written alongside a re-encoded H.265 file.
package index

import (
	"encoding/json"
	"io"

	"github.com/zsiec/frametap/codec"
)

// Sidecar is the frame-offset index for one video reference: a flat list of
// packet offsets, each paired with the offset of the keyframe that starts
// its group of pictures.
type Sidecar struct {
	VideoURL string  `json:"video_url"`
	Frames   []Frame `json:"frames"`
}

// Frame is one entry of a Sidecar's frame list.
type Frame struct {
	Offset     uint64 `json:"offset"`
	IrapOffset uint64 `json:"irap_offset"`
}

// FromOffsetEntries builds a Sidecar for videoURL from the packet-offset
// sequence produced by codec.ExtractOffsets.
func FromOffsetEntries(videoURL string, entries []codec.OffsetEntry) Sidecar {
	frames := make([]Frame, len(entries))
	for i, e := range entries {
		frames[i] = Frame{Offset: e.Offset, IrapOffset: e.IrapOffset}
	}
	return Sidecar{VideoURL: videoURL, Frames: frames}
}

// Encode writes s as indented JSON to w.
func (s Sidecar) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// Decode reads a Sidecar as JSON from r. Unknown fields (e.g. a legacy
// frame_count) are ignored, per encoding/json's default behavior.
func Decode(r io.Reader) (Sidecar, error) {
	var s Sidecar
	err := json.NewDecoder(r).Decode(&s)
	return s, err
}
