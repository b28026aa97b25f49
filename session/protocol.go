// Package session implements the Session Controller: the per-connection
// state machine that parses the wire protocol, drives the Decoder Engine
// and JPEG Encoder, and replies with frame metadata and binary payloads in
// request order.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessageType is returned by DecodeInbound when the type
// discriminator does not match any known inbound message.
var ErrUnknownMessageType = errors.New("session: unknown message type")

// FrameRequest identifies one frame to extract by its byte offset and the
// offset of the keyframe that starts its group of pictures. Index is a
// client-assigned correlation token echoed back in replies, opaque to the
// server.
type FrameRequest struct {
	Offset     uint64 `json:"offset"`
	IrapOffset uint64 `json:"irap_offset"`
	Index      uint32 `json:"index"`
}

// SetVideo is the inbound message that binds a session to a video
// reference.
type SetVideo struct {
	Path string `json:"path"`
}

// RequestFrames is the inbound message that enqueues one or more frame
// extractions on the currently bound video.
type RequestFrames struct {
	Frames []FrameRequest `json:"frames"`
}

// VideoSet is the outbound reply to SetVideo.
type VideoSet struct {
	Path string `json:"path"`
	OK   bool   `json:"ok"`
}

// FrameMeta is the outbound text reply preceding a frame's binary JPEG
// payload; Size is the exact byte length of the binary frame that follows.
type FrameMeta struct {
	Index  uint32 `json:"index"`
	Offset uint64 `json:"offset"`
	Size   uint32 `json:"size"`
}

// FrameError is the outbound reply for a single frame request that failed;
// it does not terminate the session, and the session stays bound.
type FrameError struct {
	Index  uint32 `json:"index"`
	Offset uint64 `json:"offset"`
	Error  string `json:"error"`
}

// ErrorMessage is the outbound reply for a session-level protocol error.
type ErrorMessage struct {
	Message string `json:"message"`
}

type envelope struct {
	Type string `json:"type"`
}

// MarshalVideoSet serializes a VideoSet reply with its "type" discriminator.
func MarshalVideoSet(m VideoSet) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		VideoSet
	}{"VideoSet", m})
}

// MarshalFrameMeta serializes a FrameMeta reply with its "type" discriminator.
func MarshalFrameMeta(m FrameMeta) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		FrameMeta
	}{"Frame", m})
}

// MarshalFrameError serializes a FrameError reply with its "type" discriminator.
func MarshalFrameError(m FrameError) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		FrameError
	}{"FrameError", m})
}

// MarshalError serializes an ErrorMessage reply with its "type" discriminator.
func MarshalError(m ErrorMessage) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		ErrorMessage
	}{"Error", m})
}

// DecodeInbound inspects the "type" discriminator of a text frame and
// unmarshals it into the matching inbound message type, returning either a
// *SetVideo or a *RequestFrames.
func DecodeInbound(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("session: decode envelope: %w", err)
	}

	switch env.Type {
	case "SetVideo":
		var m SetVideo
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("session: decode SetVideo: %w", err)
		}
		return &m, nil
	case "RequestFrames":
		var m RequestFrames
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("session: decode RequestFrames: %w", err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}
