// Package hevc parses H.265/HEVC NAL units far enough to recover the
// stream's resolution and profile/tier/level, used by the Decoder Engine
// to log codec parameters when a video is bound.
package hevc

import (
	"errors"
	"fmt"
	"math/bits"
)

// NAL unit type constants as defined in ITU-T H.265 Table 7-1.
const (
	NALBlaWLP     = 16
	NALIDRWRadl   = 19
	NALIDRNlp     = 20
	NALCraNut     = 21
	NALVPS        = 32
	NALSPS        = 33
	NALPPS        = 34
	NALAUD        = 35
	NALFillerData = 38
	NALSEIPrefix  = 39
)

// NALType extracts the NAL unit type from the first byte of an HEVC
// 2-byte NAL header: forbidden(1) | type(6) | layerID_high(1).
func NALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsKeyframe returns true if the NAL type represents a random access point
// (BLA, IDR, or CRA).
func IsKeyframe(nalType byte) bool {
	return nalType >= NALBlaWLP && nalType <= NALCraNut
}

// IsVPS returns true if the NAL type is a Video Parameter Set.
func IsVPS(nalType byte) bool { return nalType == NALVPS }

// IsSPS returns true if the NAL type is a Sequence Parameter Set.
func IsSPS(nalType byte) bool { return nalType == NALSPS }

// IsPPS returns true if the NAL type is a Picture Parameter Set.
func IsPPS(nalType byte) bool { return nalType == NALPPS }

// NALUnit is a parsed NAL unit: its type and raw payload, start code stripped.
type NALUnit struct {
	Type byte
	Data []byte
}

// ParseAnnexB scans an Annex B byte stream for start codes and extracts NAL
// units, recognizing both 3-byte (0x000001) and 4-byte (0x00000001) start
// codes.
func ParseAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct{ scStart, dataStart int }
	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end || pos.dataStart+2 > n {
			continue
		}
		nalData := data[pos.dataStart:end]
		units = append(units, NALUnit{Type: NALType(nalData[0]), Data: nalData})
	}
	return units
}

// SPSInfo holds parameters extracted from an HEVC SPS NAL unit.
type SPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte

	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64

	ChromaFormatIdc      byte
	BitDepthLumaMinus8   byte
	BitDepthChromaMinus8 byte
}

// CodecString returns the RFC 6381 codec parameter string (e.g.
// "hev1.1.6.L93.B0") for logging and diagnostics.
func (s SPSInfo) CodecString() string {
	tier := "L"
	if s.TierFlag == 1 {
		tier = "H"
	}

	reversed := bits.Reverse32(s.ProfileCompatibilityFlags)

	var constraintBytes [6]byte
	for i := 0; i < 6; i++ {
		constraintBytes[i] = byte((s.ConstraintIndicatorFlags >> uint((5-i)*8)) & 0xFF)
	}
	lastNonZero := -1
	for i := 5; i >= 0; i-- {
		if constraintBytes[i] != 0 {
			lastNonZero = i
			break
		}
	}

	codec := fmt.Sprintf("hev1.%d.%X.%s%d", s.ProfileIDC, reversed, tier, s.LevelIDC)
	for i := 0; i <= lastNonZero; i++ {
		codec += fmt.Sprintf(".%X", constraintBytes[i])
	}
	return codec
}

var errSPSTooShort = errors.New("hevc: SPS data too short")

type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) readBit() (uint, error) {
	if br.pos >= len(br.data) {
		return 0, errSPSTooShort
	}
	val := uint((br.data[br.pos] >> (7 - br.bit)) & 1)
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return val, nil
}

func (br *bitReader) readBits(n int) (uint, error) {
	var val uint
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		val = (val << 1) | b
	}
	return val, nil
}

func (br *bitReader) readUE() (uint, error) {
	zeros := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errSPSTooShort
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := br.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << zeros) - 1 + suffix, nil
}

func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

// ParseSPS parses an HEVC SPS NAL unit to extract resolution and
// profile/tier/level. nalu must include the 2-byte NAL header.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}

	rbsp := removeEmulationPrevention(nalu[2:])
	br := newBitReader(rbsp)

	if _, err := br.readBits(4); err != nil { // sps_video_parameter_set_id
		return SPSInfo{}, err
	}

	maxSubLayersMinus1, err := br.readBits(3)
	if err != nil {
		return SPSInfo{}, err
	}

	if _, err := br.readBits(1); err != nil { // sps_temporal_id_nesting_flag
		return SPSInfo{}, err
	}

	info := SPSInfo{}
	if err := parseProfileTierLevel(br, &info, maxSubLayersMinus1); err != nil {
		return SPSInfo{}, err
	}

	if _, err := br.readUE(); err != nil { // sps_seq_parameter_set_id
		return SPSInfo{}, err
	}

	chromaFormatIdc, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	info.ChromaFormatIdc = byte(chromaFormatIdc)

	if chromaFormatIdc == 3 {
		if _, err := br.readBits(1); err != nil { // separate_colour_plane_flag
			return SPSInfo{}, err
		}
	}

	width, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	height, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	info.Width = int(width)
	info.Height = int(height)

	confWindowFlag, err := br.readBits(1)
	if err != nil {
		return info, nil
	}
	if confWindowFlag == 1 {
		left, e1 := br.readUE()
		right, e2 := br.readUE()
		top, e3 := br.readUE()
		bottom, e4 := br.readUE()
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
			return info, nil
		}

		var subWidthC, subHeightC uint
		switch chromaFormatIdc {
		case 1:
			subWidthC, subHeightC = 2, 2
		case 2:
			subWidthC, subHeightC = 2, 1
		default:
			subWidthC, subHeightC = 1, 1
		}
		info.Width -= int((left + right) * subWidthC)
		info.Height -= int((top + bottom) * subHeightC)
	}

	if bdl, err := br.readUE(); err == nil {
		info.BitDepthLumaMinus8 = byte(bdl)
	} else {
		return info, nil
	}
	if bdc, err := br.readUE(); err == nil {
		info.BitDepthChromaMinus8 = byte(bdc)
	}

	return info, nil
}

func parseProfileTierLevel(br *bitReader, info *SPSInfo, maxSubLayersMinus1 uint) error {
	if _, err := br.readBits(2); err != nil { // general_profile_space
		return err
	}

	tierFlag, err := br.readBits(1)
	if err != nil {
		return err
	}
	info.TierFlag = byte(tierFlag)

	profileIDC, err := br.readBits(5)
	if err != nil {
		return err
	}
	info.ProfileIDC = byte(profileIDC)

	hi, err := br.readBits(16)
	if err != nil {
		return err
	}
	lo, err := br.readBits(16)
	if err != nil {
		return err
	}
	info.ProfileCompatibilityFlags = uint32(hi)<<16 | uint32(lo)

	var cif uint64
	for i := 0; i < 6; i++ {
		b, err := br.readBits(8)
		if err != nil {
			return err
		}
		cif = (cif << 8) | uint64(b)
	}
	info.ConstraintIndicatorFlags = cif

	levelIDC, err := br.readBits(8)
	if err != nil {
		return err
	}
	info.LevelIDC = byte(levelIDC)

	if maxSubLayersMinus1 > 0 {
		var subLayerProfilePresent, subLayerLevelPresent [8]bool
		for i := uint(0); i < maxSubLayersMinus1; i++ {
			pp, err := br.readBits(1)
			if err != nil {
				return err
			}
			subLayerProfilePresent[i] = pp == 1
			lp, err := br.readBits(1)
			if err != nil {
				return err
			}
			subLayerLevelPresent[i] = lp == 1
		}
		if maxSubLayersMinus1 < 8 {
			for i := maxSubLayersMinus1; i < 8; i++ {
				if _, err := br.readBits(2); err != nil {
					return err
				}
			}
		}
		for i := uint(0); i < maxSubLayersMinus1; i++ {
			if subLayerProfilePresent[i] {
				if _, err := br.readBits(32); err != nil {
					return err
				}
				if _, err := br.readBits(32); err != nil {
					return err
				}
				if _, err := br.readBits(24); err != nil {
					return err
				}
			}
			if subLayerLevelPresent[i] {
				if _, err := br.readBits(8); err != nil {
					return err
				}
			}
		}
	}

	return nil
}
