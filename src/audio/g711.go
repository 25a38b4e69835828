package audio

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Codec identifies the encoding of an audio payload
type Codec string

const (
	CodecMulaw    Codec = "mulaw"
	CodecAlaw     Codec = "alaw"
	CodecLinear16 Codec = "linear16"
)

// TelephonySampleRate is the sample rate of G.711 telephony audio
const TelephonySampleRate = 8000

// ParseCodec normalizes codec name variations ("ulaw", "PCMU", "g711_ulaw", ...)
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mulaw", "ulaw", "pcmu", "g711_ulaw", "audio/x-mulaw":
		return CodecMulaw, nil
	case "alaw", "pcma", "g711_alaw":
		return CodecAlaw, nil
	case "linear16", "pcm", "pcm16", "audio/x-l16":
		return CodecLinear16, nil
	default:
		return "", fmt.Errorf("unsupported codec: %q", name)
	}
}

// BytesPerSample returns the encoded size of one sample
func (c Codec) BytesPerSample() int {
	if c == CodecLinear16 {
		return 2
	}
	return 1
}

// BytesPerMillisecond returns how many payload bytes one millisecond of mono
// audio occupies at the given sample rate. 8 kHz G.711 is 8 bytes/ms.
func (c Codec) BytesPerMillisecond(sampleRate int) float64 {
	return float64(sampleRate*c.BytesPerSample()) / 1000.0
}

// Decode converts an encoded payload to linear PCM samples
func (c Codec) Decode(payload []byte) []int16 {
	switch c {
	case CodecAlaw:
		return AlawToPCM(payload)
	case CodecLinear16:
		return BytesToPCM(payload)
	default:
		return MulawToPCM(payload)
	}
}

// Encode converts linear PCM samples to the codec's byte format
func (c Codec) Encode(pcm []int16) []byte {
	switch c {
	case CodecAlaw:
		return PCMToAlaw(pcm)
	case CodecLinear16:
		return PCMToBytes(pcm)
	default:
		return PCMToMulaw(pcm)
	}
}

// MulawToPCM converts mulaw audio to linear PCM int16
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, val := range mulaw {
		pcm[i] = mulawDecodeTable[val]
	}
	return pcm
}

// PCMToMulaw converts linear PCM int16 to mulaw
func PCMToMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, val := range pcm {
		mulaw[i] = mulawEncode(val)
	}
	return mulaw
}

// AlawToPCM converts A-law audio to linear PCM int16
func AlawToPCM(alaw []byte) []int16 {
	pcm := make([]int16, len(alaw))
	for i, val := range alaw {
		pcm[i] = alawDecodeTable[val]
	}
	return pcm
}

// PCMToAlaw converts linear PCM int16 to A-law
func PCMToAlaw(pcm []int16) []byte {
	alaw := make([]byte, len(pcm))
	for i, val := range pcm {
		alaw[i] = alawEncode(val)
	}
	return alaw
}

// BytesToPCM converts little-endian 16-bit bytes to samples. A trailing odd
// byte is ignored.
func BytesToPCM(data []byte) []int16 {
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm
}

// PCMToBytes converts int16 PCM to byte array (little-endian)
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, val := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

func mulawEncode(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)

	return ^(sign | exponent<<4 | mantissa)
}

var alawSegmentEnds = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func alawEncode(sample int16) byte {
	s := int32(sample) >> 3
	mask := byte(0xD5)
	if s < 0 {
		mask = 0x55
		s = -s - 1
	}

	seg := 0
	for seg < len(alawSegmentEnds) && s > alawSegmentEnds[seg] {
		seg++
	}
	if seg >= len(alawSegmentEnds) {
		return 0x7F ^ mask
	}

	aval := byte(seg << 4)
	if seg < 2 {
		aval |= byte((s >> 1) & 0x0F)
	} else {
		aval |= byte((s >> seg) & 0x0F)
	}
	return aval ^ mask
}
