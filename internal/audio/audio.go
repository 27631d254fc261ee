// Package audio wraps the capture and playback devices and the opus codec
// used for voice notes. Device access is linux only; the voice note
// container helpers work everywhere.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	SampleRate = 48000
	Channels   = 1
	// FrameSize is one 20ms opus frame at SampleRate.
	FrameSize = 960

	maxPacketBytes = 4000
)

var (
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrUnsupported       = errors.New("audio is supported on linux only")
	ErrBadVoiceNote      = errors.New("malformed voice note")
)

var voiceNoteMagic = []byte("PVN1")

// Duration reports how long n mono samples play for.
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

// packFrames writes the voice note container: the magic header followed by
// each opus packet prefixed with its big-endian uint16 length.
func packFrames(packets [][]byte) []byte {
	size := len(voiceNoteMagic)
	for _, p := range packets {
		size += 2 + len(p)
	}
	out := make([]byte, 0, size)
	out = append(out, voiceNoteMagic...)
	for _, p := range packets {
		out = binary.BigEndian.AppendUint16(out, uint16(len(p)))
		out = append(out, p...)
	}
	return out
}

func unpackFrames(data []byte) ([][]byte, error) {
	if len(data) < len(voiceNoteMagic) || string(data[:len(voiceNoteMagic)]) != string(voiceNoteMagic) {
		return nil, fmt.Errorf("%w: missing header", ErrBadVoiceNote)
	}
	data = data[len(voiceNoteMagic):]
	var packets [][]byte
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, fmt.Errorf("%w: truncated length", ErrBadVoiceNote)
		}
		n := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if n == 0 || n > maxPacketBytes || n > len(data) {
			return nil, fmt.Errorf("%w: bad packet length %d", ErrBadVoiceNote, n)
		}
		packets = append(packets, data[:n])
		data = data[n:]
	}
	return packets, nil
}

// frames splits samples into FrameSize chunks, zero padding the last one.
func frames(samples []int16) [][]int16 {
	var out [][]int16
	for start := 0; start < len(samples); start += FrameSize {
		end := start + FrameSize
		if end <= len(samples) {
			out = append(out, samples[start:end])
			continue
		}
		last := make([]int16, FrameSize)
		copy(last, samples[start:])
		out = append(out, last)
	}
	return out
}
