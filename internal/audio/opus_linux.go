//go:build linux

package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

// EncodeVoiceNote compresses mono PCM into the voice note container.
func EncodeVoiceNote(samples []int16) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrBadVoiceNote)
	}
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}

	var packets [][]byte
	buf := make([]byte, maxPacketBytes)
	for _, frame := range frames(samples) {
		n, err := enc.Encode(frame, buf)
		if err != nil {
			return nil, fmt.Errorf("opus encode: %w", err)
		}
		packets = append(packets, append([]byte(nil), buf[:n]...))
	}
	return packFrames(packets), nil
}

// DecodeVoiceNote expands a voice note back into mono PCM.
func DecodeVoiceNote(data []byte) ([]int16, error) {
	packets, err := unpackFrames(data)
	if err != nil {
		return nil, err
	}
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}

	pcm := make([]int16, FrameSize*6)
	out := make([]int16, 0, len(packets)*FrameSize)
	for _, p := range packets {
		n, err := dec.Decode(p, pcm)
		if err != nil {
			return nil, fmt.Errorf("opus decode: %w", err)
		}
		out = append(out, pcm[:n*Channels]...)
	}
	return out, nil
}
