//go:build !linux

package audio

import "context"

type Capture struct{}

type Playback struct{}

func StartCapture(context.Context) (*Capture, <-chan []int16, error) {
	return nil, nil, ErrUnsupported
}

func (c *Capture) Close() error {
	return nil
}

func EncodeVoiceNote([]int16) ([]byte, error) {
	return nil, ErrUnsupported
}

func DecodeVoiceNote([]byte) ([]int16, error) {
	return nil, ErrUnsupported
}

func StartPlayback(context.Context) (*Playback, error) {
	return nil, ErrUnsupported
}

func (p *Playback) Write([]int16) {}

func (p *Playback) Close() error {
	return nil
}

func Play(context.Context, []int16) error {
	return ErrUnsupported
}
