//go:build linux

package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

const defaultPlaybackSeconds = 2

type Playback struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu        sync.Mutex
	buf       []int16
	maxBuf    int
	closeOnce sync.Once
}

func StartPlayback(ctx context.Context) (*Playback, error) {
	malgoCtx, err := malgoInitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init malgo context: %v", ErrDeviceUnavailable, err)
	}

	deviceConfig := malgoDefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = Channels
	deviceConfig.SampleRate = SampleRate

	player := &Playback{
		ctx:    malgoCtx,
		maxBuf: SampleRate * defaultPlaybackSeconds,
	}
	callback := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			player.fillOutput(output)
		},
	}

	device, err := malgoInitDevice(malgoCtx.Context, deviceConfig, callback)
	if err != nil {
		malgoContextUninit(malgoCtx)
		return nil, fmt.Errorf("%w: init playback device: %v", ErrDeviceUnavailable, err)
	}
	if err := malgoDeviceStart(device); err != nil {
		malgoDeviceUninit(device)
		malgoContextUninit(malgoCtx)
		return nil, fmt.Errorf("%w: start playback: %v", ErrDeviceUnavailable, err)
	}

	player.device = device
	go func() {
		<-ctx.Done()
		_ = player.Close()
	}()
	return player, nil
}

// Play writes a whole voice note to the output device and blocks until it
// has been played or ctx is canceled.
func Play(ctx context.Context, samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p, err := StartPlayback(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	p.mu.Lock()
	if len(samples) > p.maxBuf {
		p.maxBuf = len(samples)
	}
	p.mu.Unlock()
	p.Write(samples)

	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if p.buffered() == 0 {
				return nil
			}
		}
	}
}

// Write queues samples; the oldest samples are dropped beyond maxBuf.
func (p *Playback) Write(samples []int16) {
	if p == nil || len(samples) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxBuf <= 0 {
		p.maxBuf = SampleRate * defaultPlaybackSeconds
	}
	if len(p.buf)+len(samples) > p.maxBuf {
		drop := len(p.buf) + len(samples) - p.maxBuf
		if drop >= len(p.buf) {
			p.buf = p.buf[:0]
		} else {
			p.buf = p.buf[drop:]
		}
	}
	p.buf = append(p.buf, samples...)
}

func (p *Playback) buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

func (p *Playback) fillOutput(output []byte) {
	if p == nil || len(output) == 0 {
		return
	}
	want := len(output) / 2
	p.mu.Lock()
	defer p.mu.Unlock()
	use := min(want, len(p.buf))
	for i := 0; i < use; i++ {
		binary.LittleEndian.PutUint16(output[i*2:], uint16(p.buf[i]))
	}
	for i := use; i < want; i++ {
		binary.LittleEndian.PutUint16(output[i*2:], 0)
	}
	p.buf = p.buf[use:]
}

func (p *Playback) Close() error {
	if p == nil {
		return nil
	}
	p.closeOnce.Do(func() {
		if p.device != nil {
			malgoDeviceUninit(p.device)
			p.device = nil
		}
		if p.ctx != nil {
			malgoContextUninit(p.ctx)
			p.ctx = nil
		}
	})
	return nil
}
