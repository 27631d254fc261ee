//go:build linux

package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// captureQueue holds about 1.3s of 20ms callbacks before chunks are dropped.
const captureQueue = 64

type Capture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	closeOnce sync.Once
}

// StartCapture opens the default input device. The returned channel yields
// mono PCM chunks until ctx is canceled or Close is called.
func StartCapture(ctx context.Context) (*Capture, <-chan []int16, error) {
	malgoCtx, err := malgoInitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: init malgo context: %v", ErrDeviceUnavailable, err)
	}

	deviceConfig := malgoDefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = Channels
	deviceConfig.SampleRate = SampleRate

	ch := make(chan []int16, captureQueue)
	callback := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			samples := make([]int16, len(input)/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(input[i*2:]))
			}
			select {
			case ch <- samples:
			default:
			}
		},
	}

	device, err := malgoInitDevice(malgoCtx.Context, deviceConfig, callback)
	if err != nil {
		malgoContextUninit(malgoCtx)
		return nil, nil, fmt.Errorf("%w: init capture device: %v", ErrDeviceUnavailable, err)
	}
	if err := malgoDeviceStart(device); err != nil {
		malgoDeviceUninit(device)
		malgoContextUninit(malgoCtx)
		return nil, nil, fmt.Errorf("%w: start capture: %v", ErrDeviceUnavailable, err)
	}

	c := &Capture{ctx: malgoCtx, device: device}
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	return c, ch, nil
}

// Close releases the device. It is safe to call more than once.
func (c *Capture) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		if c.device != nil {
			malgoDeviceUninit(c.device)
			c.device = nil
		}
		if c.ctx != nil {
			malgoContextUninit(c.ctx)
			c.ctx = nil
		}
	})
	return nil
}
