package media

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Avicted/parley/internal/audio"
)

// CaptureFunc opens an input device and streams PCM chunks.
type CaptureFunc func(ctx context.Context) (io.Closer, <-chan []int16, error)

type EncodeFunc func(samples []int16) ([]byte, error)

func deviceCapture(ctx context.Context) (io.Closer, <-chan []int16, error) {
	c, ch, err := audio.StartCapture(ctx)
	if err != nil {
		return nil, nil, err
	}
	return c, ch, nil
}

// Recorder turns a press/release gesture into one voice note.
type Recorder struct {
	capture CaptureFunc
	encode  EncodeFunc
	now     func() time.Time

	mu     sync.Mutex
	active *recording
}

type recording struct {
	device  io.Closer
	cancel  context.CancelFunc
	stop    chan struct{}
	done    chan struct{}
	samples []int16
}

func NewRecorder(capture CaptureFunc, encode EncodeFunc) *Recorder {
	if capture == nil {
		capture = deviceCapture
	}
	if encode == nil {
		encode = audio.EncodeVoiceNote
	}
	return &Recorder{capture: capture, encode: encode, now: time.Now}
}

// Press acquires the capture device and starts buffering samples.
func (r *Recorder) Press(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return ErrBusy
	}

	// The device outlives the caller's request context until Release.
	devCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	device, chunks, err := r.capture(devCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	rec := &recording{
		device: device,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go rec.collect(chunks)
	r.active = rec
	return nil
}

// collect gathers samples until Release or until the device closes chunks.
func (rec *recording) collect(chunks <-chan []int16) {
	defer close(rec.done)
	for {
		select {
		case s, ok := <-chunks:
			if !ok {
				return
			}
			rec.samples = append(rec.samples, s...)
		case <-rec.stop:
			for {
				select {
				case s, ok := <-chunks:
					if !ok {
						return
					}
					rec.samples = append(rec.samples, s...)
				default:
					return
				}
			}
		}
	}
}

// Release stops the device and returns the encoded note. The device is
// released even when encoding fails.
func (r *Recorder) Release() (Blob, error) {
	r.mu.Lock()
	rec := r.active
	r.active = nil
	r.mu.Unlock()
	if rec == nil {
		return Blob{}, ErrEmptyRecording
	}

	close(rec.stop)
	<-rec.done
	_ = rec.device.Close()
	rec.cancel()

	if len(rec.samples) == 0 {
		return Blob{}, ErrEmptyRecording
	}
	data, err := r.encode(rec.samples)
	if err != nil {
		return Blob{}, fmt.Errorf("encode voice note: %w", err)
	}
	return VoiceNote(data, r.now()), nil
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}
