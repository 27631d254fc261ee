package media

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Avicted/parley/internal/securelog"
)

const (
	msgUploadFailed = "Upload Failed"
	msgNotImage     = "Only image files can be sent"
	msgUnreadable   = "Cannot read that file"
	msgMicrophone   = "Microphone unavailable"
	msgNoAudio      = "Nothing was recorded"
)

// Notifier shows a transient error to the user.
type Notifier interface {
	Show(msg string)
}

type Pipeline struct {
	channelID string
	uploader  *Uploader
	recorder  *Recorder
	notifier  Notifier
	logger    *zap.Logger

	Attach *Control
	Voice  *Control
}

func NewPipeline(channelID string, uploader *Uploader, recorder *Recorder, notifier Notifier, logger *zap.Logger) *Pipeline {
	if recorder == nil {
		recorder = NewRecorder(nil, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		channelID: channelID,
		uploader:  uploader,
		recorder:  recorder,
		notifier:  notifier,
		logger:    logger,
		Attach:    NewControl(IconAttach),
		Voice:     NewControl(IconMic),
	}
}

// SendImage loads and uploads one image. ErrBusy is returned without a
// banner when an upload from the same control is still running.
func (p *Pipeline) SendImage(ctx context.Context, path string) error {
	if !p.Attach.Begin(Busy) {
		return ErrBusy
	}
	defer p.Attach.Reset()

	blob, err := LoadImage(path)
	if err != nil {
		msg := msgUnreadable
		if errors.Is(err, ErrNotImage) {
			msg = msgNotImage
		}
		p.fail("image load", err, msg)
		return err
	}
	if _, err := p.uploader.Upload(ctx, blob, p.channelID); err != nil {
		p.fail("image upload", err, uploadMessage(err))
		return err
	}
	return nil
}

func (p *Pipeline) PressRecord(ctx context.Context) error {
	if !p.Voice.Begin(Recording) {
		return ErrBusy
	}
	if err := p.recorder.Press(ctx); err != nil {
		p.Voice.Reset()
		p.fail("record start", err, msgMicrophone)
		return err
	}
	return nil
}

// ReleaseRecord stops recording and uploads the note. It is a no-op when no
// recording is in progress.
func (p *Pipeline) ReleaseRecord(ctx context.Context) error {
	if !p.Voice.Advance(Recording, Busy) {
		return nil
	}
	defer p.Voice.Reset()

	blob, err := p.recorder.Release()
	if err != nil {
		msg := msgUploadFailed
		if errors.Is(err, ErrEmptyRecording) {
			msg = msgNoAudio
		}
		p.fail("record stop", err, msg)
		return err
	}
	if _, err := p.uploader.Upload(ctx, blob, p.channelID); err != nil {
		p.fail("voice upload", err, uploadMessage(err))
		return err
	}
	return nil
}

// Close releases the capture device if a recording is still open.
func (p *Pipeline) Close() {
	if p.recorder.Recording() {
		_, _ = p.recorder.Release()
	}
	p.Voice.Reset()
}

func (p *Pipeline) fail(op string, err error, msg string) {
	securelog.Error(p.logger, op, err)
	if p.notifier != nil {
		p.notifier.Show(msg)
	}
}

// uploadMessage prefers the server's own explanation.
func uploadMessage(err error) string {
	var se *ServerError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return msgUploadFailed
}
