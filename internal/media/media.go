// Package media sends images and voice notes to a conversation. Media is
// uploaded over HTTP and never inserted locally: the server broadcasts the
// resulting message over the channel like any other.
package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrUploadFailed     = errors.New("upload failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotImage         = errors.New("file is not an image")
	ErrBusy             = errors.New("control is busy")
	ErrEmptyRecording   = errors.New("recording captured no audio")
)

type Kind string

const (
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

const VoiceNoteMIME = "audio/x-parley-voice"

// Blob is one file ready for upload. Kind doubles as the multipart field name.
type Blob struct {
	Kind Kind
	Name string
	MIME string
	Data []byte
}

// LoadImage reads path and checks by content, not extension, that it is an
// image.
func LoadImage(path string) (Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return Blob{}, fmt.Errorf("%w: %s", ErrPermissionDenied, filepath.Base(path))
		}
		return Blob{}, fmt.Errorf("read image: %w", err)
	}
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return Blob{}, fmt.Errorf("%w: detected %s", ErrNotImage, mtype.String())
	}
	name := filepath.Base(path)
	if filepath.Ext(name) == "" {
		name += mtype.Extension()
	}
	return Blob{Kind: KindImage, Name: name, MIME: mtype.String(), Data: data}, nil
}

// VoiceNote wraps an encoded recording.
func VoiceNote(data []byte, now time.Time) Blob {
	return Blob{
		Kind: KindAudio,
		Name: fmt.Sprintf("voice-%d.pvn", now.UnixMilli()),
		MIME: VoiceNoteMIME,
		Data: data,
	}
}
