package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/Avicted/parley/internal/metrics"
)

const DefaultUploadTimeout = 30 * time.Second

type UploaderOptions struct {
	// URL is the absolute upload endpoint.
	URL       string
	Token     string
	CSRFToken string
	// Cookie is sent verbatim as the Cookie header.
	Cookie     string
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// ServerError carries the error text of an upload response.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return "server: " + e.Message
}

func (e *ServerError) Unwrap() error {
	return ErrUploadFailed
}

type Uploader struct {
	opts UploaderOptions
}

type Result struct {
	URL string `json:"url"`
}

type uploadResponse struct {
	Status string `json:"status"`
	URL    string `json:"url"`
	Error  string `json:"error"`
}

func NewUploader(opts UploaderOptions) *Uploader {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultUploadTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Uploader{opts: opts}
}

// Upload posts blob as a multipart form with the conversation id. Every
// failure, including a JSON error body on a 2xx response, wraps
// ErrUploadFailed.
func (u *Uploader) Upload(ctx context.Context, blob Blob, channelID string) (Result, error) {
	result, err := u.upload(ctx, blob, channelID)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	u.opts.Metrics.Upload(string(blob.Kind), outcome)
	return result, err
}

func (u *Uploader) upload(ctx context.Context, blob Blob, channelID string) (Result, error) {
	body, contentType, err := encodeForm(blob, channelID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.opts.URL, body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if u.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.opts.Token)
	}
	if u.opts.CSRFToken != "" {
		req.Header.Set("X-CSRFToken", u.opts.CSRFToken)
	}
	if u.opts.Cookie != "" {
		req.Header.Set("Cookie", u.opts.Cookie)
	}

	started := time.Now()
	resp, err := u.opts.HTTPClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: request failed: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	var out uploadResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && out.Error != "" {
			return Result{}, &ServerError{Status: resp.StatusCode, Message: out.Error}
		}
		return Result{}, fmt.Errorf("%w: server returned %d", ErrUploadFailed, resp.StatusCode)
	}
	if decodeErr != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrUploadFailed, decodeErr)
	}
	if out.Error != "" {
		return Result{}, &ServerError{Status: resp.StatusCode, Message: out.Error}
	}

	u.opts.Logger.Info("media_uploaded",
		zap.String("kind", string(blob.Kind)),
		zap.String("size", humanize.Bytes(uint64(len(blob.Data)))),
		zap.Duration("took", time.Since(started)),
	)
	return Result{URL: out.URL}, nil
}

func encodeForm(blob Blob, channelID string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, string(blob.Kind), blob.Name))
	if blob.MIME != "" {
		header.Set("Content-Type", blob.MIME)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(blob.Data); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("session_id", channelID); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
