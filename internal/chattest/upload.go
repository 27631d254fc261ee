package chattest

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Avicted/parley/internal/message"
	"github.com/Avicted/parley/internal/wire"
)

const maxUploadBytes = 32 << 20

type storedMedia struct {
	data []byte
	mime string
}

type uploadResponse struct {
	Status string `json:"status,omitempty"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HandleUpload stores an image or audio part and broadcasts the resulting
// media message on the conversation named by session_id.
func (r *Relay) HandleUpload(w http.ResponseWriter, req *http.Request) {
	userID, ok := authenticateRequest(req)
	if !ok {
		writeUpload(w, http.StatusForbidden, uploadResponse{Error: "Unauthorized"})
		return
	}

	r.mu.Lock()
	fail := r.failUps > 0
	if fail {
		r.failUps--
	}
	r.mu.Unlock()
	if fail {
		writeUpload(w, http.StatusInternalServerError, uploadResponse{Error: "storage unavailable"})
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxUploadBytes)
	if err := req.ParseMultipartForm(maxUploadBytes); err != nil {
		writeUpload(w, http.StatusBadRequest, uploadResponse{Error: "No file or session provided"})
		return
	}
	channel := strings.TrimSpace(req.FormValue("session_id"))
	field := "image"
	file, header, err := req.FormFile("image")
	if err != nil {
		field = "audio"
		file, header, err = req.FormFile("audio")
	}
	if channel == "" || err != nil {
		writeUpload(w, http.StatusBadRequest, uploadResponse{Error: "No file or session provided"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeUpload(w, http.StatusInternalServerError, uploadResponse{Error: err.Error()})
		return
	}
	mtype := header.Header.Get("Content-Type")
	if mtype == "" || mtype == "application/octet-stream" {
		mtype = mimetype.Detect(data).String()
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(header.Filename))
	r.mu.Lock()
	r.media[name] = storedMedia{data: data, mime: mtype}
	r.mu.Unlock()

	now := r.opts.Now()
	url := "/media/" + name + "?v=" + strconv.FormatInt(now.Unix(), 10)
	msg := wire.ChatMessage{Timestamp: now.UTC().Format("2006-01-02T15:04:05.999999")}
	if field == "image" {
		msg.TextOriginal = message.ImageMarkerText
		msg.ImageURL = url
	} else {
		msg.TextOriginal = message.PlaceholderText
		msg.AudioURL = url
	}
	msg = r.store(channel, userID, msg)
	r.broadcast <- outboundFrame{channel: channel, payload: chatEvent(msg)}

	r.opts.Logger.Debug("relay_upload_stored",
		zap.String("channel", channel),
		zap.String("kind", field),
		zap.Int("bytes", len(data)),
	)
	writeUpload(w, http.StatusOK, uploadResponse{Status: "success", URL: url})
}

func (r *Relay) HandleMedia(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	item, ok := r.media[req.PathValue("name")]
	r.mu.Unlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", item.mime)
	_, _ = w.Write(item.data)
}

func writeUpload(w http.ResponseWriter, status int, resp uploadResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
