package webapi

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/h2non/filetype"

	"github.com/nextlevelbuilder/slacksim/internal/state"
	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

// inferMimetype sniffs the binary's magic bytes, falling back to the
// filename extension, then octet-stream.
func inferMimetype(filename string, data []byte) string {
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// filesUploadV2 is the one-shot multipart path: binary in, file record plus
// carrier message out.
func (p *Platform) filesUploadV2(w http.ResponseWriter, r *http.Request, _ map[string]any, botID string) {
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	part, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, maxBodyBytes))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, errInternalError)
		return
	}

	filename := r.FormValue("filename")
	if filename == "" {
		filename = header.Filename
	}
	channel := r.FormValue("channel_id")
	if channel == "" {
		channel = r.FormValue("channels")
	}

	f := &protocol.File{
		ID:       p.st.NewFileID(),
		Name:     filename,
		Title:    r.FormValue("title"),
		Mimetype: inferMimetype(filename, data),
		Size:     len(data),
		User:     protocol.BotUserPrefix + botID,
	}
	if f.Title == "" {
		f.Title = filename
	}
	if channel != "" {
		f.Channels = []string{channel}
	}
	f.URLPrivate = "/api/simulator/files/" + f.ID

	if err := p.st.AddFile(f, data); err != nil {
		writeStateErr(w, err)
		return
	}

	if channel != "" {
		carrier := p.shareFile(f, channel, r.FormValue("initial_comment"), protocol.BotUserPrefix+botID)
		p.st.EmitFileShared(f, carrier)
	} else {
		p.st.EmitFileShared(f, nil)
	}

	writeOK(w, map[string]any{
		"files": []map[string]any{{"id": f.ID, "title": f.Title}},
	})
}

// shareFile stores the file-carrier message silently; the caller emits
// file_shared so the UI renders exactly once.
func (p *Platform) shareFile(f *protocol.File, channel, comment, user string) *protocol.Message {
	m := &protocol.Message{
		Type:    "message",
		Ts:      p.st.NextTS(),
		Channel: channel,
		User:    user,
		Text:    comment,
		Subtype: "file_share",
		File:    f,
	}
	p.st.StoreMessageSilently(m)
	return m
}

func (p *Platform) filesGetUploadURLExternal(w http.ResponseWriter, _ *http.Request, body map[string]any, _ string) {
	filename := stringField(body, "filename")
	length := intField(body, "length", 0)
	if filename == "" || length <= 0 {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	up := p.st.CreatePendingUpload(filename, length)
	writeOK(w, map[string]any{
		"file_id":    up.FileID,
		"upload_url": p.baseURL + "/api/simulator/file-upload/" + up.FileID,
	})
}

func (p *Platform) filesCompleteUploadExternal(w http.ResponseWriter, r *http.Request, body map[string]any, botID string) {
	entries := sliceField(body, "files")
	if len(entries) == 0 {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	channel := stringField(body, "channel_id")
	comment := stringField(body, "initial_comment")

	var completed []*protocol.File
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id := stringField(entry, "id")
		up, err := p.st.ConsumePendingUpload(id)
		if err != nil {
			writeStateErr(w, err)
			return
		}
		f := &protocol.File{
			ID:       up.FileID,
			Name:     up.Filename,
			Title:    stringField(entry, "title"),
			Mimetype: inferMimetype(up.Filename, up.Data),
			Size:     len(up.Data),
			User:     protocol.BotUserPrefix + botID,
		}
		if f.Title == "" {
			f.Title = up.Filename
		}
		if channel != "" {
			f.Channels = []string{channel}
		}
		f.URLPrivate = "/api/simulator/files/" + f.ID
		if err := p.st.AddFile(f, up.Data); err != nil {
			writeStateErr(w, err)
			return
		}
		var carrier *protocol.Message
		if channel != "" {
			carrier = p.shareFile(f, channel, comment, protocol.BotUserPrefix+botID)
			comment = "" // only the first carrier gets the comment
		}
		p.st.EmitFileShared(f, carrier)
		completed = append(completed, f.Clone())
	}
	writeOK(w, map[string]any{"files": completed})
}

func (p *Platform) filesInfo(w http.ResponseWriter, _ *http.Request, body map[string]any, _ string) {
	id := stringField(body, "file")
	if id == "" {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	f, ok := p.st.File(id)
	if !ok {
		writeStateErr(w, state.ErrFileNotFound)
		return
	}
	writeOK(w, map[string]any{"file": f})
}
