package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/diogo/chatrelay/internal/models"
)

// jsonBody is the attachment-free wire shape
type jsonBody struct {
	ConversationID string                `json:"conversationId"`
	Message        string                `json:"message"`
	History        []models.HistoryEntry `json:"history"`
}

// encode renders req as JSON, or as a multipart form when it carries files
func encode(req Request) (io.Reader, string, error) {
	history := req.History
	if history == nil {
		history = []models.HistoryEntry{}
	}

	if !req.HasAttachments() {
		data, err := json.Marshal(jsonBody{
			ConversationID: req.ConversationID,
			Message:        req.Message,
			History:        history,
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal request: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}

	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal history: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	fields := []struct{ name, value string }{
		{"conversationId", req.ConversationID},
		{"message", req.Message},
		{"history", string(historyJSON)},
	}
	for _, f := range fields {
		if err := writer.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f.name, err)
		}
	}

	for _, att := range req.Attachments {
		part, err := writer.CreatePart(filePartHeader(att))
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(att.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write file data: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// filePartHeader is CreateFormFile with the attachment's own MIME type
func filePartHeader(att models.Attachment) textproto.MIMEHeader {
	contentType := att.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="files"; filename="%s"`, quoteEscaper.Replace(att.Name)))
	h.Set("Content-Type", contentType)
	return h
}
