package console

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-logr/logr"

	"github.com/alexsjones/sympozium-dashboard/internal/protocol"
)

var errInvalidDataURL = errors.New("invalid data URL")

// parseDataURL splits a data URL into its mime type and base64 payload.
// Percent-encoded payloads are re-encoded as base64. A missing mime type is
// sniffed from the decoded bytes.
func parseDataURL(dataURL string) (mime, payload string, err error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", "", errInvalidDataURL
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", errInvalidDataURL
	}

	isBase64 := false
	params := strings.Split(meta, ";")
	mime = params[0]
	for _, p := range params[1:] {
		if p == "base64" {
			isBase64 = true
		}
	}

	var raw []byte
	if isBase64 {
		raw, err = base64.StdEncoding.DecodeString(data)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", errInvalidDataURL, err)
		}
		payload = data
	} else {
		text, err := url.PathUnescape(data)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", errInvalidDataURL, err)
		}
		raw = []byte(text)
		payload = base64.StdEncoding.EncodeToString(raw)
	}

	if mime == "" {
		mime = mimetype.Detect(raw).String()
	}
	return mime, payload, nil
}

// partType classifies a mime type into a content part type.
func partType(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return protocol.PartImage
	case strings.HasPrefix(mime, "audio/"):
		return protocol.PartAudio
	case strings.HasPrefix(mime, "video/"):
		return protocol.PartVideo
	default:
		return protocol.PartFile
	}
}

// AttachmentsToParts encodes UI attachments as wire content parts.
// Attachments whose data URL cannot be parsed are skipped.
func AttachmentsToParts(attachments []FileAttachment, log logr.Logger) []protocol.ContentPart {
	if len(attachments) == 0 {
		return nil
	}
	parts := make([]protocol.ContentPart, 0, len(attachments))
	for _, a := range attachments {
		mime, payload, err := parseDataURL(a.DataURL)
		if err != nil {
			log.Info("Skipping attachment with unreadable data URL", "name", a.Name, "error", err.Error())
			continue
		}
		parts = append(parts, protocol.ContentPart{
			Type: partType(mime),
			Media: &protocol.Media{
				Data:      payload,
				MimeType:  mime,
				Filename:  a.Name,
				SizeBytes: a.Size,
			},
		})
	}
	return parts
}

// PartsToAttachments decodes the media parts of a completion into UI
// attachments. Text parts are ignored.
func PartsToAttachments(parts []protocol.ContentPart) []FileAttachment {
	var out []FileAttachment
	for _, p := range parts {
		if p.Type == protocol.PartText || p.Media == nil {
			continue
		}
		m := p.Media

		dataURL := m.URL
		if m.Data != "" {
			dataURL = fmt.Sprintf("data:%s;base64,%s", m.MimeType, m.Data)
		}
		name := m.Filename
		if name == "" {
			name = fmt.Sprintf("%s-%d", p.Type, time.Now().UnixMilli())
		}

		out = append(out, FileAttachment{
			ID:      NewID(),
			Name:    name,
			Type:    m.MimeType,
			Size:    m.SizeBytes,
			DataURL: dataURL,
		})
	}
	return out
}

// ExtractText joins the text parts with newlines, in order.
func ExtractText(parts []protocol.ContentPart) string {
	var texts []string
	for _, p := range parts {
		if p.Type == protocol.PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
