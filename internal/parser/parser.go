// Package parser reads inbound RFC 5322 messages received by the SMTP hook,
// including MIME multipart bodies and attachments.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
)

// Message is a parsed inbound message.
type Message struct {
	From      string
	To        []string
	Cc        []string
	Bcc       []string
	ReplyTo   []string
	Subject   string
	MessageID string
	TextBody  string
	HTMLBody  string
	Parts     []Part
}

// Part is an attachment carried by a Message.
type Part struct {
	Filename    string
	ContentType string
	Content     []byte
}

var wordDecoder = &mime.WordDecoder{}

// Parse parses a raw message. Plain and HTML bodies are taken from the first
// matching part; parts with a filename or attachment disposition become Parts.
func Parse(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &Message{
		From:      firstAddress(msg.Header.Get("From")),
		To:        parseAddressList(msg.Header.Get("To")),
		Cc:        parseAddressList(msg.Header.Get("Cc")),
		Bcc:       parseAddressList(msg.Header.Get("Bcc")),
		ReplyTo:   parseAddressList(msg.Header.Get("Reply-To")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		MessageID: msg.Header.Get("Message-Id"),
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	body, err = decodeTransfer(msg.Header.Get("Content-Transfer-Encoding"), body)
	if err != nil {
		return nil, err
	}

	switch mediaType {
	case "text/html":
		result.HTMLBody = string(body)
	case "text/plain":
		result.TextBody = string(body)
	default:
		slog.Warn("unrecognized top-level content type", "content_type", mediaType)
		result.TextBody = string(body)
	}
	return result, nil
}

func parseMultipart(body io.Reader, boundary string, result *Message) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if params["boundary"] == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, params["boundary"], result); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		raw, err := io.ReadAll(part)
		if err != nil {
			slog.Warn("failed to read part content", "content_type", mediaType, "error", err)
			continue
		}
		content, err := decodeTransfer(part.Header.Get("Content-Transfer-Encoding"), raw)
		if err != nil {
			slog.Warn("failed to decode part content", "content_type", mediaType, "error", err)
			continue
		}

		disposition := strings.ToLower(part.Header.Get("Content-Disposition"))
		filename := partFilename(part, params)

		switch {
		case strings.HasPrefix(disposition, "attachment"):
			if filename == "" {
				filename = fallbackFilename(mediaType)
			}
			result.Parts = append(result.Parts, Part{Filename: filename, ContentType: mediaType, Content: content})
		case mediaType == "text/plain" && filename == "":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
		case mediaType == "text/html" && filename == "":
			if result.HTMLBody == "" {
				result.HTMLBody = string(content)
			}
		case filename != "":
			result.Parts = append(result.Parts, Part{Filename: filename, ContentType: mediaType, Content: content})
		default:
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
		}
	}
}

// decodeTransfer undoes base64 transfer encoding. Quoted-printable parts are
// decoded by mime/multipart already; other encodings pass through.
func decodeTransfer(encoding string, raw []byte) ([]byte, error) {
	if !strings.EqualFold(strings.TrimSpace(encoding), "base64") {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "", " ", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// partFilename returns the Content-Disposition filename, else the
// Content-Type name parameter, else "".
func partFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return decodeHeader(fn)
	}
	return decodeHeader(params["name"])
}

// fallbackFilename names an attachment that carries no filename, since
// downstream APIs require one.
func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

func decodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func firstAddress(raw string) string {
	if addrs := parseAddressList(raw); len(addrs) > 0 {
		return addrs[0]
	}
	return ""
}

// parseAddressList returns the bare addresses from a header value, falling
// back to a comma split when the value is not valid RFC 5322.
func parseAddressList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		var result []string
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
