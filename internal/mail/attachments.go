package mail

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MaxAttachmentSize is the largest file attached inline to a message.
const MaxAttachmentSize = 4 << 20

// LoadAttachments reads the files at paths. Paths that do not exist, are not
// regular files, exceed MaxAttachmentSize, or cannot be read are skipped.
func LoadAttachments(paths []string) []Attachment {
	var out []Attachment
	for _, path := range paths {
		att, ok := loadAttachment(path)
		if ok {
			out = append(out, att)
		}
	}
	return out
}

func loadAttachment(path string) (Attachment, bool) {
	info, err := os.Stat(path)
	if err != nil {
		slog.Debug("skipping attachment", "path", path, "error", err)
		return Attachment{}, false
	}
	if !info.Mode().IsRegular() {
		slog.Debug("skipping attachment", "path", path, "reason", "not a regular file")
		return Attachment{}, false
	}
	if info.Size() > MaxAttachmentSize {
		slog.Debug("skipping attachment", "path", path, "size", info.Size(), "limit", MaxAttachmentSize)
		return Attachment{}, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Debug("skipping attachment", "path", path, "error", err)
		return Attachment{}, false
	}

	contentType, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
	return Attachment{
		Name:        filepath.Base(path),
		ContentType: strings.TrimSpace(contentType),
		Content:     data,
	}, true
}
