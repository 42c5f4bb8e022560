package mail

import "strings"

// Headers holds the header fields that map onto message recipients.
type Headers struct {
	ReplyTo []string
	Cc      []string
	Bcc     []string
}

// headerFields maps a case-insensitive line prefix to the list it fills.
var headerFields = []struct {
	prefix string
	field  func(*Headers) *[]string
}{
	{"Reply-To:", func(h *Headers) *[]string { return &h.ReplyTo }},
	{"Cc:", func(h *Headers) *[]string { return &h.Cc }},
	{"Bcc:", func(h *Headers) *[]string { return &h.Bcc }},
}

// ParseHeaders extracts Reply-To, Cc and Bcc addresses from header lines.
// Other lines are ignored.
func ParseHeaders(lines []string) Headers {
	var h Headers
	for _, line := range lines {
		line = strings.TrimSpace(line)
		for _, f := range headerFields {
			if len(line) < len(f.prefix) || !strings.EqualFold(line[:len(f.prefix)], f.prefix) {
				continue
			}
			dst := f.field(&h)
			*dst = append(*dst, splitList(line[len(f.prefix):])...)
			break
		}
	}
	return h
}
