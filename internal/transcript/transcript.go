// Package transcript exports a conversation history as text or HTML.
package transcript

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/tjfontaine/twin-chat/internal/conversation"
	"github.com/tjfontaine/twin-chat/internal/tokens"
)

// Format selects the export rendering.
type Format string

const (
	FormatText Format = "text"
	FormatHTML Format = "html"
)

// FormatFromPath picks the format from a file extension. Anything other than
// .html or .htm is text.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return FormatHTML
	default:
		return FormatText
	}
}

// Filename returns the default export name for the day of t.
func Filename(t time.Time, f Format) string {
	ext := ".txt"
	if f == FormatHTML {
		ext = ".html"
	}
	return "conversation-" + t.Format("2006-01-02") + ext
}

// Text renders each message as "ROLE: content\n", separated by blank lines.
func Text(history []conversation.Message) string {
	entries := make([]string, len(history))
	for i, msg := range history {
		entries[i] = fmt.Sprintf("%s: %s\n", strings.ToUpper(string(msg.Role)), msg.Content)
	}
	return strings.Join(entries, "\n")
}

var htmlTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
{{- with .Usage}}
<p class="usage">{{.Messages}} messages, {{if .Estimated}}~{{end}}{{.Total}} tokens ({{.Counter}})</p>
{{- end}}
{{- range .Messages}}
<section class="message {{.Role}}">
<h2>{{.Role}} <time datetime="{{.Time}}">{{.Time}}</time></h2>
{{- if .HTML}}
{{.HTML}}
{{- else}}
<p style="white-space: pre-wrap">{{.Text}}</p>
{{- end}}
</section>
{{- end}}
</body>
</html>
`))

type htmlMessage struct {
	Role string
	Time string
	Text string
	HTML template.HTML
}

// WriteHTML renders the history as a standalone page. Assistant replies are
// treated as markdown; user messages are shown verbatim. usage may be nil.
func WriteHTML(w io.Writer, title string, history []conversation.Message, usage *tokens.Usage) error {
	data := struct {
		Title    string
		Usage    *tokens.Usage
		Messages []htmlMessage
	}{Title: title, Usage: usage}

	for _, msg := range history {
		m := htmlMessage{
			Role: string(msg.Role),
			Time: msg.CreatedAt.UTC().Format(time.RFC3339),
			Text: msg.Content,
		}
		if msg.Role == conversation.RoleAssistant {
			var buf bytes.Buffer
			if err := goldmark.Convert([]byte(msg.Content), &buf); err != nil {
				return fmt.Errorf("render message %s: %w", msg.ID, err)
			}
			m.HTML = template.HTML(buf.String())
		}
		data.Messages = append(data.Messages, m)
	}

	return htmlTemplate.Execute(w, data)
}

// Save writes the history to path in the format its extension implies.
func Save(path string, history []conversation.Message, usage *tokens.Usage) error {
	var buf bytes.Buffer
	switch FormatFromPath(path) {
	case FormatHTML:
		title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if err := WriteHTML(&buf, title, history, usage); err != nil {
			return err
		}
	default:
		buf.WriteString(Text(history))
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}
