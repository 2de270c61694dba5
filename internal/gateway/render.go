package gateway

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	. "github.com/tablesage/tablesage/internal/logging"
	"github.com/tablesage/tablesage/internal/session"
)

var historyTemplate = template.Must(template.New("history").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>tablesage - {{.SessionID}}</title>
<style>
body { font-family: -apple-system, sans-serif; max-width: 56rem; margin: 2rem auto; padding: 0 1rem; color: #222; }
h1 { font-size: 1.2rem; }
.msg { border-left: 3px solid #ccc; padding: 0.25rem 1rem; margin: 1rem 0; }
.msg.user { border-color: #3568a8; }
.msg.assistant { border-color: #3a8f5f; }
.meta { font-size: 0.75rem; color: #888; margin-bottom: 0.25rem; }
pre { background: #f4f4f4; padding: 0.5rem; overflow-x: auto; }
code { background: #f4f4f4; padding: 0 0.2rem; }
</style>
</head>
<body>
<h1>Session {{.SessionID}} &middot; {{.Layer}} layer</h1>
{{range .Messages}}<div class="msg {{.Role}}">
<div class="meta">{{.Role}} &middot; {{.Kind}} &middot; {{.Time}}</div>
<div class="body">{{.Body}}</div>
</div>
{{end}}</body>
</html>
`))

type historyView struct {
	SessionID string
	Layer     string
	Messages  []messageView
}

type messageView struct {
	Role string
	Kind string
	Time string
	Body template.HTML
}

// renderMarkdown converts message content to HTML. Raw HTML in the source
// is dropped by goldmark's default renderer, so stored content cannot
// inject markup. Conversion failures fall back to escaped plain text.
func renderMarkdown(content string) template.HTML {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))

	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		return template.HTML("<pre>" + template.HTMLEscapeString(content) + "</pre>")
	}
	return template.HTML(buf.String())
}

// renderMessage picks a rendering per message kind. SQL statements get a
// fenced code block so they render verbatim.
func renderMessage(m session.Message) template.HTML {
	if m.Kind == session.KindSQL {
		return renderMarkdown("```sql\n" + m.Content + "\n```")
	}
	return renderMarkdown(m.Content)
}

// renderHistoryHTML writes one history layer as a self-contained HTML page.
func (s *Server) renderHistoryHTML(w http.ResponseWriter, sessionID, layer string, msgs []session.Message) {
	view := historyView{SessionID: sessionID, Layer: layer}
	for _, m := range msgs {
		view.Messages = append(view.Messages, messageView{
			Role: m.Role,
			Kind: m.Kind,
			Time: m.Timestamp.Format("2006-01-02 15:04:05"),
			Body: renderMessage(m),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := historyTemplate.Execute(w, view); err != nil {
		L_error("gateway: history template error", "error", err)
	}
}
