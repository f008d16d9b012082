package server

import (
	"html/template"

	"github.com/papercomputeco/flowchat/pkg/conversation"
)

type pageData struct {
	Title    string
	Subtitle string
	Turns    []conversation.Turn
	Pending  bool
}

// html/template escapes turn content; flow replies are rendered as text.
var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
	body { font-family: 'Segoe UI', sans-serif; background-color: #f8f9fa; margin: 0; }
	h2, p.subtitle { text-align: center; }
	p.subtitle { color: gray; }
	.chat-container { max-width: 700px; margin: auto; background: white; padding: 20px;
		border-radius: 10px; box-shadow: 0 4px 12px rgba(0, 0, 0, 0.1); display: flex; flex-direction: column; }
	.user-message, .bot-message { padding: 12px; border-radius: 10px; margin: 10px 0;
		width: fit-content; max-width: 80%; white-space: pre-wrap; }
	.user-message { background-color: #007bff; color: white; align-self: flex-end; }
	.bot-message { background-color: #000000; color: white; align-self: flex-start; }
	.typing { color: gray; font-style: italic; }
	form { display: flex; gap: 8px; max-width: 700px; margin: 20px auto; }
	form input[type=text] { flex: 1; padding: 10px; border-radius: 5px; border: 1px solid #ccc; }
</style>
</head>
<body>
<h2>{{.Title}}</h2>
<p class="subtitle">{{.Subtitle}}</p>
<div class="chat-container">
{{- range .Turns}}
	{{- if eq .Role "user"}}
	<div class="user-message">{{.Content}}</div>
	{{- else}}
	<div class="bot-message">{{.Content}}</div>
	{{- end}}
{{- end}}
{{- if .Pending}}
	<div class="typing">Assistant is typing...</div>
{{- end}}
</div>
<form method="post" action="/">
	<input type="text" name="message" placeholder="Type your message..." autocomplete="off" autofocus>
	<button type="submit">Send</button>
</form>
<form method="post" action="/reset">
	<button type="submit">New conversation</button>
</form>
</body>
</html>
`))
