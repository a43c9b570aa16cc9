package oauth

import (
	"html/template"
	"io"

	"github.com/inercia/chatemu/internal/conversion"
)

// ConsentPage is the data rendered on the emulated consent screen.
type ConsentPage struct {
	ConversationID string
	ConnectionName string
	CardText       string
	Action         string
	State          string
}

// ConsentDone is the data rendered after the user granted consent.
type ConsentDone struct {
	ConversationID string
	ConnectionName string
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Emulated sign-in</title></head>
<body>
<h1>Emulated sign-in</h1>
<p>Conversation <code>{{.ConversationID}}</code>{{if .ConnectionName}} is asking for connection <code>{{.ConnectionName}}</code>{{end}}.</p>
{{if .Text}}<div class="card-text">{{.Text}}</div>{{end}}
<p>No real identity provider is involved. Granting consent sends an emulated token to the bot.</p>
<form method="post" action="{{.Action}}">
<input type="hidden" name="state" value="{{.State}}">
<button type="submit">Grant consent</button>
</form>
</body>
</html>
`))

var doneTemplate = template.Must(template.New("done").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Signed in</title></head>
<body>
<h1>Signed in</h1>
<p>An emulated token{{if .ConnectionName}} for <code>{{.ConnectionName}}</code>{{end}} was sent to the bot in conversation <code>{{.ConversationID}}</code>. You can close this window.</p>
</body>
</html>
`))

var cardText = conversion.DefaultConverter()

// RenderConsent writes the consent page. Card text is markdown authored by
// the bot and is sanitized before rendering.
func RenderConsent(w io.Writer, page ConsentPage) error {
	return consentTemplate.Execute(w, struct {
		ConsentPage
		Text template.HTML
	}{page, cardText.ConvertToSafeHTML(page.CardText)})
}

// RenderConsentDone writes the page shown after consent was granted.
func RenderConsentDone(w io.Writer, done ConsentDone) error {
	return doneTemplate.Execute(w, done)
}
