package txt

import (
	"embed"
	"os"
	"text/template"
)

//go:embed *.txt
var files embed.FS

func parse(fn string) *template.Template {
	return template.Must(template.New(fn).ParseFS(files, fn))
}

// Confirm is the built-in challenge mail body, used when no mail_template
// is configured.
var Confirm = parse("confirm.txt")

// ConfirmData feeds the challenge body template. FullRef is the complete
// "Confirm: <token>" subject the sender has to reply with.
type ConfirmData struct {
	Subject          string
	SenderAddress    string
	RecipientAddress string
	ChallengeAddress string
	AdminAddress     string
	ID               string
	FullRef          string
}

// LoadConfirm parses an operator-provided template file. The file is read
// once at startup; a missing or broken template is a startup error.
func LoadConfirm(path string) (*template.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return template.New(path).Parse(string(data))
}
