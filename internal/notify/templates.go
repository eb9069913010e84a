package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"cagewatch/internal/domain"
)

const AlertSubject = "Fish Cage Movement Alert"

// Alert is everything an owner is told about one abnormal reading.
type Alert struct {
	OwnerName string
	CageName  string
	Reading   domain.Reading
	Target    domain.RelocationTarget
	Verdict   domain.Verdict
}

// SMSText is the short relocation notice sent by SMS.
func SMSText(a Alert) string {
	name := a.OwnerName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hello %s, cage %s failed water-quality checks and is moving to %.6f, %.6f. Details sent by email.",
		name, a.CageName, a.Target.Latitude, a.Target.Longitude)
}

var alertEmail = template.Must(template.New("alert").Parse(`<!doctype html>
<html>
  <body style="font-family: Arial, sans-serif; background-color: #f8f9fa; padding: 30px;">
    <div style="max-width: 600px; margin: auto; background-color: white; padding: 20px; border-radius: 10px;">
      <h2 style="color: #d9534f;">Urgent alert: fish cage relocation</h2>
      <div style="padding: 15px; background: #fffae6; border-radius: 8px; border: 2px solid #ffcc00;">
        <h3>Automatic relocation in progress</h3>
        <p><strong>Fish cage:</strong> {{.CageName}}</p>
        <p><strong>Current location:</strong> {{printf "%.6f" .Reading.Location.Latitude}}, {{printf "%.6f" .Reading.Location.Longitude}}</p>
        <p><strong>New destination:</strong> {{printf "%.6f" .Target.Latitude}}, {{printf "%.6f" .Target.Longitude}}</p>
      </div>
      <div style="margin-top: 20px; background: #e8f5e9; padding: 15px; border-radius: 8px;">
        <h3>Water quality data</h3>
        <p><strong>Temperature:</strong> {{.Reading.Temperature}} °C</p>
        <p><strong>Nitrogen:</strong> {{.Reading.Nitrogen}} mg/L</p>
        <p><strong>Phosphorus:</strong> {{.Reading.Phosphorus}} mg/L</p>
        <p><strong>Oxygen:</strong> {{.Reading.Oxygen}} mg/L</p>
      </div>
      <div style="margin-top: 20px; background: #ffe4e1; padding: 15px; border-radius: 8px;">
        <h3>Why is this happening?</h3>
        <ul>{{range .Lines}}
          <li>{{.}}</li>{{end}}
        </ul>
      </div>
      <p style="margin-top: 20px;"><strong>Action:</strong> the cage is automatically relocating to a safer area.
      You will be alerted once the cage reaches its new location.</p>
    </div>
  </body>
</html>
`))

// AlertEmail renders the subject and HTML body of the alert email.
func AlertEmail(a Alert) (string, string, error) {
	var buf bytes.Buffer
	data := struct {
		Alert
		Lines []string
	}{Alert: a, Lines: strings.Split(a.Verdict.Explanation, "\n")}
	if err := alertEmail.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render alert email: %w", err)
	}
	return AlertSubject, buf.String(), nil
}
