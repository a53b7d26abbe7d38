package notify

import (
	"bytes"
	"html/template"
	"time"
)

var (
	otpTemplate = template.Must(template.New("otp").Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px; border: 1px solid #e1e1e1; border-radius: 10px;">
  <h2 style="color: #333; text-align: center;">Verify Your Account</h2>
  <p style="font-size: 16px; color: #555;">Thank you for registering with the University Library. Please use the following One-Time Password (OTP) to verify your account:</p>
  <div style="text-align: center; margin: 30px 0;">
    <span style="font-size: 32px; font-weight: bold; letter-spacing: 5px; color: #2563eb; background-color: #f3f4f6; padding: 10px 20px; border-radius: 5px;">{{.Code}}</span>
  </div>
  <p style="font-size: 14px; color: #777;">This code is valid for {{.Minutes}} minutes. If you did not request this, please ignore this email.</p>
</div>`))

	resetTemplate = template.Must(template.New("reset").Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <h2 style="color: #333;">Password Recovery</h2>
  <p>We received a request to reset the password of your library account.</p>
  <p><a href="{{.URL}}" style="display: inline-block; padding: 10px 20px; background-color: #2563eb; color: #fff; text-decoration: none; border-radius: 5px;">Reset Password</a></p>
  <p style="font-size: 14px; color: #777;">The link expires in {{.Minutes}} minutes. If you did not request this, please ignore this email.</p>
</div>`))

	dueTemplate = template.Must(template.New("due").Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <h2 style="color: #333;">{{if .Overdue}}Overdue Book{{else}}Book Due Tomorrow{{end}}</h2>
  <p>Hello {{.Name}},</p>
  {{if .Overdue}}<p>The book <strong>{{.Title}}</strong> was due on {{.Due}} and has not been returned. Late fees accrue for every day past the due date.</p>
  {{else}}<p>This is a reminder that <strong>{{.Title}}</strong> is due back on {{.Due}}.</p>{{end}}
</div>`))
)

func render(t *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func minutes(d time.Duration) int { return int(d.Round(time.Minute) / time.Minute) }
