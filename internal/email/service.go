// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	EnableTLS bool
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	// Simple multipart message
	boundary := "boundary-veil"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// WelcomeData holds data for the new-account email.
type WelcomeData struct {
	AppName      string
	UserName     string
	Email        string
	TempPassword string
	SignInURL    string
}

// AssignmentData holds data for the job-assignment email.
type AssignmentData struct {
	AppName  string
	UserName string
	FileName string
	Stage    string
	JobURL   string
}

// RejectionData holds data for the QA-rejection email.
type RejectionData struct {
	AppName  string
	UserName string
	FileName string
	Comments string
	JobURL   string
}

// SendWelcomeEmail sends the temporary credentials for a new account.
func (s *Service) SendWelcomeEmail(to, userName, tempPassword, signInURL string) error {
	data := WelcomeData{
		AppName:      "Veil",
		UserName:     userName,
		Email:        to,
		TempPassword: tempPassword,
		SignInURL:    signInURL,
	}

	subject := "Your Veil account"
	html, err := renderTemplate(welcomeEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render welcome template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendAssignmentEmail notifies a user that a job landed in their queue.
func (s *Service) SendAssignmentEmail(to, userName, fileName, stage, jobURL string) error {
	data := AssignmentData{
		AppName:  "Veil",
		UserName: userName,
		FileName: fileName,
		Stage:    stage,
		JobURL:   jobURL,
	}

	subject := fmt.Sprintf("New %s assignment: %s", stage, fileName)
	html, err := renderTemplate(assignmentEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render assignment template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendRejectionEmail notifies an annotator that QA sent a job back.
func (s *Service) SendRejectionEmail(to, userName, fileName, comments, jobURL string) error {
	data := RejectionData{
		AppName:  "Veil",
		UserName: userName,
		FileName: fileName,
		Comments: comments,
		JobURL:   jobURL,
	}

	subject := fmt.Sprintf("Rework requested: %s", fileName)
	html, err := renderTemplate(rejectionEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render rejection template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const welcomeEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Your {{.AppName}} account</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .credentials { background: #f5f5f5; padding: 12px; border-radius: 4px; margin: 20px 0; font-family: monospace; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Welcome, {{.UserName}}!</h2>

    <p>An account has been created for you. Sign in with the temporary password below; you will be asked to choose your own on first sign-in.</p>

    <div class="credentials">
        <div>Email: {{.Email}}</div>
        <div>Temporary password: {{.TempPassword}}</div>
    </div>

    <p>
        <a href="{{.SignInURL}}" class="button">Sign In</a>
    </p>

    <div class="footer">
        <p>If you weren't expecting this account, contact your administrator.</p>
    </div>
</body>
</html>`

const assignmentEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New assignment</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>The file <strong>{{.FileName}}</strong> was assigned to you for {{.Stage}}.</p>

    <p>
        <a href="{{.JobURL}}" class="button">Open Job</a>
    </p>

    <div class="footer">
        <p>You are receiving this because jobs in your queue notify by email.</p>
    </div>
</body>
</html>`

const rejectionEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Rework requested</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .comments { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; white-space: pre-wrap; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>QA returned <strong>{{.FileName}}</strong> for rework with the following notes:</p>

    <div class="comments">{{.Comments}}</div>

    <p>
        <a href="{{.JobURL}}" class="button">Open Job</a>
    </p>

    <div class="footer">
        <p>The job is back in your queue until it is resubmitted.</p>
    </div>
</body>
</html>`
