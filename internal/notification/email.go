// internal/notification/email.go

package notification

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sync"

	"github.com/edustat/edustat-backend/internal/common/logger"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

// EmailService delivers a rendered email
type EmailService interface {
	SendEmail(ctx context.Context, notification *EmailNotification) error
}

// SendGridEmailService implements email notifications using SendGrid
type SendGridEmailService struct {
	client   *sendgrid.Client
	from     string
	fromName string
}

// NewSendGridEmailService creates a new SendGrid email service
func NewSendGridEmailService(apiKey, from, fromName string) (*SendGridEmailService, error) {
	if apiKey == "" || from == "" {
		return nil, fmt.Errorf("incomplete SendGrid configuration")
	}
	if fromName == "" {
		fromName = "EduStat"
	}
	return &SendGridEmailService{
		client:   sendgrid.NewSendClient(apiKey),
		from:     from,
		fromName: fromName,
	}, nil
}

// SendEmail sends a single email via SendGrid
func (s *SendGridEmailService) SendEmail(ctx context.Context, notification *EmailNotification) error {
	from := mail.NewEmail(s.fromName, s.from)
	to := mail.NewEmail(notification.ToName, notification.To)
	message := mail.NewSingleEmail(from, notification.Subject, to, notification.Body, notification.HTML)

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email via SendGrid: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("SendGrid returned error status: %d", response.StatusCode)
	}

	logger.Log.Debug("email_sent", zap.String("to", notification.To), zap.Int("status", response.StatusCode))
	return nil
}

// MockEmailService records emails instead of sending them
type MockEmailService struct {
	mu   sync.Mutex
	sent []*EmailNotification
}

func NewMockEmailService() *MockEmailService {
	return &MockEmailService{}
}

func (m *MockEmailService) SendEmail(ctx context.Context, notification *EmailNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, notification)
	logger.Log.Info("mock_email", zap.String("to", notification.To), zap.String("subject", notification.Subject))
	return nil
}

// Sent returns a copy of the recorded emails
func (m *MockEmailService) Sent() []*EmailNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*EmailNotification, len(m.sent))
	copy(out, m.sent)
	return out
}

const offlineEmailTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, 'Segoe UI', Roboto, Arial, sans-serif; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .preview { background: #f5f5f5; border-left: 4px solid #4a6cf7; padding: 12px 16px; margin: 16px 0; }
        .button { display: inline-block; padding: 10px 24px; background: #4a6cf7; color: white; text-decoration: none; border-radius: 5px; }
    </style>
</head>
<body>
    <p>Hi {{.RecipientName}},</p>
    <p><strong>{{.SenderName}}</strong> sent you a message while you were away.</p>
    <div class="preview">{{.Preview}}</div>
    {{if .Link}}<a class="button" href="{{.Link}}">Open conversation</a>{{end}}
</body>
</html>
`

var offlineTmpl = template.Must(template.New("offline").Parse(offlineEmailTemplate))

// RenderOfflineEmail builds the email for an offline notice
func RenderOfflineEmail(n OfflineNotice, appURL string) (*EmailNotification, error) {
	name := n.RecipientName
	if name == "" {
		name = "there"
	}
	link := ""
	if appURL != "" {
		link = fmt.Sprintf("%s/chat/%d", appURL, n.ConversationID)
	}

	var buf bytes.Buffer
	err := offlineTmpl.Execute(&buf, map[string]interface{}{
		"Title":         "New message from " + n.SenderName,
		"RecipientName": name,
		"SenderName":    n.SenderName,
		"Preview":       n.Preview,
		"Link":          link,
	})
	if err != nil {
		return nil, fmt.Errorf("render offline email: %w", err)
	}

	return &EmailNotification{
		To:      n.RecipientEmail,
		ToName:  n.RecipientName,
		Subject: "New message from " + n.SenderName,
		Body:    fmt.Sprintf("%s: %s", n.SenderName, n.Preview),
		HTML:    buf.String(),
	}, nil
}
