package notify

import (
	"context"
	"fmt"
	"html"

	"gopkg.in/gomail.v2"
	"gorm.io/gorm"

	"go_dbchange/internal/config"
	"go_dbchange/internal/model"
)

// mailSender is satisfied by *gomail.Dialer
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// MailSink mails CC users when an order is approved, rejected, done or failed
type MailSink struct {
	db     *gorm.DB
	sender mailSender
	from   string
}

// NewMailSink creates a mail sink from SMTP configuration
func NewMailSink(db *gorm.DB, cfg config.MailConfig) *MailSink {
	return &MailSink{
		db:     db,
		sender: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// Name implements Sink
func (s *MailSink) Name() string { return "mail" }

func mailWorthy(e Event) bool {
	if !e.Changed() {
		return false
	}
	switch e.ToStatus {
	case model.OrderStatusApproved, model.OrderStatusRejected, model.OrderStatusDone, model.OrderStatusFailed:
		return true
	}
	return false
}

// Send implements Sink
func (s *MailSink) Send(ctx context.Context, e Event) error {
	if !mailWorthy(e) {
		return nil
	}

	var emails []string
	err := s.db.WithContext(ctx).
		Table("order_users").
		Joins("JOIN users ON users.id = order_users.user_id").
		Where("order_users.order_id = ? AND order_users.relation = ? AND users.email <> ''", e.OrderID, model.OrderRelationCC).
		Pluck("users.email", &emails).Error
	if err != nil {
		return fmt.Errorf("load cc users: %w", err)
	}
	if len(emails) == 0 {
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", emails...)
	m.SetHeader("Subject", fmt.Sprintf("[dbchange] order #%d %s", e.OrderID, e.ToStatus))
	m.SetBody("text/html", fmt.Sprintf(`
		<html>
		<body>
			<h2>%s</h2>
			<ul>
				<li>Order: #%d</li>
				<li>Status: %s -> %s</li>
				<li>Operator: %s</li>
			</ul>
			<p>%s</p>
		</body>
		</html>
	`, html.EscapeString(e.Title), e.OrderID, e.FromStatus, e.ToStatus, html.EscapeString(e.Operator), html.EscapeString(e.Comment)))

	return s.sender.DialAndSend(m)
}
