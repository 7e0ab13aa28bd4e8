package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"bibkat-backend/internal/components/assert"
	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/internal/config"
	"bibkat-backend/internal/orchestrator"

	"github.com/jordan-wright/email"
)

const report_notifier_send = "notifier.send"

type sendFunc func(mail *email.Email) error

// Notifier mails a digest after every cycle. The same digest is only sent once a day.
type Notifier struct {
	smtp       config.Smtp
	thresholds Thresholds
	time       chrono.TimeAPI
	tel        telemetry.API
	send       sendFunc

	mutex    sync.Mutex
	lastDay  string
	lastText string
}

func NewNotifier(smtpConfig config.Smtp, thresholds Thresholds, timeApi chrono.TimeAPI, tel telemetry.API) *Notifier {
	assert.NotNil(timeApi)
	assert.NotNil(tel)

	n := &Notifier{
		smtp:       smtpConfig,
		thresholds: thresholds,
		time:       timeApi,
		tel:        telemetry.NewScopedAPI("notify", tel),
	}
	n.send = n.sendSmtp
	return n
}

func (n *Notifier) sendSmtp(mail *email.Email) error {
	addr := fmt.Sprintf("%s:%d", n.smtp.Host, n.smtp.Port)
	username := n.smtp.Username
	if username == "" {
		username = n.smtp.From
	}
	err := mail.Send(addr, smtp.PlainAuth("", username, n.smtp.Password, n.smtp.Host))
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(addr, nil)
	}
	return err
}

// Notify builds the digest of a result and mails it. It returns whether a mail was sent.
func (n *Notifier) Notify(ctx context.Context, result orchestrator.Result) (bool, error) {
	if !n.smtp.Enabled() {
		return false, nil
	}
	digest := Build(result, n.thresholds, chrono.Today(n.time))
	if digest.Empty() {
		n.tel.ReportDebug("nothing to report")
		return false, nil
	}

	text := digest.Text()
	day := chrono.FormatIso(chrono.Today(n.time))
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if day == n.lastDay && text == n.lastText {
		n.tel.ReportDebug("digest already sent today")
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("BibKat <%s>", n.smtp.From)
	mail.To = n.smtp.To
	mail.Subject = digest.Subject()
	mail.Text = []byte(text)

	err := n.send(mail)
	if err != nil {
		n.tel.ReportWarning(report_notifier_send, err)
		return false, err
	}
	n.lastDay = day
	n.lastText = text
	n.tel.ReportCount(report_notifier_send, 1)
	return true, nil
}
