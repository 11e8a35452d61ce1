// Package notify delivers per-job failure reports and end-of-batch summaries
// to a set of destinations (mailto and webhook URLs).
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/go-pkgz/syncs"
)

// Params configures the notification service
type Params struct {
	Destinations    []string // mailto:... or http(s)://... webhook URLs
	OnError         bool
	OnCompletion    bool
	HostName        string
	Timeout         time.Duration
	ErrorTemplate   string // optional template file overriding the default
	SummaryTemplate string

	SMTPHost     string
	SMTPPort     int
	SMTPTLS      bool
	SMTPUsername string
	SMTPPassword string
}

// Service formats messages and fans them out to all destinations
type Service struct {
	Params
	email   *notify.Email
	webhook *notify.Webhook
}

// NewService makes the notification service, nil if no destinations given or
// both triggers disabled. IsOnError, IsOnCompletion and Send tolerate a nil
// receiver.
func NewService(p Params) *Service {
	if len(p.Destinations) == 0 || (!p.OnError && !p.OnCompletion) {
		return nil
	}
	if p.Timeout == 0 {
		p.Timeout = 10 * time.Second
	}
	res := &Service{Params: p}
	res.email = notify.NewEmail(notify.SMTPParams{
		Host:        p.SMTPHost,
		Port:        p.SMTPPort,
		TLS:         p.SMTPTLS,
		Username:    p.SMTPUsername,
		Password:    p.SMTPPassword,
		TimeOut:     p.Timeout,
		ContentType: "text/html",
	})
	res.webhook = notify.NewWebhook(notify.WebhookParams{Timeout: p.Timeout})
	log.Printf("[INFO] notifications enabled, %d destination(s)", len(p.Destinations))
	return res
}

// IsOnError reports if failure notifications are wanted
func (s *Service) IsOnError() bool { return s != nil && s.OnError }

// IsOnCompletion reports if batch summary notifications are wanted
func (s *Service) IsOnCompletion() bool { return s != nil && s.OnCompletion }

// Send delivers text to every destination concurrently and returns the
// combined error for any that failed
func (s *Service) Send(ctx context.Context, subj, text string) error {
	if s == nil {
		return nil
	}

	var mu sync.Mutex
	var errs []error
	gr := syncs.NewSizedGroup(4, syncs.Context(ctx))
	for _, dest := range s.Destinations {
		gr.Go(func(ctx context.Context) {
			if err := s.sendOne(ctx, dest, subj, text); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("send to %s failed: %w", dest, err))
				mu.Unlock()
			}
		})
	}
	gr.Wait()
	return errors.Join(errs...)
}

func (s *Service) sendOne(ctx context.Context, dest, subj, text string) error {
	if strings.HasPrefix(dest, "mailto:") {
		if !strings.Contains(dest, "subject=") {
			sep := "?"
			if strings.Contains(dest, "?") {
				sep = "&"
			}
			dest += sep + "subject=" + url.QueryEscape(subj)
		}
		return s.email.Send(ctx, dest, text)
	}
	return s.webhook.Send(ctx, dest, text)
}

// MakeErrorHTML renders the failure message for one job
func (s *Service) MakeErrorHTML(identity, target, errorLog string) (string, error) {
	data := struct {
		Identity string
		Target   string
		TS       time.Time
		Error    string
		Host     string
	}{Identity: identity, Target: target, TS: time.Now(), Error: errorLog, Host: s.hostName()}
	return render(s.ErrorTemplate, defaultErrorTemplate, data)
}

// MakeSummaryHTML renders the end-of-batch summary message
func (s *Service) MakeSummaryHTML(attempted, succeeded, failed, skipped int) (string, error) {
	data := struct {
		Attempted, Succeeded, Failed, Skipped int
		TS                                    time.Time
		Host                                  string
	}{Attempted: attempted, Succeeded: succeeded, Failed: failed, Skipped: skipped, TS: time.Now(), Host: s.hostName()}
	return render(s.SummaryTemplate, defaultSummaryTemplate, data)
}

func (s *Service) hostName() string {
	if s.HostName != "" {
		return s.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// render parses the template from file if given, falling back to the built-in
// one on any load or parse problem
func render(fname, fallback string, data any) (string, error) {
	text := fallback
	if fname != "" {
		if body, err := os.ReadFile(fname); err == nil { //nolint:gosec // operator-provided template path
			text = string(body)
		} else {
			log.Printf("[WARN] can't read template %s, using default, %v", fname, err)
		}
	}

	tmpl, err := template.New("msg").Parse(text)
	if err != nil {
		if text == fallback {
			return "", fmt.Errorf("can't parse message template: %w", err)
		}
		log.Printf("[WARN] can't parse custom template, using default, %v", err)
		tmpl = template.Must(template.New("msg").Parse(fallback))
	}

	buf := bytes.Buffer{}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("can't execute message template: %w", err)
	}
	return buf.String(), nil
}

var defaultErrorTemplate = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
	</head>
	<body>
		<p>buildq job failed on <b>{{.Host}}</b> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Job: <b>{{.Identity}}</b></li>
			<li>Target: <b>{{.Target}}</b></li>
		</ul>
		<pre>
{{.Error}}
		</pre>
	</body>
</html>
`

var defaultSummaryTemplate = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
	</head>
	<body>
		<p>buildq batch completed on <b>{{.Host}}</b> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Attempted: <b>{{.Attempted}}</b></li>
			<li>Succeeded: <b>{{.Succeeded}}</b></li>
			<li>Failed: <b>{{.Failed}}</b></li>
			<li>Skipped: <b>{{.Skipped}}</b></li>
		</ul>
	</body>
</html>
`
