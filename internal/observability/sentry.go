package observability

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

// headers that carry credentials and never leave the process
var scrubbedHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-Forwarded-For"}

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		SendDefaultPII:   false,
		BeforeSend:       scrubEvent,
	})
}

// scrubEvent drops request bodies and credential headers. Login, refresh and
// logout bodies hold passwords and refresh secrets.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	event.Request.Data = ""
	event.Request.Cookies = ""
	for _, name := range scrubbedHeaders {
		delete(event.Request.Headers, name)
		delete(event.Request.Headers, http.CanonicalHeaderKey(name))
	}
	return event
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
