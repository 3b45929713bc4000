package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	pkgerrors "github.com/aveline-shop/aveline-backend/pkg/errors"
	"github.com/aveline-shop/aveline-backend/pkg/logger"
)

// HTTPMailer forwards notification payloads to the external notification
// service. Rendering and delivery live there; this side only reports kind
// and payload.
type HTTPMailer struct {
	client *http.Client
	url    string
}

// NewHTTPMailer builds a mailer posting to the notification service URL.
func NewHTTPMailer(client *http.Client, url string) (*HTTPMailer, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if url == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "notification url required")
	}
	return &HTTPMailer{client: client, url: url}, nil
}

func (m *HTTPMailer) Send(ctx context.Context, kind Kind, payload map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"kind":    string(kind),
		"payload": payload,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build notification request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "send notification")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("notification service answered %d", resp.StatusCode))
	}
	return nil
}

// LogMailer records notifications instead of sending them. Used in dev when
// no notification service is configured.
type LogMailer struct {
	logg *logger.Logger
}

// NewLogMailer builds the log-only mailer.
func NewLogMailer(logg *logger.Logger) *LogMailer {
	return &LogMailer{logg: logg}
}

func (m *LogMailer) Send(ctx context.Context, kind Kind, payload map[string]any) error {
	if m.logg != nil {
		ctx = m.logg.WithFields(ctx, map[string]any{
			"kind":    string(kind),
			"payload": payload,
		})
		m.logg.Info(ctx, "notification (log only)")
	}
	return nil
}
