package ingest

import (
	"context"
	"fmt"

	"github.com/lalithlochan/marquee/internal/metrics"
)

// Webhook sources.
const (
	SourceSonarr = "sonarr"
	SourceRadarr = "radarr"
	SourceSeerr  = "jellyseerr"
)

// Process decodes a raw webhook body from source and handles it. Decoding
// failures wrap ErrInvalidPayload. Both the HTTP handlers and the inbox
// consumer come through here.
func (s *Service) Process(ctx context.Context, source string, body []byte) (*Result, error) {
	var (
		res   *Result
		event string
		err   error
	)

	switch source {
	case SourceSonarr:
		ev, derr := DecodeSonarr(body)
		if derr != nil {
			err = derr
			break
		}
		event = ev.EventType
		res, err = s.HandleSonarr(ctx, ev)
	case SourceRadarr:
		ev, derr := DecodeRadarr(body)
		if derr != nil {
			err = derr
			break
		}
		event = ev.EventType
		res, err = s.HandleRadarr(ctx, ev)
	case SourceSeerr:
		ev, derr := DecodeSeerr(body)
		if derr != nil {
			err = derr
			break
		}
		event = ev.NotificationType
		res, err = s.HandleSeerr(ctx, ev)
	default:
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidPayload, source)
	}

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case !res.Success:
		outcome = "rejected"
	}
	if event == "" {
		event = "invalid"
	}
	metrics.RecordWebhook(source, event, outcome)
	return res, err
}
