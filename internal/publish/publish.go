// Package publish delivers a rendered document to the configured output
// channels.
//
//	d, err := publish.NewDispatcher(st, []publish.Channel{
//		publish.NewFile("archive", "./out"),
//		publish.NewTelegram("tg", token, chatID),
//	}, publish.WithPrimary("archive"))
//	report, err := d.Dispatch(ctx, doc)
//
// Channels run one after the other. A failing channel is logged and the rest
// still run; the dispatch as a whole fails only when the primary channel has
// not received the document, now or in an earlier attempt.
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yangwenmai/dailydigest/internal/model"
)

// ErrPrimaryFailed is returned by Dispatch when the primary channel did not
// receive the document.
var ErrPrimaryFailed = errors.New("publish: primary channel failed")

// Channel is one output destination for the daily document.
type Channel interface {
	Name() string
	Publish(ctx context.Context, doc model.Document) error
}

// DeliveryLog remembers which channels already received a document digest.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, date, channel, digest string) error
	DeliveredChannels(ctx context.Context, date, digest string) (map[string]bool, error)
}

// ChannelError is a publish failure on a single channel.
type ChannelError struct {
	Channel string
	Cause   error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("publish: channel %s: %v", e.Channel, e.Cause)
}

func (e *ChannelError) Unwrap() error { return e.Cause }

// Delivery states reported per channel.
const (
	StateDelivered = "delivered"
	StateSkipped   = "skipped"
	StateFailed    = "failed"
)

// ChannelResult is what happened on one channel during a dispatch.
type ChannelResult struct {
	Channel string `json:"channel"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// Report summarizes one dispatch.
type Report struct {
	Date    string          `json:"date"`
	Digest  string          `json:"digest"`
	Primary string          `json:"primary"`
	Results []ChannelResult `json:"results"`
}

// Failed returns the names of the channels that failed.
func (r Report) Failed() []string {
	var names []string
	for _, res := range r.Results {
		if res.State == StateFailed {
			names = append(names, res.Channel)
		}
	}
	return names
}

// Digest identifies the content of doc. Re-rendering unchanged items yields
// the same digest.
func Digest(doc model.Document) string {
	sum := sha256.Sum256([]byte(doc.Body))
	return hex.EncodeToString(sum[:])
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPrimary names the channel whose success decides the dispatch outcome.
func WithPrimary(name string) DispatcherOption {
	return func(d *Dispatcher) { d.primary = name }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// Dispatcher publishes a document to an ordered list of channels.
type Dispatcher struct {
	channels []Channel
	primary  string
	log      DeliveryLog
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. Without WithPrimary the first channel is
// the primary one.
func NewDispatcher(log DeliveryLog, channels []Channel, opts ...DispatcherOption) (*Dispatcher, error) {
	if len(channels) == 0 {
		return nil, errors.New("publish: no channels configured")
	}
	d := &Dispatcher{
		channels: channels,
		log:      log,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}

	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if seen[ch.Name()] {
			return nil, fmt.Errorf("publish: duplicate channel name %q", ch.Name())
		}
		seen[ch.Name()] = true
	}
	if d.primary == "" {
		d.primary = channels[0].Name()
	}
	if !seen[d.primary] {
		return nil, fmt.Errorf("publish: primary channel %q is not configured", d.primary)
	}
	return d, nil
}

// Primary returns the name of the primary channel.
func (d *Dispatcher) Primary() string { return d.primary }

// Dispatch sends doc to every channel that has not yet received this exact
// document. It returns ErrPrimaryFailed (wrapping the channel error) when the
// primary channel has still not received it afterwards.
func (d *Dispatcher) Dispatch(ctx context.Context, doc model.Document) (Report, error) {
	report := Report{Date: doc.Date, Digest: Digest(doc), Primary: d.primary}

	sent, err := d.log.DeliveredChannels(ctx, doc.Date, report.Digest)
	if err != nil {
		return report, fmt.Errorf("load deliveries for %s: %w", doc.Date, err)
	}
	if sent == nil {
		sent = make(map[string]bool)
	}

	var primaryErr error
	for _, ch := range d.channels {
		name := ch.Name()
		if sent[name] {
			report.Results = append(report.Results, ChannelResult{Channel: name, State: StateSkipped})
			continue
		}

		start := time.Now()
		if err := ch.Publish(ctx, doc); err != nil {
			cerr := &ChannelError{Channel: name, Cause: err}
			d.logger.Warn("publish channel failed", "date", doc.Date, "channel", name, "error", err)
			report.Results = append(report.Results, ChannelResult{Channel: name, State: StateFailed, Error: err.Error()})
			if name == d.primary {
				primaryErr = cerr
			}
			continue
		}

		sent[name] = true
		report.Results = append(report.Results, ChannelResult{Channel: name, State: StateDelivered})
		d.logger.Info("published", "date", doc.Date, "channel", name, "duration", time.Since(start).Round(time.Millisecond))
		if err := d.log.RecordDelivery(ctx, doc.Date, name, report.Digest); err != nil {
			d.logger.Warn("record delivery failed", "date", doc.Date, "channel", name, "error", err)
		}
	}

	if !sent[d.primary] {
		if primaryErr == nil {
			primaryErr = &ChannelError{Channel: d.primary, Cause: errors.New("not delivered")}
		}
		return report, fmt.Errorf("%w: %w", ErrPrimaryFailed, primaryErr)
	}
	return report, nil
}

// Option configures the HTTP-backed channels.
type Option func(*httpSettings)

type httpSettings struct {
	baseURL string
	client  *http.Client
}

// WithBaseURL overrides the channel's API endpoint.
func WithBaseURL(url string) Option {
	return func(s *httpSettings) { s.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient replaces the default client (15s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(s *httpSettings) {
		if c != nil {
			s.client = c
		}
	}
}

func newHTTPSettings(baseURL string, opts []Option) httpSettings {
	s := httpSettings{baseURL: baseURL, client: &http.Client{Timeout: 15 * time.Second}}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// statusError describes a non-success HTTP response.
func statusError(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if r := []rune(msg); len(r) > 300 {
		msg = string(r[:300])
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
}
