package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager posts incident notifications to a Slack webhook. A disabled
// manager, or one without a webhook, silently drops every alert.
type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
	now          func() time.Time
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

const footer = "auditsync integrity monitor"

func NewManager(enabled bool, slackWebhook string) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, &http.Client{Timeout: 10 * time.Second})
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
		now:          time.Now,
	}
}

func (m *Manager) active() bool {
	return m != nil && m.enabled && m.slackWebhook != ""
}

// SendHashChainBrokenAlert reports a ledger that failed verification.
func (m *Manager) SendHashChainBrokenAlert(module string, position uint64, expectedHash, actualHash string) error {
	if !m.active() {
		return nil
	}

	return m.send("🚨 *LEDGER INTEGRITY VIOLATION*", slackAttachment{
		Color: "danger",
		Title: "Hash Chain Broken",
		Fields: []slackField{
			{Title: "Module", Value: module, Short: true},
			{Title: "Position", Value: fmt.Sprintf("%d", position), Short: true},
			{Title: "Expected Hash", Value: expectedHash, Short: false},
			{Title: "Actual Hash", Value: actualHash, Short: false},
		},
	})
}

// SendDispatchFailedAlert reports a chained payload that could not be
// delivered. The ledger entry stays in place.
func (m *Manager) SendDispatchFailedAlert(module, topic string, attempts int, reason string) error {
	if !m.active() {
		return nil
	}

	return m.send("⚠️ *SYNC DISPATCH FAILED*", slackAttachment{
		Color: "warning",
		Title: "Dispatch Exhausted",
		Fields: []slackField{
			{Title: "Module", Value: module, Short: true},
			{Title: "Topic", Value: topic, Short: true},
			{Title: "Attempts", Value: fmt.Sprintf("%d", attempts), Short: true},
			{Title: "Reason", Value: reason, Short: false},
		},
	})
}

// SendTamperAlert reports a forbidden change to an append-only source table.
func (m *Manager) SendTamperAlert(table, operation, details string) error {
	if !m.active() {
		return nil
	}

	return m.send("🚨 *TAMPERING DETECTED*", slackAttachment{
		Color: "danger",
		Title: "Append-only Table Modified",
		Fields: []slackField{
			{Title: "Table", Value: table, Short: true},
			{Title: "Operation", Value: operation, Short: true},
			{Title: "Details", Value: details, Short: false},
		},
	})
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.active() {
		return nil
	}

	color := "danger"
	switch severity {
	case "warning", "good":
		color = severity
	}

	return m.send(fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title), slackAttachment{
		Color: color,
		Title: title,
		Fields: []slackField{
			{Title: "Message", Value: message, Short: false},
		},
	})
}

func (m *Manager) send(text string, attachment slackAttachment) error {
	attachment.Footer = footer
	attachment.Ts = m.now().Unix()

	payload, err := json.Marshal(slackMessage{
		Text:        text,
		Attachments: []slackAttachment{attachment},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
