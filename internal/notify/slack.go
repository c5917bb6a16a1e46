// Package notify sends upgrade run notifications to Slack.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lakeops/iceberg-v3-upgrade/internal/config"
	"github.com/lakeops/iceberg-v3-upgrade/internal/logging"
)

// Notifier sends notifications to a Slack incoming webhook
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// BatchStarted sends a notification when an upgrade batch starts
func (n *Notifier) BatchStarted(runID, database string, tableCount int) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":rocket:",
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Title: "Iceberg V3 Upgrade Started",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Database", Value: database, Short: true},
					{Title: "Tables", Value: fmt.Sprintf("%d", tableCount), Short: true},
				},
				Footer:    "iceberg-v3-upgrade",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// BatchCompleted sends a notification when every table succeeded or was skipped
func (n *Notifier) BatchCompleted(runID string, duration time.Duration, succeeded, skipped int) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":white_check_mark:",
		Text: fmt.Sprintf("Iceberg V3 upgrade completed: %d upgraded, %d skipped in %s.",
			succeeded, skipped, duration.Round(time.Second)),
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
					{Title: "Upgraded", Value: fmt.Sprintf("%d", succeeded), Short: true},
					{Title: "Skipped", Value: fmt.Sprintf("%d", skipped), Short: true},
				},
				Footer:    "iceberg-v3-upgrade",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// BatchFailed sends a notification when one or more tables failed
func (n *Notifier) BatchFailed(runID, summary string, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{
			{
				Color: "#dc3545", // red
				Title: "Iceberg V3 Upgrade Finished With Failures",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
					{Title: "Result", Value: summary, Short: false},
				},
				Footer:    "iceberg-v3-upgrade",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return "iceberg-v3-upgrade"
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling Slack message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		// Notification failures never fail the run
		logging.Warn("Slack notification failed: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.Warn("Slack webhook returned status %d", resp.StatusCode)
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
