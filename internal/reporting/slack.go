package reporting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SlackNotifier sends failover notifications to a Slack webhook.
type SlackNotifier struct {
	WebhookURL string
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message.
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Blocks      []SlackBlock      `json:"blocks,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackBlock represents a Slack block element.
type SlackBlock struct {
	Type   string      `json:"type"`
	Text   *SlackText  `json:"text,omitempty"`
	Fields []SlackText `json:"fields,omitempty"`
}

// SlackText represents text content in Slack.
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackAttachment represents a Slack attachment.
type SlackAttachment struct {
	Color  string `json:"color"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
}

// TransitionSummary carries the fields shown in a role-change
// notification.
type TransitionSummary struct {
	Cluster string
	Node    string
	From    string
	To      string
	Reason  string
	At      time.Time
}

// NewSlackNotifier creates a Slack notifier. timeout bounds each webhook
// post.
func NewSlackNotifier(webhookURL string, timeout time.Duration) *SlackNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackNotifier{
		WebhookURL: webhookURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SendTransition posts a role-change notification.
func (s *SlackNotifier) SendTransition(summary TransitionSummary) error {
	if s.WebhookURL == "" {
		return nil
	}

	msg := SlackMessage{
		Blocks: []SlackBlock{
			{
				Type: "header",
				Text: &SlackText{
					Type: "plain_text",
					Text: fmt.Sprintf("Failover: %s is now %s", summary.Node, summary.To),
				},
			},
			{
				Type: "section",
				Fields: []SlackText{
					{Type: "mrkdwn", Text: "*Cluster:*\n" + summary.Cluster},
					{Type: "mrkdwn", Text: "*Node:*\n" + summary.Node},
					{Type: "mrkdwn", Text: fmt.Sprintf("*Role:*\n%s → %s", summary.From, summary.To)},
					{Type: "mrkdwn", Text: "*Reason:*\n" + summary.Reason},
				},
			},
		},
		Attachments: []SlackAttachment{
			{
				Color:  roleColor(summary.To),
				Footer: summary.At.Format(time.RFC3339),
			},
		},
	}

	return s.post(msg)
}

// SendFlapAlert posts a single alert when the circuit opens on a flapping
// cluster.
func (s *SlackNotifier) SendFlapAlert(cluster, node string, stats FlapStats) error {
	if s.WebhookURL == "" {
		return nil
	}

	text := fmt.Sprintf(
		":warning: Cluster *%s* is flapping on *%s*: %d role transitions in %s. Further notifications suppressed until it settles.",
		cluster, node, stats.Count, stats.Duration.Round(time.Second),
	)
	for _, reason := range stats.RecentReasons {
		text += "\n• " + reason
	}

	return s.post(SlackMessage{
		Blocks: []SlackBlock{
			{Type: "section", Text: &SlackText{Type: "mrkdwn", Text: text}},
		},
		Attachments: []SlackAttachment{{Color: "#d00000"}},
	})
}

// SendRecoveryAlert posts once when a flapping cluster has been quiet long
// enough to resume ordinary notifications.
func (s *SlackNotifier) SendRecoveryAlert(cluster, node string, stats FlapStats) error {
	if s.WebhookURL == "" {
		return nil
	}

	text := fmt.Sprintf(
		":white_check_mark: Cluster *%s* on *%s* has settled after %d role transitions over %s.",
		cluster, node, stats.Count, stats.Duration.Round(time.Second),
	)

	return s.post(SlackMessage{
		Blocks: []SlackBlock{
			{Type: "section", Text: &SlackText{Type: "mrkdwn", Text: text}},
		},
		Attachments: []SlackAttachment{{Color: "#36a64f"}},
	})
}

func (s *SlackNotifier) post(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	resp, err := s.httpClient.Post(s.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func roleColor(role string) string {
	switch role {
	case "master":
		return "#36a64f"
	case "slave":
		return "#439fe0"
	case "unhealthy":
		return "#d00000"
	case "disabled":
		return "#daa038"
	default:
		return "#cccccc"
	}
}
