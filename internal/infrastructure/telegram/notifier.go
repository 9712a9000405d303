package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/ports"
)

const defaultAPIBase = "https://api.telegram.org"

// Notifier sends run reports to a Telegram chat via bot API.
type Notifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// WithAPIBase points the notifier at another bot API host.
func (n *Notifier) WithAPIBase(base string) *Notifier {
	n.apiBase = strings.TrimSuffix(base, "/")
	return n
}

// PublishRunReport posts a Markdown summary of the run.
func (n *Notifier) PublishRunReport(ctx context.Context, run domain.PipelineRun) error {
	return n.send(ctx, FormatRunReport(run))
}

func (n *Notifier) send(ctx context.Context, text string) error {
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", text)
	form.Set("parse_mode", "Markdown")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}

	return nil
}

// markdownEscaper escapes the entity markers of Telegram's legacy Markdown.
var markdownEscaper = strings.NewReplacer(`_`, `\_`, `*`, `\*`, "[", `\[`, "`", "\\`")

// EscapeMarkdown makes free text safe to embed in a Markdown message.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// FormatRunReport renders the run as a short Markdown message. Everything
// outside the fixed markup is escaped, since an unbalanced entity makes
// Telegram reject the whole message.
func FormatRunReport(run domain.PipelineRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Catalog run* `%s`\n", strings.ReplaceAll(run.ID, "`", "'"))
	fmt.Fprintf(&b, "State: *%s*", run.State)
	if !run.EndedAt.IsZero() {
		fmt.Fprintf(&b, " in %s", run.EndedAt.Sub(run.StartedAt).Round(time.Second))
	}
	b.WriteString("\n")

	for _, kind := range domain.AllOutcomes {
		if n := run.Outcomes[kind]; n > 0 {
			fmt.Fprintf(&b, "• %s: %d\n", EscapeMarkdown(string(kind)), n)
		}
	}
	if len(run.CollectionErrors) > 0 {
		fmt.Fprintf(&b, "Collection errors: %d\n", len(run.CollectionErrors))
	}
	if run.AuditFailures > 0 {
		fmt.Fprintf(&b, "Audit write failures: %d\n", run.AuditFailures)
	}
	if run.Canceled {
		b.WriteString("Run was canceled\n")
	}
	if run.FatalError != "" {
		fmt.Fprintf(&b, "Fatal: %s\n", EscapeMarkdown(run.FatalError))
	}
	return strings.TrimSuffix(b.String(), "\n")
}
