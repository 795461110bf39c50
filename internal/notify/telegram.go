// Package notify pushes critical anomaly alerts to a Telegram chat.
package notify

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"candlewatch/models"
)

// maxAlertRecords caps how many records a single alert message lists.
const maxAlertRecords = 5

// Notifier sends anomaly alerts. A notifier built without a token is
// disabled and all sends become no-ops, so the pipeline runs without
// Telegram credentials.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

// New creates a notifier. An empty token yields a disabled notifier.
func New(token string, chatID int64) (*Notifier, error) {
	n := &Notifier{
		chatID: chatID,
		logger: log.With().Str("component", "notifier").Logger(),
	}
	if token == "" {
		n.logger.Warn().Msg("telegram token not set, alerts disabled")
		return n, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	n.bot = bot
	return n, nil
}

// Enabled reports whether alerts will actually be sent.
func (n *Notifier) Enabled() bool { return n.bot != nil }

// AlertAnomalies sends one message summarizing the critical and major-event
// records of a scored run. Nothing is sent when there are none.
func (n *Notifier) AlertAnomalies(symbol string, report *models.ScoreReport) error {
	if n.bot == nil {
		return nil
	}

	var alerts []models.AnomalyRecord
	for _, rec := range report.Anomalies {
		if rec.Severity == models.SeverityCritical || rec.IsMajorEvent {
			alerts = append(alerts, rec)
		}
	}
	if len(alerts) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ %s: %d anomalous candles (rate %.1f%%, threshold %.6f)\n",
		symbol, len(alerts), report.AnomalyRate*100, report.Threshold)
	for i, rec := range alerts {
		if i >= maxAlertRecords {
			fmt.Fprintf(&b, "… and %d more\n", len(alerts)-maxAlertRecords)
			break
		}
		marker := ""
		if rec.IsMajorEvent {
			marker = " MAJOR"
		}
		fmt.Fprintf(&b, "#%d %s%s error=%.6f\n", rec.Index, rec.Severity, marker, rec.ReconstructionError)
	}

	msg := tgbotapi.NewMessage(n.chatID, b.String())
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("sending alert: %w", err)
	}
	n.logger.Info().Int("alerts", len(alerts)).Msg("alert sent")
	return nil
}
