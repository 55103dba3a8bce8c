// Package notify pushes pool events to operator channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/krypton-pool/krypton-pool/internal/config"
	"github.com/krypton-pool/krypton-pool/internal/ledger"
	"github.com/krypton-pool/krypton-pool/internal/util"
	"github.com/krypton-pool/krypton-pool/pkg/retry"
)

const (
	maxRetries     = 3
	retryBaseDelay = 2 * time.Second

	colorGreen  = 0x00FF00
	colorBlue   = 0x0099FF
	colorRed    = 0xFF0000
	colorOrange = 0xFFA500
)

// atomicUnits per whole coin
const atomicUnits = 1e12

// field is one labeled value in an event
type field struct {
	name   string
	value  string
	inline bool
}

// event is a channel-independent notification; the senders render it
// for Discord and Telegram
type event struct {
	title  string
	body   string
	color  int
	fields []field
}

// Notifier fans pool events out to the configured channels
type Notifier struct {
	cfg      *config.NotifyConfig
	poolName string
	client   *http.Client
}

// NewNotifier creates a notifier; with Enabled false every method is a no-op
func NewNotifier(cfg *config.NotifyConfig, poolName string) *Notifier {
	return &Notifier{
		cfg:      cfg,
		poolName: poolName,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// BlockFound announces a freshly submitted block
func (n *Notifier) BlockFound(block *ledger.Block, roundShares, networkDiff uint64) {
	var effort float64
	if roundShares > 0 && networkDiff > 0 {
		effort = float64(roundShares) / float64(networkDiff) * 100
	}

	n.dispatch(event{
		title: "Block Found!",
		body:  fmt.Sprintf("%s found a new block", n.poolName),
		color: colorGreen,
		fields: []field{
			{"Coin", strings.ToUpper(block.Coin), true},
			{"Height", fmt.Sprintf("%d", block.Height), true},
			{"Effort", fmt.Sprintf("%.2f%%", effort), true},
			{"Finder", truncateAddress(block.Finder), true},
			{"Hash", truncateHash(block.Hash), false},
		},
	})
}

// BlockUnlocked announces a matured block and its reward
func (n *Notifier) BlockUnlocked(block *ledger.Block) {
	n.dispatch(event{
		title: "Block Unlocked",
		body:  fmt.Sprintf("%s block matured and is ready to pay", n.poolName),
		color: colorBlue,
		fields: []field{
			{"Coin", strings.ToUpper(block.Coin), true},
			{"Height", fmt.Sprintf("%d", block.Height), true},
			{"Reward", formatAmount(block.Reward, block.Coin), true},
		},
	})
}

// BlockOrphaned reports a block the chain abandoned
func (n *Notifier) BlockOrphaned(coin string, height uint64, hash string) {
	n.dispatch(event{
		title: "Block Orphaned",
		body:  fmt.Sprintf("%s block was orphaned", n.poolName),
		color: colorRed,
		fields: []field{
			{"Coin", strings.ToUpper(coin), true},
			{"Height", fmt.Sprintf("%d", height), true},
			{"Hash", truncateHash(hash), false},
		},
	})
}

// PayoutCorrection reports that a reward window drifted from its target
// and the divisor was corrected
func (n *Notifier) PayoutCorrection(coin string, height uint64, windowTarget, totalShares float64) {
	n.dispatch(event{
		title: "Payout Window Corrected",
		body:  fmt.Sprintf("%s reward window drifted from its target", n.poolName),
		color: colorOrange,
		fields: []field{
			{"Coin", strings.ToUpper(coin), true},
			{"Height", fmt.Sprintf("%d", height), true},
			{"Target", fmt.Sprintf("%.0f", windowTarget), true},
			{"Collected", fmt.Sprintf("%.0f", totalShares), true},
		},
	})
}

// PaymentsSent announces a completed payout run
func (n *Notifier) PaymentsSent(coin string, totalPaid uint64, minerCount int) {
	n.dispatch(event{
		title: "Payments Sent",
		body:  fmt.Sprintf("%s has processed payouts", n.poolName),
		color: colorBlue,
		fields: []field{
			{"Total Paid", formatAmount(totalPaid, coin), true},
			{"Miners", fmt.Sprintf("%d", minerCount), true},
		},
	})
}

// DaemonDown alerts that a coin daemon stopped answering
func (n *Notifier) DaemonDown(coin string, err error) {
	n.dispatch(event{
		title: "Daemon Unreachable",
		body:  fmt.Sprintf("%s lost contact with the %s daemon", n.poolName, coin),
		color: colorRed,
		fields: []field{
			{"Error", err.Error(), false},
		},
	})
}

func (n *Notifier) dispatch(ev event) {
	if !n.cfg.Enabled {
		return
	}
	if n.cfg.DiscordURL != "" {
		go n.sendDiscord(ev)
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegram(ev)
	}
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) sendDiscord(ev event) {
	embed := discordEmbed{
		Title:       ev.title,
		Description: ev.body,
		Color:       ev.color,
		URL:         n.cfg.PoolURL,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer:      &discordFooter{Text: n.poolName},
	}
	for _, f := range ev.fields {
		embed.Fields = append(embed.Fields, discordField{Name: f.name, Value: f.value, Inline: f.inline})
	}

	body, err := json.Marshal(discordMessage{Embeds: []discordEmbed{embed}})
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}
	n.postWithRetry("Discord", n.cfg.DiscordURL, body)
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegram(ev event) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s*\n\n", ev.title)
	for _, f := range ev.fields {
		fmt.Fprintf(&sb, "%s: `%s`\n", f.name, f.value)
	}

	body, err := json.Marshal(telegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      sb.String(),
		ParseMode: "Markdown",
	})
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)
	n.postWithRetry("Telegram", url, body)
}

// postWithRetry posts with exponential backoff, waiting out 429s
func (n *Notifier) postWithRetry(channel, url string, body []byte) {
	cfg := &retry.Config{
		MaxAttempts: maxRetries,
		BaseDelay:   retryBaseDelay,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
	err := retry.Do(context.Background(), cfg, func() error {
		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return nil
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			time.Sleep(5 * time.Second)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	})
	if err != nil {
		util.Warnf("Failed to send %s notification: %v", channel, err)
	}
}

func formatAmount(amount uint64, coin string) string {
	return fmt.Sprintf("%.4f %s", float64(amount)/atomicUnits, strings.ToUpper(coin))
}

// truncateAddress shortens a wallet address for display
func truncateAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}

// truncateHash shortens a block hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
