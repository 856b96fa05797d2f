// Package telegram delivers approval prompts over a Telegram bot and routes
// the button replies back into the approval coordinator. It implements the
// approval.Notifier port.
package telegram

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/clawguard/clawguard/internal/domain/approval"
	"github.com/clawguard/clawguard/internal/domain/audit"
)

// pollTimeout is the long-poll timeout in seconds passed to getUpdates.
const pollTimeout = 30

// client is the slice of the bot API the notifier uses. *tgbotapi.BotAPI
// satisfies it; tests substitute a fake.
type client interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Resolver fulfills pending approvals by id. Implemented by
// approval.Coordinator.
type Resolver interface {
	Resolve(id string, d approval.Decision) bool
}

// ApproverStore persists chat pairings.
type ApproverStore interface {
	UpsertApprover(ctx context.Context, a *audit.PairedApprover) error
	DeleteApprover(ctx context.Context, chatID int64) (bool, error)
	GetApprover(ctx context.Context, chatID int64) (*audit.PairedApprover, error)
	ListApprovers(ctx context.Context) ([]audit.PairedApprover, error)
}

// buttonLabels maps callback actions to the inline keyboard captions.
var buttonLabels = []struct {
	action string
	label  string
}{
	{approval.ActionApproveOnce, "✅ Once"},
	{approval.ActionApprove15m, "✅ 15m"},
	{approval.ActionApprove1h, "✅ 1h"},
	{approval.ActionApprove8h, "✅ 8h"},
	{approval.ActionApprove24h, "✅ 24h"},
	{approval.ActionDeny, "❌ Deny"},
}

// grantWording maps callback actions to the decision note appended to the
// prompt after a tap.
var grantWording = map[string]string{
	approval.ActionApproveOnce: "for a single request",
	approval.ActionApprove15m:  "for 15 minutes",
	approval.ActionApprove1h:   "for 1 hour",
	approval.ActionApprove8h:   "for 8 hours",
	approval.ActionApprove24h:  "for 24 hours",
}

// Notifier sends approval prompts and consumes bot updates. When a pairing
// secret is configured, prompts fan out to every paired chat; otherwise
// they go to the configured static chat id.
type Notifier struct {
	bot      client
	store    ApproverStore
	resolver Resolver
	secret   string
	chatID   int64
	logger   *slog.Logger

	promptsSent metric.Int64Counter
}

// Option configures the Notifier.
type Option func(*Notifier)

// WithPairingSecret enables /pair with the given secret. Prompts then go to
// paired chats only.
func WithPairingSecret(secret string) Option {
	return func(n *Notifier) {
		n.secret = secret
	}
}

// WithChatID sets the static prompt target used while pairing is disabled.
func WithChatID(id int64) Option {
	return func(n *Notifier) {
		n.chatID = id
	}
}

// New connects to the Telegram bot API and returns a notifier. The token is
// verified against the API before returning.
func New(token string, store ApproverStore, logger *slog.Logger, opts ...Option) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	n := newWithClient(bot, store, logger, opts...)
	n.logger.Info("telegram bot connected", "username", bot.Self.UserName)
	return n, nil
}

func newWithClient(bot client, store ApproverStore, logger *slog.Logger, opts ...Option) *Notifier {
	meter := otel.Meter("clawguard/telegram")
	promptsSent, _ := meter.Int64Counter("clawguard.prompts.sent",
		metric.WithDescription("Approval prompts delivered to chats."))

	n := &Notifier{
		bot:         bot,
		store:       store,
		logger:      logger.With("component", "telegram"),
		promptsSent: promptsSent,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// BindResolver wires the decision sink. Must be called before Start.
func (n *Notifier) BindResolver(r Resolver) {
	n.resolver = r
}

// PairingEnabled reports whether a pairing secret is configured.
func (n *Notifier) PairingEnabled() bool {
	return n.secret != ""
}

// SendPrompt renders the approval request and delivers it with the decision
// keyboard. Returns approval.ErrNoApprovers when there is no chat to send
// to, and an error when every delivery attempt failed.
func (n *Notifier) SendPrompt(ctx context.Context, p *approval.PendingApproval) error {
	targets, err := n.promptTargets(ctx)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return approval.ErrNoApprovers
	}

	text := promptText(p)
	keyboard := promptKeyboard(p.ID)

	delivered := 0
	var lastErr error
	for _, chatID := range targets {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ReplyMarkup = keyboard
		if _, err := n.bot.Send(msg); err != nil {
			lastErr = err
			n.logger.Warn("prompt delivery failed", "chat_id", chatID, "request_id", p.ID, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("prompt delivery failed for all %d chats: %w", len(targets), lastErr)
	}

	n.promptsSent.Add(ctx, int64(delivered))
	n.logger.Info("approval prompt sent",
		"request_id", p.ID,
		"service", p.Service,
		"chats", delivered,
	)
	return nil
}

func (n *Notifier) promptTargets(ctx context.Context) ([]int64, error) {
	if !n.PairingEnabled() {
		if n.chatID == 0 {
			return nil, approval.ErrNoApprovers
		}
		return []int64{n.chatID}, nil
	}
	approvers, err := n.store.ListApprovers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list approvers: %w", err)
	}
	targets := make([]int64, 0, len(approvers))
	for _, a := range approvers {
		targets = append(targets, a.ChatID)
	}
	return targets, nil
}

func promptText(p *approval.PendingApproval) string {
	var b strings.Builder
	b.WriteString("🔐 Approval required\n\n")
	fmt.Fprintf(&b, "Service: %s\n", p.Service)
	fmt.Fprintf(&b, "Request: %s %s\n", p.Method, p.Path)
	fmt.Fprintf(&b, "Agent IP: %s\n", p.AgentIP)
	fmt.Fprintf(&b, "Time: %s\n", p.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "ID: %s", p.ID)
	return b.String()
}

func promptKeyboard(requestID string) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(buttonLabels))
	for _, bl := range buttonLabels {
		buttons = append(buttons,
			tgbotapi.NewInlineKeyboardButtonData(bl.label, bl.action+":"+requestID))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(buttons[0], buttons[1], buttons[2]),
		tgbotapi.NewInlineKeyboardRow(buttons[3], buttons[4], buttons[5]),
	)
}

// Start consumes bot updates until ctx is cancelled. Callback queries carry
// approval decisions; messages carry the pairing commands.
func (n *Notifier) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := n.bot.GetUpdatesChan(u)

	n.logger.Info("telegram notifier started", "pairing", n.PairingEnabled())
	for {
		select {
		case <-ctx.Done():
			n.bot.StopReceivingUpdates()
			n.logger.Info("telegram notifier stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			n.handleUpdate(ctx, update)
		}
	}
}

func (n *Notifier) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		n.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		n.handleCommand(ctx, update.Message)
	}
}

// handleCallback routes one button tap. Unpaired senders are refused while
// the pending request stays live for a paired approver to decide.
func (n *Notifier) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if n.PairingEnabled() && !n.senderPaired(ctx, cb.From) {
		n.answer(cb.ID, "You are not paired with this gateway.")
		return
	}

	action, requestID, ok := strings.Cut(cb.Data, ":")
	if !ok || requestID == "" {
		n.answer(cb.ID, "Malformed action.")
		return
	}

	decision, note, ok := n.buildDecision(action, displayName(cb.From))
	if !ok {
		n.answer(cb.ID, "Unknown action.")
		return
	}

	if n.resolver == nil || !n.resolver.Resolve(requestID, decision) {
		n.answer(cb.ID, "Request already decided or expired.")
		return
	}

	n.answer(cb.ID, note)
	n.recordDecision(cb, note)
	n.logger.Info("approval decision received",
		"request_id", requestID,
		"approved", decision.Approved,
		"approver", decision.Approver,
	)
}

func (n *Notifier) buildDecision(action, approver string) (approval.Decision, string, bool) {
	if action == approval.ActionDeny {
		return approval.Decision{Approver: approver}, "❌ Denied by " + approver, true
	}
	ttl, ok := approval.TTLForAction(action)
	if !ok {
		return approval.Decision{}, "", false
	}
	note := fmt.Sprintf("✅ Approved %s by %s", grantWording[action], approver)
	return approval.Decision{Approved: true, TTL: ttl, Approver: approver}, note, true
}

// recordDecision rewrites the tapped prompt so the chat history shows the
// outcome, which also removes the keyboard.
func (n *Notifier) recordDecision(cb *tgbotapi.CallbackQuery, note string) {
	if cb.Message == nil {
		return
	}
	edit := tgbotapi.NewEditMessageText(cb.Message.Chat.ID, cb.Message.MessageID,
		cb.Message.Text+"\n\n"+note)
	if _, err := n.bot.Send(edit); err != nil {
		n.logger.Warn("prompt edit failed", "chat_id", cb.Message.Chat.ID, "error", err)
	}
}

func (n *Notifier) senderPaired(ctx context.Context, from *tgbotapi.User) bool {
	if from == nil {
		return false
	}
	a, err := n.store.GetApprover(ctx, from.ID)
	if err != nil {
		n.logger.Error("approver lookup failed", "chat_id", from.ID, "error", err)
		return false
	}
	return a != nil
}

func (n *Notifier) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "pair":
		n.handlePair(ctx, msg)
	case "unpair":
		n.handleUnpair(ctx, msg)
	case "status":
		n.handleStatus(ctx, msg)
	case "start", "help":
		n.reply(msg.Chat.ID, usageText)
	default:
		n.reply(msg.Chat.ID, usageText)
	}
}

const usageText = "ClawGuard approval bot.\n\n" +
	"/pair <secret> - receive approval prompts in this chat\n" +
	"/unpair - stop receiving prompts\n" +
	"/status - show pairing state"

func (n *Notifier) handlePair(ctx context.Context, msg *tgbotapi.Message) {
	if !n.PairingEnabled() {
		n.reply(msg.Chat.ID, "Pairing is disabled on this gateway.")
		return
	}
	arg := strings.TrimSpace(msg.CommandArguments())
	if subtle.ConstantTimeCompare([]byte(arg), []byte(n.secret)) != 1 {
		n.reply(msg.Chat.ID, "Invalid pairing secret.")
		return
	}

	a := &audit.PairedApprover{
		ChatID:   msg.Chat.ID,
		Name:     displayName(msg.From),
		PairedAt: time.Now(),
	}
	if err := n.store.UpsertApprover(ctx, a); err != nil {
		n.logger.Error("pairing failed", "chat_id", msg.Chat.ID, "error", err)
		n.reply(msg.Chat.ID, "Pairing failed, try again.")
		return
	}
	n.logger.Info("approver paired", "chat_id", msg.Chat.ID, "name", a.Name)
	n.reply(msg.Chat.ID, "Paired. Approval prompts will arrive in this chat.")
}

func (n *Notifier) handleUnpair(ctx context.Context, msg *tgbotapi.Message) {
	found, err := n.store.DeleteApprover(ctx, msg.Chat.ID)
	if err != nil {
		n.logger.Error("unpairing failed", "chat_id", msg.Chat.ID, "error", err)
		n.reply(msg.Chat.ID, "Unpairing failed, try again.")
		return
	}
	if !found {
		n.reply(msg.Chat.ID, "This chat is not paired.")
		return
	}
	n.logger.Info("approver unpaired", "chat_id", msg.Chat.ID)
	n.reply(msg.Chat.ID, "Unpaired. No further prompts will arrive here.")
}

func (n *Notifier) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	if !n.PairingEnabled() {
		n.reply(msg.Chat.ID, "Pairing is disabled; prompts go to the configured chat.")
		return
	}
	a, err := n.store.GetApprover(ctx, msg.Chat.ID)
	if err != nil {
		n.logger.Error("approver lookup failed", "chat_id", msg.Chat.ID, "error", err)
		n.reply(msg.Chat.ID, "Status unavailable, try again.")
		return
	}
	if a == nil {
		n.reply(msg.Chat.ID, "This chat is not paired.")
		return
	}
	n.reply(msg.Chat.ID, fmt.Sprintf("Paired as %s since %s.",
		a.Name, a.PairedAt.Local().Format("2006-01-02 15:04")))
}

func (n *Notifier) reply(chatID int64, text string) {
	if _, err := n.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		n.logger.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}

func (n *Notifier) answer(callbackID, text string) {
	if _, err := n.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		n.logger.Warn("callback answer failed", "error", err)
	}
}

// displayName renders a human-readable approver identity for audit rows.
func displayName(u *tgbotapi.User) string {
	if u == nil {
		return "unknown"
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return fmt.Sprintf("user:%d", u.ID)
}

var _ approval.Notifier = (*Notifier)(nil)
