package bot

import (
	"context"
	"errors"
	"runtime/debug"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/xaenox/relay-bot/internal/dispatch"
	"github.com/xaenox/relay-bot/internal/knownchats"
	"github.com/xaenox/relay-bot/internal/models"
	"github.com/xaenox/relay-bot/internal/session"
	"github.com/xaenox/relay-bot/internal/workflow"
)

const (
	defaultWorkers = 16
	// laneBuffer is how many updates may queue behind a busy lane.
	laneBuffer = 64
)

type Options struct {
	Workers     int
	PollTimeout int
}

type Bot struct {
	client     *Client
	machine    *workflow.Machine
	dispatcher *dispatch.Dispatcher
	chats      *knownchats.Cache
	gate       *session.Gate
	opts       Options
	logger     *zap.Logger
}

func New(client *Client, machine *workflow.Machine, dispatcher *dispatch.Dispatcher, chats *knownchats.Cache, gate *session.Gate, opts Options, logger *zap.Logger) *Bot {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	return &Bot{
		client:     client,
		machine:    machine,
		dispatcher: dispatcher,
		chats:      chats,
		gate:       gate,
		opts:       opts,
		logger:     logger,
	}
}

// Start polls for updates until ctx is cancelled. Updates are spread over
// Workers ordered lanes keyed by chat (by user for button presses), so messages
// from one base chat are relayed in the order they were posted while different
// chats proceed in parallel. Polling pauses while the target lane is full.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.opts.PollTimeout

	updates := b.client.api.GetUpdatesChan(u)

	lanes := make([]chan tgbotapi.Update, b.opts.Workers)
	p := pool.New().WithMaxGoroutines(len(lanes))
	for i := range lanes {
		lane := make(chan tgbotapi.Update, laneBuffer)
		lanes[i] = lane
		p.Go(func() {
			for update := range lane {
				b.handleUpdate(ctx, update)
			}
		})
	}
	defer func() {
		for _, lane := range lanes {
			close(lane)
		}
		p.Wait()
	}()

	b.logger.Info("Polling for updates", zap.Int("workers", len(lanes)))
	for {
		select {
		case <-ctx.Done():
			b.client.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case lanes[laneFor(update, len(lanes))] <- update:
			case <-ctx.Done():
				b.client.api.StopReceivingUpdates()
				return nil
			}
		}
	}
}

// laneFor picks the lane an update is handled on. Updates sharing a key are
// handled one at a time, in arrival order.
func laneFor(update tgbotapi.Update, lanes int) int {
	var key int64
	switch {
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		key = update.CallbackQuery.From.ID
	case update.MyChatMember != nil:
		key = update.MyChatMember.Chat.ID
	case update.ChannelPost != nil && update.ChannelPost.Chat != nil:
		key = update.ChannelPost.Chat.ID
	case update.Message != nil && update.Message.Chat != nil:
		// a private chat id equals the user id, matching the callback key
		key = update.Message.Chat.ID
	}
	return int(uint64(key) % uint64(lanes))
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Update handler panicked",
				zap.Int("update_id", update.UpdateID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			b.recoverUser(ctx, update)
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.MyChatMember != nil:
		b.handleMembershipChange(update.MyChatMember)
	case update.ChannelPost != nil:
		b.handleGroupMessage(ctx, update.ChannelPost)
	case update.Message != nil:
		message := update.Message
		if message.Chat == nil {
			return
		}
		if message.Chat.IsPrivate() {
			b.handlePrivateMessage(ctx, message)
			return
		}
		b.handleGroupMessage(ctx, message)
	}
}

// recoverUser tells the user something broke and puts them back to idle.
func (b *Bot) recoverUser(ctx context.Context, update tgbotapi.Update) {
	user := update.SentFrom()
	if user == nil {
		return
	}
	if _, err := b.machine.Intent(ctx, user.ID, workflow.IntentCancel); err != nil {
		b.logger.Error("Failed to reset user after panic", zap.Error(err), zap.Int64("user_id", user.ID))
	}
	b.sendErrorMessage(user.ID, "Oops! Something went wrong while processing your request. Please try again.")
}

func (b *Bot) handlePrivateMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil {
		return
	}
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}
	if isForward(message) {
		b.handleForward(ctx, message)
		return
	}
	b.sendMessage(message.Chat.ID, "Use /start to open the menu.")
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(ctx, message)
	case "help":
		b.handleHelp(message)
	case "login":
		b.handleLogin(ctx, message)
	case "config":
		if b.authorize(message.From.ID, message.Chat.ID) {
			b.handleConfig(ctx, message)
		}
	case "cancel":
		if b.authorize(message.From.ID, message.Chat.ID) {
			b.handleCancel(ctx, message)
		}
	case "reset":
		if b.authorize(message.From.ID, message.Chat.ID) {
			b.handleReset(ctx, message)
		}
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message) {
	userID := message.From.ID
	b.logger.Info("User started the bot", zap.Int64("user_id", userID), zap.String("username", message.From.UserName))

	if !b.gate.IsAuthenticated(userID) {
		b.sendMessage(message.Chat.ID, "Welcome to RelayBot! 🔐 This bot is password protected. Send /login <password> to continue.")
		return
	}
	if err := b.machine.Register(ctx, userID); err != nil {
		b.logger.Error("Failed to register user", zap.Error(err), zap.Int64("user_id", userID))
	}

	welcome := `Welcome to RelayBot! 👋
I relay messages from one "base" group to any number of "destination" groups.

How it works:
1. Add me to the base group and to every destination group.
2. Use the menu below to choose your base and destinations. To choose a group, forward me any message from it.
3. From then on, every message posted in the base group is forwarded to the destinations.

Every user has an independent configuration. A base group can belong to only one user, and two configurations may not relay the same base to the same destination.`

	b.sendMenu(ctx, message.Chat.ID, userID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Open the main menu
/help - Show this help message
/login <password> - Unlock the bot for this session
/config - Show your current configuration
/cancel - Abort the current setup step
/reset - Delete your whole configuration

To choose a group, press a menu button and then forward me any message from that group.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleLogin(ctx context.Context, message *tgbotapi.Message) {
	// the password should not linger in the chat history
	if _, err := b.client.api.Request(tgbotapi.NewDeleteMessage(message.Chat.ID, message.MessageID)); err != nil {
		b.logger.Debug("Failed to delete login message", zap.Error(err), zap.Int64("chat_id", message.Chat.ID))
	}

	userID := message.From.ID
	if !b.gate.Login(userID, message.CommandArguments()) {
		b.logger.Warn("Failed login attempt", zap.Int64("user_id", userID))
		b.sendErrorMessage(message.Chat.ID, "Wrong password.")
		return
	}
	b.logger.Info("User authenticated", zap.Int64("user_id", userID))
	if err := b.machine.Register(ctx, userID); err != nil {
		b.logger.Error("Failed to register user", zap.Error(err), zap.Int64("user_id", userID))
	}
	b.sendMenu(ctx, message.Chat.ID, userID, "🔓 Access granted.")
}

func (b *Bot) handleConfig(ctx context.Context, message *tgbotapi.Message) {
	snap, err := b.machine.Snapshot(ctx, message.From.ID)
	if err != nil {
		b.logger.Error("Failed to load configuration", zap.Error(err), zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't load your configuration.")
		return
	}
	msg := tgbotapi.NewMessage(message.Chat.ID, configText(snap))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.ReplyMarkup = mainMenuKeyboard(snap)
	if err := b.client.send(msg); err != nil {
		b.logger.Error("Failed to send configuration", zap.Error(err), zap.Int64("chat_id", message.Chat.ID))
	}
}

func (b *Bot) handleCancel(ctx context.Context, message *tgbotapi.Message) {
	if _, err := b.machine.Intent(ctx, message.From.ID, workflow.IntentCancel); err != nil {
		b.logger.Error("Failed to cancel", zap.Error(err), zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't cancel. Please try again.")
		return
	}
	b.sendMenu(ctx, message.Chat.ID, message.From.ID, "Cancelled.")
}

func (b *Bot) handleReset(ctx context.Context, message *tgbotapi.Message) {
	deleted, err := b.machine.Reset(ctx, message.From.ID)
	if err != nil {
		b.logger.Error("Failed to reset configuration", zap.Error(err), zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't delete your configuration.")
		return
	}
	if !deleted {
		b.sendMessage(message.Chat.ID, "You don't have any configuration yet.")
		return
	}
	b.sendMessage(message.Chat.ID, "🧹 Your configuration has been deleted. Use /start to begin again.")
}

// handleForward resolves a forwarded message to a chat and feeds it to the workflow.
func (b *Bot) handleForward(ctx context.Context, message *tgbotapi.Message) {
	userID := message.From.ID
	if !b.authorize(userID, message.Chat.ID) {
		return
	}

	chat, chatType, err := resolveForward(message)
	if err != nil {
		out, err := b.machine.ChatUnresolvable(ctx, userID)
		b.logger.Info("Forward could not be resolved", zap.Int64("user_id", userID))
		b.sendMenu(ctx, message.Chat.ID, userID, outcomeText(out, err, 0))
		return
	}
	b.chats.Observe(chat.ID, chat.Name, chatType)
	b.logger.Info("Received forwarded message",
		zap.Int64("user_id", userID),
		zap.Int64("chat_id", chat.ID),
		zap.String("chat_name", chat.Name))

	b.identifyChat(ctx, userID, message.Chat.ID, chat)
}

// identifyChat answers the user's open question with chat and replies with the
// result and a fresh menu.
func (b *Bot) identifyChat(ctx context.Context, userID, replyChatID int64, chat models.ChatRef) {
	out, err := b.machine.ChatIdentified(ctx, userID, chat)
	if err != nil && !isKnownKind(err) {
		b.logger.Error("Unexpected error applying chat",
			zap.Error(err),
			zap.Int64("user_id", userID),
			zap.Int64("chat_id", chat.ID))
	}

	count := 0
	if out.Kind == workflow.OutcomeApplied && out.Answered == models.StateAwaitingDestination {
		if snap, snapErr := b.machine.Snapshot(ctx, userID); snapErr == nil {
			count = len(snap.Destinations)
		}
	}
	text := outcomeText(out, err, count)
	if out.Kind == workflow.OutcomeApplied {
		if warning := membershipWarning(b.client.Membership(chat.ID), chat); warning != "" {
			text += "\n\n" + warning
		}
	}
	b.sendMenu(ctx, replyChatID, userID, text)
}

func isKnownKind(err error) bool {
	for _, kind := range []error{
		models.ErrConflict,
		models.ErrDuplicate,
		models.ErrEdgeConflict,
		models.ErrSelfReference,
		models.ErrNoBaseGroup,
		models.ErrNotResolvable,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// handleGroupMessage relays messages posted in a base chat.
func (b *Bot) handleGroupMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.Chat == nil {
		return
	}
	b.chats.Observe(message.Chat.ID, chatTitle(message.Chat.ID, message.Chat.Title), message.Chat.Type)

	if message.From != nil && message.From.IsBot {
		return
	}
	if message.From != nil {
		b.chats.ObserveMember(message.Chat.ID, message.From.ID)
	}
	if message.IsCommand() {
		return
	}

	result, err := b.dispatcher.OnMessage(ctx, message.Chat.ID, message.MessageID)
	if err != nil {
		b.logger.Error("Failed to dispatch message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID),
			zap.Int("message_id", message.MessageID))
		return
	}
	if result.Attempted == 0 {
		b.logger.Debug("Message from chat without routes", zap.Int64("chat_id", message.Chat.ID))
	}
}

func (b *Bot) handleMembershipChange(change *tgbotapi.ChatMemberUpdated) {
	chat := change.Chat
	if chat.IsPrivate() {
		return
	}
	if change.NewChatMember.HasLeft() || change.NewChatMember.WasKicked() {
		b.chats.Forget(chat.ID)
		b.logger.Info("Bot removed from chat", zap.Int64("chat_id", chat.ID), zap.String("title", chat.Title))
		return
	}
	b.chats.Observe(chat.ID, chatTitle(chat.ID, chat.Title), chat.Type)
	b.logger.Info("Bot added to chat", zap.Int64("chat_id", chat.ID), zap.String("title", chat.Title))
}

// authorize checks the session gate and tells the user how to log in if needed.
func (b *Bot) authorize(userID, chatID int64) bool {
	if b.gate.IsAuthenticated(userID) {
		return true
	}
	b.sendMessage(chatID, "🔐 Please log in first with /login <password>.")
	return false
}

func (b *Bot) sendMenu(ctx context.Context, chatID, userID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	snap, err := b.machine.Snapshot(ctx, userID)
	if err != nil {
		b.logger.Error("Failed to load configuration for menu", zap.Error(err), zap.Int64("user_id", userID))
	} else {
		msg.ReplyMarkup = mainMenuKeyboard(snap)
	}
	msg.DisableWebPagePreview = true
	if err := b.client.send(msg); err != nil {
		b.logger.Error("Failed to send menu",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if err := b.client.send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if err := b.client.send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
