package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/relay-bot/internal/knownchats"
	"github.com/xaenox/relay-bot/internal/models"
	"github.com/xaenox/relay-bot/internal/workflow"
)

func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	// Acknowledge the button press
	if _, err := b.client.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		b.logger.Debug("Failed to answer callback", zap.Error(err))
	}
	if query.From == nil || query.Message == nil || query.Message.Chat == nil {
		return
	}

	userID := query.From.ID
	chatID := query.Message.Chat.ID
	messageID := query.Message.MessageID
	if !b.authorize(userID, chatID) {
		return
	}

	action, id, err := parseCallback(query.Data)
	if err != nil {
		b.logger.Warn("Invalid callback data", zap.Error(err), zap.Int64("user_id", userID))
		b.editMenu(ctx, chatID, messageID, userID, "Error processing the request.\n\nMain menu:")
		return
	}
	b.logger.Debug("Received callback", zap.String("action", action), zap.Int64("user_id", userID))

	switch action {
	case cbMainMenu:
		b.editMenu(ctx, chatID, messageID, userID, "Main menu:")

	case cbSetBase:
		if _, err := b.machine.Intent(ctx, userID, workflow.IntentSetBase); err != nil {
			b.callbackFailed(ctx, chatID, messageID, userID, err)
			return
		}
		b.editPrompt(ctx, chatID, messageID, userID, models.StateAwaitingBase)

	case cbAddDest:
		if _, err := b.machine.Intent(ctx, userID, workflow.IntentAddDestination); err != nil {
			b.callbackFailed(ctx, chatID, messageID, userID, err)
			return
		}
		b.editPrompt(ctx, chatID, messageID, userID, models.StateAwaitingDestination)

	case cbCancel:
		if _, err := b.machine.Intent(ctx, userID, workflow.IntentCancel); err != nil {
			b.callbackFailed(ctx, chatID, messageID, userID, err)
			return
		}
		b.editMenu(ctx, chatID, messageID, userID, "Cancelled.\n\nMain menu:")

	case cbClearBase:
		if err := b.machine.ClearBase(ctx, userID); err != nil {
			b.callbackFailed(ctx, chatID, messageID, userID, err)
			return
		}
		b.editMenu(ctx, chatID, messageID, userID, "✅ Base group cleared. Messages from it will no longer be relayed.\n\nMain menu:")

	case cbViewDest:
		b.editDestinations(ctx, chatID, messageID, userID, "")

	case cbDeleteDest:
		removed, err := b.machine.RemoveDestination(ctx, userID, id)
		if err != nil {
			b.callbackFailed(ctx, chatID, messageID, userID, err)
			return
		}
		notice := fmt.Sprintf("✅ Destination group (ID: %d) removed.", id)
		if !removed {
			notice = fmt.Sprintf("⚠️ Couldn't remove destination group (ID: %d), maybe it no longer existed.", id)
		}
		b.editDestinations(ctx, chatID, messageID, userID, notice)

	case cbPick:
		chat, err := resolvePick(b.chats, b.client, userID, id)
		if err != nil {
			b.logger.Warn("Rejected chat pick", zap.Error(err), zap.Int64("user_id", userID), zap.Int64("chat_id", id))
			// the question stays open; a forwarded message can still answer it
			b.sendMessage(chatID, "⚠️ I can only offer chats you're a member of. Forward me a message from the chat instead.")
			return
		}
		b.identifyChat(ctx, userID, chatID, chat)

	case cbViewConfig:
		snap, err := b.machine.Snapshot(ctx, userID)
		if err != nil {
			b.callbackFailed(ctx, chatID, messageID, userID, err)
			return
		}
		edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, configText(snap), mainMenuKeyboard(snap))
		edit.ParseMode = tgbotapi.ModeMarkdownV2
		if err := b.client.send(edit); err != nil {
			b.logger.Error("Failed to show configuration", zap.Error(err), zap.Int64("chat_id", chatID))
		}

	default:
		b.logger.Warn("Unknown callback action", zap.String("action", action), zap.Int64("user_id", userID))
		b.editMenu(ctx, chatID, messageID, userID, "Main menu:")
	}
}

// memberLookup reports a user's standing in a chat.
type memberLookup interface {
	MemberStatus(chatID, userID int64) models.Membership
}

var errPickNotAllowed = errors.New("chat not available to this user")

// resolvePick accepts a picked chat only if the bot knows it and the user is a
// member right now. An unknown membership is a refusal.
func resolvePick(chats *knownchats.Cache, members memberLookup, userID, chatID int64) (models.ChatRef, error) {
	known, ok := chats.Get(chatID)
	if !ok {
		return models.ChatRef{}, fmt.Errorf("%w: chat %d is not known", errPickNotAllowed, chatID)
	}
	if m := members.MemberStatus(chatID, userID); m != models.MembershipMember {
		return models.ChatRef{}, fmt.Errorf("%w: membership in %d is %v", errPickNotAllowed, chatID, m)
	}
	return models.ChatRef{ID: chatID, Name: chatTitle(chatID, known.Title)}, nil
}

func (b *Bot) callbackFailed(ctx context.Context, chatID int64, messageID int, userID int64, err error) {
	if !errors.Is(err, models.ErrNoBaseGroup) {
		b.logger.Error("Callback action failed", zap.Error(err), zap.Int64("user_id", userID))
	}
	b.editMenu(ctx, chatID, messageID, userID, describeError(err, models.ChatRef{})+"\n\nMain menu:")
}

func (b *Bot) editMenu(ctx context.Context, chatID int64, messageID int, userID int64, text string) {
	snap, err := b.machine.Snapshot(ctx, userID)
	if err != nil {
		b.logger.Error("Failed to load configuration for menu", zap.Error(err), zap.Int64("user_id", userID))
		b.sendErrorMessage(chatID, "Sorry, I couldn't load your configuration.")
		return
	}
	edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, mainMenuKeyboard(snap))
	if err := b.client.send(edit); err != nil {
		b.logger.Error("Failed to edit menu", zap.Error(err), zap.Int64("chat_id", chatID))
	}
}

// editPrompt asks for a forwarded message and lists known chats as shortcuts.
func (b *Bot) editPrompt(ctx context.Context, chatID int64, messageID int, userID int64, state models.WorkflowState) {
	snap, err := b.machine.Snapshot(ctx, userID)
	if err != nil {
		b.logger.Error("Failed to load configuration for prompt", zap.Error(err), zap.Int64("user_id", userID))
		snap = workflow.Snapshot{}
	}
	keyboard := pickKeyboard(b.chats.ListFor(userID), snap)
	// the cancel row is always present
	hasChoices := len(keyboard.InlineKeyboard) > 1

	edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, promptText(state, hasChoices), keyboard)
	if err := b.client.send(edit); err != nil {
		b.logger.Error("Failed to send prompt", zap.Error(err), zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) editDestinations(ctx context.Context, chatID int64, messageID int, userID int64, notice string) {
	snap, err := b.machine.Snapshot(ctx, userID)
	if err != nil {
		b.logger.Error("Failed to list destinations", zap.Error(err), zap.Int64("user_id", userID))
		b.sendErrorMessage(chatID, "Sorry, I couldn't load your destinations.")
		return
	}
	if notice != "" {
		notice += "\n\n"
	}

	if len(snap.Destinations) == 0 {
		b.editMenu(ctx, chatID, messageID, userID, notice+"You have no destination groups.\n\nMain menu:")
		return
	}
	text := fmt.Sprintf("%sYour destination groups (%d):\n(Tap a group to remove it)", notice, len(snap.Destinations))
	edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, destinationsKeyboard(snap.Destinations))
	if err := b.client.send(edit); err != nil {
		b.logger.Error("Failed to show destinations", zap.Error(err), zap.Int64("chat_id", chatID))
	}
}
