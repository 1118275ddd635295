package bot

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/relay-bot/internal/models"
)

// Client is the thin layer over the Telegram Bot API that the core depends on:
// relaying, membership lookups and plain sends.
type Client struct {
	api    *tgbotapi.BotAPI
	logger *zap.Logger
}

func NewClient(token string, requestTimeout time.Duration, debug bool, logger *zap.Logger) (*Client, error) {
	httpClient := &http.Client{Timeout: requestTimeout}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = debug

	logger.Info("Authorized on Telegram", zap.String("username", api.Self.UserName), zap.Int64("bot_id", api.Self.ID))
	return &Client{api: api, logger: logger}, nil
}

// Relay forwards messageID from origin into dest. The HTTP client timeout bounds
// the call even if ctx has no deadline.
func (c *Client) Relay(ctx context.Context, dest, origin int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := c.api.Send(tgbotapi.NewForward(dest, origin, messageID))
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Membership reports whether the bot is in chatID. Lookup failures are reported
// as MembershipUnknown; callers warn and carry on.
func (c *Client) Membership(chatID int64) models.Membership {
	return c.MemberStatus(chatID, c.api.Self.ID)
}

// MemberStatus reports whether userID currently belongs to chatID.
func (c *Client) MemberStatus(chatID, userID int64) models.Membership {
	member, err := c.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			ChatID: chatID,
			UserID: userID,
		},
	})
	if err != nil {
		c.logger.Warn("Could not verify chat membership",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID))
		return models.MembershipUnknown
	}
	return membershipOf(member)
}

func membershipOf(member tgbotapi.ChatMember) models.Membership {
	switch {
	case member.HasLeft() || member.WasKicked():
		return models.MembershipNotMember
	case member.Status == "restricted" && !member.IsMember:
		return models.MembershipNotMember
	default:
		return models.MembershipMember
	}
}

func (c *Client) send(chattable tgbotapi.Chattable) error {
	_, err := c.api.Send(chattable)
	return err
}

// resolveForward turns a forwarded message into the group or channel it came from.
func resolveForward(message *tgbotapi.Message) (models.ChatRef, string, error) {
	chat := message.ForwardFromChat
	if chat == nil {
		return models.ChatRef{}, "", models.ErrNotResolvable
	}
	if !chat.IsGroup() && !chat.IsSuperGroup() && !chat.IsChannel() {
		return models.ChatRef{}, "", models.ErrNotResolvable
	}
	return models.ChatRef{ID: chat.ID, Name: chatTitle(chat.ID, chat.Title)}, chat.Type, nil
}

// isForward reports whether message was forwarded, whether or not its origin is visible.
func isForward(message *tgbotapi.Message) bool {
	return message.ForwardFromChat != nil || message.ForwardFrom != nil ||
		message.ForwardSenderName != "" || message.ForwardDate != 0
}

func chatTitle(id int64, title string) string {
	if title == "" {
		return fmt.Sprintf("Untitled chat %d", id)
	}
	return title
}
