package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/xaenox/relay-bot/internal/knownchats"
	"github.com/xaenox/relay-bot/internal/models"
	"github.com/xaenox/relay-bot/internal/workflow"
)

// Callback data understood by handleCallback.
const (
	cbMainMenu   = "main_menu"
	cbSetBase    = "set_base"
	cbClearBase  = "clear_base"
	cbAddDest    = "add_dest"
	cbViewDest   = "view_dest"
	cbViewConfig = "view_config"
	cbCancel     = "cancel"
	cbDeleteDest = "del_dest"
	cbPick       = "pick"
)

// maxPickButtons keeps the known-chat keyboard within Telegram's markup limits.
const maxPickButtons = 20

func button(text, data string) []tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(text, data))
}

func callbackWithID(action string, id int64) string {
	return action + ":" + strconv.FormatInt(id, 10)
}

// parseCallback splits "action" or "action:<chat id>". Actions that act on a
// chat must carry its id.
func parseCallback(data string) (string, int64, error) {
	action, arg, found := strings.Cut(data, ":")
	if !found {
		if action == cbPick || action == cbDeleteDest {
			return "", 0, fmt.Errorf("invalid callback data %q: missing chat id", data)
		}
		return action, 0, nil
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid callback data %q: %w", data, err)
	}
	return action, id, nil
}

func mainMenuKeyboard(snap workflow.Snapshot) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	if snap.Base != nil {
		rows = append(rows,
			button(fmt.Sprintf("🔄 Change base group (%s)", snap.Base.Name), cbSetBase),
			button("❌ Clear base group", cbClearBase),
			// destinations only make sense once a base exists
			button("➕ Add destination group", cbAddDest),
		)
		if len(snap.Destinations) > 0 {
			rows = append(rows, button(fmt.Sprintf("🗑️ View/remove destinations (%d)", len(snap.Destinations)), cbViewDest))
		}
	} else {
		rows = append(rows, button("🎯 Set base group", cbSetBase))
	}
	rows = append(rows,
		button("ℹ️ Current configuration", cbViewConfig),
		button("🔄 Refresh menu", cbMainMenu),
	)
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func destinationsKeyboard(dests []models.Destination) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(dests)+1)
	for _, d := range dests {
		rows = append(rows, button("❌ Remove: "+d.Chat.Name, callbackWithID(cbDeleteDest, d.Chat.ID)))
	}
	rows = append(rows, button("🔙 Back to main menu", cbMainMenu))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// pickKeyboard offers known chats as answers to the open question, skipping
// chats that cannot be valid answers for this user.
func pickKeyboard(chats []knownchats.Chat, snap workflow.Snapshot) tgbotapi.InlineKeyboardMarkup {
	skip := make(map[int64]bool, len(snap.Destinations)+1)
	if snap.Base != nil {
		skip[snap.Base.ID] = true
	}
	for _, d := range snap.Destinations {
		skip[d.Chat.ID] = true
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, maxPickButtons+1)
	for _, c := range chats {
		if skip[c.ID] {
			continue
		}
		if len(rows) == maxPickButtons {
			break
		}
		rows = append(rows, button("📌 "+c.Title, callbackWithID(cbPick, c.ID)))
	}
	rows = append(rows, button("✖️ Cancel", cbCancel))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func promptText(state models.WorkflowState, hasChoices bool) string {
	target := "base group"
	if state == models.StateAwaitingDestination {
		target = "destination group"
	}
	text := fmt.Sprintf("OK, forward me any message from the chat you want to use as your %s. Make sure I'm a member of it.", target)
	if hasChoices {
		text += "\n\nOr pick one of the chats I've already seen:"
	}
	return text
}

// configText renders the configuration as MarkdownV2.
func configText(snap workflow.Snapshot) string {
	var b strings.Builder
	b.WriteString("⚙️ *Your current configuration* ⚙️\n\n")
	if snap.Base != nil {
		fmt.Fprintf(&b, "*Base group:* %s \\(ID: `%d`\\)\n", escapeMarkdown(snap.Base.Name), snap.Base.ID)
	} else {
		b.WriteString("*Base group:* not set\\!\n")
	}

	fmt.Fprintf(&b, "\n*Destination groups \\(%d\\):*\n", len(snap.Destinations))
	if len(snap.Destinations) == 0 {
		b.WriteString("  None\\! Nothing will be relayed\\.\n")
	}
	for i, d := range snap.Destinations {
		fmt.Fprintf(&b, "  %d\\. %s \\(ID: `%d`\\)\n", i+1, escapeMarkdown(d.Chat.Name), d.Chat.ID)
	}
	if snap.Base == nil && len(snap.Destinations) > 0 {
		b.WriteString("\n_Destinations are inactive until a base group is set\\._\n")
	}
	return b.String()
}

// describeError renders an error kind for the user. Unknown errors get a generic text.
func describeError(err error, chat models.ChatRef) string {
	switch {
	case errors.Is(err, models.ErrConflict):
		return fmt.Sprintf("⚠️ '%s' (ID: %d) is already used as a base group by another user.", chat.Name, chat.ID)
	case errors.Is(err, models.ErrDuplicate):
		return fmt.Sprintf("⚠️ You already have '%s' (ID: %d) as a destination.", chat.Name, chat.ID)
	case errors.Is(err, models.ErrEdgeConflict):
		return fmt.Sprintf("⚠️ Conflict! Another user already relays your base group to '%s'. Duplicate routes are not allowed.", chat.Name)
	case errors.Is(err, models.ErrSelfReference):
		return fmt.Sprintf("⚠️ '%s' is your base group, it can't also be a destination.", chat.Name)
	case errors.Is(err, models.ErrNoBaseGroup):
		return "⚠️ Set a base group before adding destinations."
	case errors.Is(err, models.ErrNotResolvable):
		return "I can't identify the group or channel this message came from. Forward a message posted in the group or channel itself, from a visible account."
	default:
		return "❌ Something went wrong while saving your configuration. Please try again."
	}
}

func outcomeText(out workflow.Outcome, err error, destinationCount int) string {
	switch out.Kind {
	case workflow.OutcomeUnsolicited:
		return "I received a chat but wasn't expecting one. Use the menu buttons first if you want to configure a group."
	case workflow.OutcomeRejected:
		return describeError(err, out.Chat)
	}
	if out.Answered == models.StateAwaitingBase {
		return fmt.Sprintf("✅ Great! '%s' is now your base group.\n\nYou can add destination groups from the menu.", out.Chat.Name)
	}
	noun := "destination groups"
	if destinationCount == 1 {
		noun = "destination group"
	}
	return fmt.Sprintf("✅ Destination '%s' added! You now have %d %s.", out.Chat.Name, destinationCount, noun)
}

func membershipWarning(m models.Membership, chat models.ChatRef) string {
	if m == models.MembershipMember {
		return ""
	}
	return fmt.Sprintf("⚠️ Heads up: I couldn't confirm I'm a member of '%s'. Make sure I've been added, otherwise relaying will fail.", chat.Name)
}

// escapeMarkdown escapes special characters for MarkdownV2. The backslash goes first.
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}
