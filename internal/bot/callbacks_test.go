package bot

import (
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/xaenox/relay-bot/internal/knownchats"
	"github.com/xaenox/relay-bot/internal/models"
)

// fakeMembers answers membership lookups from a fixed table; anything missing is unknown.
type fakeMembers map[[2]int64]models.Membership

func (f fakeMembers) MemberStatus(chatID, userID int64) models.Membership {
	if m, ok := f[[2]int64{chatID, userID}]; ok {
		return m
	}
	return models.MembershipUnknown
}

func TestResolvePick(t *testing.T) {
	chats := knownchats.New(10)
	chats.Observe(-100, "Team", "supergroup")
	chats.Observe(-200, "", "group")
	chats.Observe(-300, "Someone else's", "group")

	members := fakeMembers{
		{-100, 1}: models.MembershipMember,
		{-200, 1}: models.MembershipMember,
		{-300, 1}: models.MembershipNotMember,
	}

	tests := []struct {
		name     string
		chatID   int64
		userID   int64
		wantName string
		wantErr  bool
	}{
		{name: "member", chatID: -100, userID: 1, wantName: "Team"},
		{name: "untitled chat", chatID: -200, userID: 1, wantName: "Untitled chat -200"},
		{name: "not a member", chatID: -300, userID: 1, wantErr: true},
		{name: "membership unknown", chatID: -100, userID: 2, wantErr: true},
		{name: "chat never seen", chatID: -999, userID: 1, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chat, err := resolvePick(chats, members, tc.userID, tc.chatID)
			if tc.wantErr {
				if !errors.Is(err, errPickNotAllowed) {
					t.Fatalf("expected errPickNotAllowed, got chat=%+v err=%v", chat, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolvePick: %v", err)
			}
			if chat.ID != tc.chatID || chat.Name != tc.wantName {
				t.Fatalf("unexpected chat %+v", chat)
			}
		})
	}
}

func TestMembershipOf(t *testing.T) {
	tests := []struct {
		member tgbotapi.ChatMember
		want   models.Membership
	}{
		{member: tgbotapi.ChatMember{Status: "creator"}, want: models.MembershipMember},
		{member: tgbotapi.ChatMember{Status: "administrator"}, want: models.MembershipMember},
		{member: tgbotapi.ChatMember{Status: "member"}, want: models.MembershipMember},
		{member: tgbotapi.ChatMember{Status: "restricted", IsMember: true}, want: models.MembershipMember},
		{member: tgbotapi.ChatMember{Status: "restricted"}, want: models.MembershipNotMember},
		{member: tgbotapi.ChatMember{Status: "left"}, want: models.MembershipNotMember},
		{member: tgbotapi.ChatMember{Status: "kicked"}, want: models.MembershipNotMember},
	}
	for _, tc := range tests {
		if got := membershipOf(tc.member); got != tc.want {
			t.Errorf("membershipOf(%+v) = %v, want %v", tc.member, got, tc.want)
		}
	}
}
