package telegram

import (
	"context"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/superkanban/internal/dedupe"
	"github.com/nextlevelbuilder/superkanban/internal/delivery"
)

type fakeBot struct {
	voiceCalls   []*telego.SendVoiceParams
	messageCalls []*telego.SendMessageParams
	contexts     []context.Context
}

func (f *fakeBot) SendVoice(ctx context.Context, params *telego.SendVoiceParams) (*telego.Message, error) {
	f.voiceCalls = append(f.voiceCalls, params)
	f.contexts = append(f.contexts, ctx)
	return &telego.Message{MessageID: len(f.voiceCalls)}, nil
}

func (f *fakeBot) SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	f.messageCalls = append(f.messageCalls, params)
	f.contexts = append(f.contexts, ctx)
	return &telego.Message{MessageID: len(f.messageCalls)}, nil
}

func TestSendVoiceAttachesDeliveryContext(t *testing.T) {
	bot := &fakeBot{}
	s := &Sender{bot: bot, accountID: "42"}

	sent, err := s.SendVoice(context.Background(), 777, []byte("opus-bytes"), "note.oga")
	if err != nil {
		t.Fatal(err)
	}
	if !sent || len(bot.voiceCalls) != 1 {
		t.Fatalf("sent=%v calls=%d", sent, len(bot.voiceCalls))
	}

	d, ok := delivery.Current(bot.contexts[0])
	if !ok {
		t.Fatal("no delivery context on send")
	}
	if d.AccountID != "42" || d.ChatID != "777" || d.Operation != "sendVoice" {
		t.Errorf("delivery context = %+v", d)
	}
	if d.DeliveryID == "" {
		t.Error("deliveryId not minted")
	}

	if got := bot.voiceCalls[0].ChatID.ID; got != 777 {
		t.Errorf("chat id = %d", got)
	}
	if name := bot.voiceCalls[0].Voice.File.Name(); name != "note.oga" {
		t.Errorf("file name = %q", name)
	}
}

func TestSendVoicePreservesExistingDeliveryID(t *testing.T) {
	bot := &fakeBot{}
	s := &Sender{bot: bot, accountID: "42"}

	ctx := delivery.With(context.Background(), delivery.TelegramDeliveryContext{DeliveryID: "d-fixed"})
	if _, err := s.SendVoice(ctx, 1, []byte("x"), "x.oga"); err != nil {
		t.Fatal(err)
	}
	d, _ := delivery.Current(bot.contexts[0])
	if d.DeliveryID != "d-fixed" {
		t.Errorf("deliveryId = %q, want d-fixed", d.DeliveryID)
	}
}

func TestSendVoiceDeduplicatesWithinWindow(t *testing.T) {
	bot := &fakeBot{}
	s := &Sender{bot: bot, accountID: "42", deduper: dedupe.New()}

	payload := []byte("same voice note")
	sent, err := s.SendVoice(context.Background(), 5, payload, "a.oga")
	if err != nil || !sent {
		t.Fatalf("first send: sent=%v err=%v", sent, err)
	}
	sent, err = s.SendVoice(context.Background(), 5, payload, "a.oga")
	if err != nil {
		t.Fatal(err)
	}
	if sent {
		t.Error("duplicate voice was sent")
	}
	if len(bot.voiceCalls) != 1 {
		t.Errorf("bot called %d times, want 1", len(bot.voiceCalls))
	}

	// A different payload to the same chat goes through.
	sent, err = s.SendVoice(context.Background(), 5, []byte("different"), "b.oga")
	if err != nil || !sent {
		t.Errorf("distinct send: sent=%v err=%v", sent, err)
	}

	// The same payload to another chat goes through too.
	sent, err = s.SendVoice(context.Background(), 6, payload, "a.oga")
	if err != nil || !sent {
		t.Errorf("other chat: sent=%v err=%v", sent, err)
	}
}

func TestSendVoiceNoDedupeWhenDisabled(t *testing.T) {
	bot := &fakeBot{}
	s := &Sender{bot: bot, accountID: "42"}

	payload := []byte("repeat me")
	for i := 0; i < 3; i++ {
		sent, err := s.SendVoice(context.Background(), 9, payload, "r.oga")
		if err != nil || !sent {
			t.Fatalf("send %d: sent=%v err=%v", i, sent, err)
		}
	}
	if len(bot.voiceCalls) != 3 {
		t.Errorf("bot called %d times, want 3", len(bot.voiceCalls))
	}
}

func TestSendMessageAttachesDeliveryContext(t *testing.T) {
	bot := &fakeBot{}
	s := &Sender{bot: bot, accountID: "42"}

	if err := s.SendMessage(context.Background(), 321, "hello"); err != nil {
		t.Fatal(err)
	}
	if len(bot.messageCalls) != 1 || bot.messageCalls[0].Text != "hello" {
		t.Fatalf("calls = %+v", bot.messageCalls)
	}
	d, ok := delivery.Current(bot.contexts[0])
	if !ok || d.Operation != "sendMessage" || d.ChatID != "321" {
		t.Errorf("delivery context = %+v", d)
	}
}

func TestAccountIDFromToken(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"1234567:AAE-abc", "1234567"},
		{"no-colon", "bot"},
		{":dangling", "bot"},
		{"", "bot"},
	}
	for _, tt := range tests {
		if got := accountIDFromToken(tt.token); got != tt.want {
			t.Errorf("accountIDFromToken(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}
