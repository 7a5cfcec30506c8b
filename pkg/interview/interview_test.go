package interview

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusActive, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCompleted, StatusActive, false},
		{StatusCancelled, StatusCompleted, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	if StatusActive.Terminal() {
		t.Fatal("ACTIVE must not be terminal")
	}
	if !StatusCompleted.Terminal() || !StatusCancelled.Terminal() {
		t.Fatal("COMPLETED and CANCELLED must be terminal")
	}
}

func TestMessageTextPrefersTranscriptForVoice(t *testing.T) {
	voice := Message{ContentType: ContentVoice, Content: "ignored", Transcript: " привет "}
	if got := voice.Text(); got != "привет" {
		t.Fatalf("voice text = %q", got)
	}

	pending := Message{ContentType: ContentVoice, FileRef: "f1"}
	if got := pending.Text(); got != "" {
		t.Fatalf("pending voice text = %q, want empty", got)
	}

	text := Message{ContentType: ContentText, Content: " hello "}
	if got := text.Text(); got != "hello" {
		t.Fatalf("text = %q", got)
	}
}

func TestSessionUsable(t *testing.T) {
	now := time.Now()
	live := Session{ExpiresAt: now.Add(time.Hour)}
	if !live.Usable(now) {
		t.Fatal("unexpired session must be usable")
	}

	expired := Session{ExpiresAt: now.Add(-time.Minute)}
	if expired.Usable(now) {
		t.Fatal("expired session must not be usable")
	}

	revokedAt := now.Add(-time.Second)
	revoked := Session{ExpiresAt: now.Add(time.Hour), RevokedAt: &revokedAt}
	if revoked.Usable(now) {
		t.Fatal("revoked session must not be usable")
	}
}

func TestChannelLoginUsable(t *testing.T) {
	ok := ChannelLogin{Active: true}
	if !ok.Usable() {
		t.Fatal("active login without auth error must be usable")
	}

	inactive := ChannelLogin{Active: false}
	if inactive.Usable() {
		t.Fatal("inactive login must not be usable")
	}

	broken := ChannelLogin{Active: true, AuthError: "401"}
	if broken.Usable() {
		t.Fatal("login with auth error must not be usable")
	}
}

func TestDetailedScoreBase(t *testing.T) {
	d := DetailedScore{Completeness: 100, Depth: 50, Responsiveness: 30, Coverage: 20}
	if got := d.Base(); got != 50 {
		t.Fatalf("base = %d, want 50", got)
	}

	if (DetailedScore{}).Base() != 0 {
		t.Fatal("zero dimensions must give zero base")
	}
}
