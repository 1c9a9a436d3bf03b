package telegram

import (
	"context"
	"testing"

	"github.com/edgard/replyhub/internal/chat"
	"github.com/edgard/replyhub/internal/logger"
)

func TestAddressRoundTrip(t *testing.T) {
	t.Parallel()

	for _, id := range []int64{1, 123456789, -1001234567890} {
		got, err := ParseAddress(Address(id))
		if err != nil {
			t.Fatalf("ParseAddress(%q) error = %v", Address(id), err)
		}
		if got != id {
			t.Errorf("ParseAddress(Address(%d)) = %d", id, got)
		}
	}
}

func TestParseAddressRejects(t *testing.T) {
	t.Parallel()

	for _, addr := range []string{"", "5511999999999", "tg:", "tg:abc"} {
		if _, err := ParseAddress(addr); err == nil {
			t.Errorf("ParseAddress(%q) succeeded", addr)
		}
	}
}

func TestOpenRequiresToken(t *testing.T) {
	t.Parallel()

	o := NewOpener(logger.Discard())
	_, err := o.Open(context.Background(), chat.OpenRequest{SessionKey: "k", InstanceID: "i"}, func(chat.Event) {})
	if err == nil {
		t.Fatal("Open() without token succeeded")
	}
}

func TestTokenPrefix(t *testing.T) {
	t.Parallel()

	if got := tokenPrefix("short"); got != "***" {
		t.Errorf("tokenPrefix(short) = %q", got)
	}
	if got := tokenPrefix("1234567890:ABC"); got != "12345678..." {
		t.Errorf("tokenPrefix(long) = %q", got)
	}
}
