package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "http 429",
			err:  &VenueError{Venue: "backpack", StatusCode: http.StatusTooManyRequests, Message: "slow down"},
			want: true,
		},
		{
			name: "rate limit in message",
			err:  &VenueError{Venue: "backpack", StatusCode: 400, Message: "Rate limit reached"},
			want: true,
		},
		{
			name: "exceeded in message",
			err:  &VenueError{Venue: "backpack", StatusCode: 400, Message: "request quota exceeded"},
			want: true,
		},
		{
			name: "ordinary venue error",
			err:  &VenueError{Venue: "backpack", StatusCode: 400, Message: "invalid symbol"},
			want: false,
		},
		{
			name: "wrapped sentinel",
			err:  fmt.Errorf("call failed: %w", ErrRateLimited),
			want: true,
		},
		{
			name: "wrapped venue error",
			err:  fmt.Errorf("call failed: %w", &VenueError{Venue: "backpack", StatusCode: 429}),
			want: true,
		},
		{
			name: "plain error",
			err:  errors.New("connection reset"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimited(tt.err); got != tt.want {
				t.Errorf("IsRateLimited(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTC_USDC", "BTC_USDC"},
		{"BTC-USDC", "BTC_USDC"},
		{"btc_usdc", "BTC_USDC"},
		{" eth-usdc ", "ETH_USDC"},
	}

	for _, tt := range tests {
		if got := NormalizeSymbol(tt.in); got != tt.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if !SymbolsEqual("BTC-USDC", "btc_usdc") {
		t.Error("SymbolsEqual should match across delimiters and case")
	}
}

func TestMapBackpackStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"New", "new"},
		{"PartiallyFilled", "partially_filled"},
		{"Filled", "filled"},
		{"Cancelled", "cancelled"},
		{"Expired", "cancelled"},
	}

	for _, tt := range tests {
		if got := mapBackpackStatus(tt.in); got != tt.want {
			t.Errorf("mapBackpackStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
