package utils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestRetryContext(t *testing.T) {
	errBoom := errors.New("boom")
	tests := []struct {
		name      string
		attempts  int
		failUntil int
		permanent bool
		wantCalls int
		wantErr   bool
	}{
		{
			name:      "succeeds first time",
			attempts:  3,
			failUntil: 0,
			wantCalls: 1,
		},
		{
			name:      "succeeds after retries",
			attempts:  3,
			failUntil: 2,
			wantCalls: 3,
		},
		{
			name:      "gives up",
			attempts:  3,
			failUntil: 10,
			wantCalls: 3,
			wantErr:   true,
		},
		{
			name:      "stop is not retried",
			attempts:  3,
			failUntil: 10,
			permanent: true,
			wantCalls: 1,
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := RetryContext(context.Background(), tt.attempts, time.Millisecond, func() error {
				calls++
				if calls <= tt.failUntil {
					if tt.permanent {
						return Stop(errBoom)
					}
					return errBoom
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("RetryContext() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errBoom) {
				t.Errorf("RetryContext() error = %v, want wrapped %v", err, errBoom)
			}
			if calls != tt.wantCalls {
				t.Errorf("RetryContext() calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryContext(ctx, 5, time.Hour, func() error { return errors.New("nope") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RetryContext() error = %v, want context.Canceled", err)
	}
}

func TestZip(t *testing.T) {
	got, err := Zip([]int{1, 2}, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	want := []Pair[int, string]{{1, "a"}, {2, "b"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Zip() = %v, want %v", got, want)
	}
	if _, err := Zip([]int{1}, []string{}); err == nil {
		t.Error("Zip() expected error for mismatched lengths")
	}
}

func TestVerifyMd5(t *testing.T) {
	name := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(name, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		sum  string
		want bool
	}{
		{"lower", "5d41402abc4b2a76b9719d911017c592", true},
		{"upper", "5D41402ABC4B2A76B9719D911017C592", true},
		{"mismatch", "00000000000000000000000000000000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := VerifyMd5(tt.sum, name)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("VerifyMd5() = %v, want %v", got, tt.want)
			}
		})
	}
}
