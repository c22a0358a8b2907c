package utils

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
)

var normalPadding = cli.Default.Padding

type stop struct {
	error
}

// Stop marks err as permanent so Retry and RetryContext return it immediately.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return stop{err}
}

func Retry(attempts int, sleep time.Duration, f func() error) error {
	return RetryContext(context.Background(), attempts, sleep, f)
}

// RetryContext calls f until it succeeds, returns a Stop error, the attempts are
// used up or ctx is done. The delay doubles after every failure, plus jitter.
func RetryContext(ctx context.Context, attempts int, sleep time.Duration, f func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = f(); err == nil {
			return nil
		}
		if s, ok := err.(stop); ok {
			// Return the original error for later checking
			return s.error
		}
		if i == attempts-1 {
			break
		}
		if sleep > 0 {
			jitter := time.Duration(rand.Int64N(int64(sleep)))
			sleep = sleep + jitter/2
		}
		log.WithError(err).Debugf("attempt %d/%d failed, retrying in %s", i+1, attempts, sleep)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		sleep *= 2
	}
	return fmt.Errorf("after %d attempts, %w", attempts, err)
}

// Indent pads the cli handler output for one call. It swaps a global, so only
// call it from the goroutine that owns the terminal.
func Indent(f func(s string), level int) func(string) {
	return func(s string) {
		cli.Default.Padding = normalPadding * level
		f(s)
		cli.Default.Padding = normalPadding
	}
}

// Md5File returns the lower-case hex MD5 digest of the file at name.
func Md5File(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// VerifyMd5 reports whether the file at name hashes to md5sum (case-insensitive).
func VerifyMd5(md5sum, name string) (bool, error) {
	actual, err := Md5File(name)
	if err != nil {
		return false, err
	}

	match := strings.EqualFold(md5sum, actual)

	if !match {
		log.WithFields(log.Fields{
			"file":     name,
			"expected": md5sum,
			"actual":   actual,
		}).Error("BAD CHECKSUM")
	}

	return match, nil
}

type Pair[F, S any] struct {
	First  F
	Second S
}

// Zip pairs up two slices of equal length.
func Zip[F, S any](first []F, second []S) ([]Pair[F, S], error) {
	if len(first) != len(second) {
		return nil, fmt.Errorf("slices have different lengths: %d != %d", len(first), len(second))
	}
	out := make([]Pair[F, S], 0, len(first))
	for i := range first {
		out = append(out, Pair[F, S]{First: first[i], Second: second[i]})
	}
	return out, nil
}
