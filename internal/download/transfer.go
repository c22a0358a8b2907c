package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/model"
	"github.com/blacktop/ipastore/internal/utils"
)

const chunkSize = 32 * 1024

// meter derives transfer speed from the bytes seen between two ticks.
type meter struct {
	bytes   int64
	at      time.Time
	speed   int64
	sampled bool
}

func (s *meter) sample(bytes int64, now time.Time) int64 {
	if !s.sampled {
		s.sampled = true
		s.bytes, s.at = bytes, now
		s.speed = model.SpeedUnknown
		return s.speed
	}
	elapsed := now.Sub(s.at)
	if elapsed <= 0 {
		return s.speed
	}
	s.speed = int64(float64(bytes-s.bytes) / elapsed.Seconds())
	s.bytes, s.at = bytes, now
	return s.speed
}

func (m *Manager) run(ctx context.Context, t *transfer, r *model.Request) {
	defer func() {
		m.mu.Lock()
		if m.active[r.ID] == t {
			delete(m.active, r.ID)
		}
		m.mu.Unlock()
		t.cancel()
		close(t.done)
	}()

	err := m.fetch(ctx, t, r)
	if err == nil && ctx.Err() == nil {
		err = m.verify(t, r)
	}
	if err == nil || errors.Is(err, errStale) || ctx.Err() != nil {
		return
	}

	log.WithError(err).WithField("id", r.ID).Error("Download failed")
	failure := err.Error()
	if err := m.report(t, r.ID, func(r *model.Request) {
		r.Runtime.Status = model.StatusStopped
		r.Runtime.Error = failure
	}); err != nil && !errors.Is(err, errStale) {
		log.WithError(err).WithField("id", r.ID).Error("failed to report download failure")
	}
}

// fetch streams the package into the partial file, resuming from its current
// size when the server honours the range.
func (m *Manager) fetch(ctx context.Context, t *transfer, r *model.Request) error {
	partial := r.PartialPath(m.conf.Dir)
	if err := os.MkdirAll(filepath.Dir(partial), 0o750); err != nil {
		return fmt.Errorf("failed to create package directory: %w", err)
	}

	var offset int64
	if fi, err := os.Stat(partial); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create http GET request: %w", err)
	}
	if offset > 0 {
		rangeHeader := fmt.Sprintf("bytes=%d-", offset)
		log.WithFields(log.Fields{"id": r.ID, "range": rangeHeader}).Debug("Setting Header")
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport failure: %w", err)
	}
	defer resp.Body.Close()

	var dest *os.File
	switch resp.StatusCode {
	case http.StatusPartialContent:
		log.WithFields(log.Fields{"id": r.ID, "file": partial}).Debug("Resuming a previous download")
		dest, err = os.OpenFile(partial, os.O_APPEND|os.O_WRONLY, 0o644)
	case http.StatusOK:
		offset = 0
		dest, err = os.Create(partial)
	case http.StatusRequestedRangeNotSatisfiable:
		// partial file already holds every byte
		return m.report(t, r.ID, func(r *model.Request) {
			r.Runtime.Status = model.StatusTransferring
			r.Runtime.Percent = 1
			r.Runtime.Speed = model.SpeedUnknown
		})
	default:
		return fmt.Errorf("server return status: %s", resp.Status)
	}
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", partial, err)
	}
	defer dest.Close()

	total := int64(r.Archive.Size())
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}
	percent := func(n int64) float64 {
		if total <= 0 {
			return 0
		}
		return float64(n) / float64(total)
	}

	var speed meter
	received := offset
	progress := func() error {
		p, s := percent(received), speed.sample(received, time.Now())
		return m.report(t, r.ID, func(r *model.Request) {
			if r.Runtime.Status == model.StatusTransferring {
				p = max(p, r.Runtime.Percent)
			}
			r.Runtime.Status = model.StatusTransferring
			r.Runtime.Percent = p
			r.Runtime.Speed = s
		})
	}
	if err := progress(); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	last := time.Now()
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := dest.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write %s: %w", partial, err)
			}
			received += int64(n)
			if time.Since(last) >= m.conf.Tick {
				last = time.Now()
				if err := progress(); err != nil {
					return err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("transport failure: %w", rerr)
		}
	}

	if err := dest.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", partial, err)
	}
	if total > 0 && received < total {
		return fmt.Errorf("transport failure: %w", io.ErrUnexpectedEOF)
	}

	return progress()
}

// verify checks the partial file against the expected MD5 and moves it into
// place. A mismatching file is discarded so the next start begins from zero.
func (m *Manager) verify(t *transfer, r *model.Request) error {
	if err := m.report(t, r.ID, func(r *model.Request) {
		r.Runtime.Status = model.StatusVerifying
	}); err != nil {
		return err
	}

	partial := r.PartialPath(m.conf.Dir)
	target := r.TargetPath(m.conf.Dir)

	ok, err := utils.VerifyMd5(r.MD5, partial)
	if err != nil {
		return fmt.Errorf("failed to checksum %s: %w", partial, err)
	}
	if !ok {
		if err := os.Remove(partial); err != nil {
			log.WithError(err).WithField("path", partial).Warn("failed to remove corrupt download")
		}
		return fmt.Errorf("%w for %s", ErrIntegrity, filepath.Base(target))
	}

	if err := os.Rename(partial, target); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", partial, err)
	}

	if m.conf.InjectSignatures && len(r.Signatures) > 0 {
		if err := Package(target, r); err != nil {
			return err
		}
	}

	return m.report(t, r.ID, func(r *model.Request) {
		r.Runtime.Status = model.StatusCompleted
		r.Runtime.Percent = 1
		r.Runtime.Error = ""
	})
}
