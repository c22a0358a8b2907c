/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package download

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/blacktop/ipastore/internal/commands/app"
	"github.com/blacktop/ipastore/internal/model"
	"github.com/dustin/go-humanize"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"
)

// progress bars are scaled to permille of the package
const scale = 1000

type progress struct {
	bar    *mpb.Bar
	status atomic.Value
	speed  atomic.Int64
}

func newProgress(p *mpb.Progress, r *model.Request) *progress {
	pr := &progress{}
	pr.status.Store(r.Runtime.Status)
	pr.bar = p.New(scale,
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
		mpb.PrependDecorators(
			decor.Name(r.Archive.Name, decor.WCSyncSpaceR),
			decor.Name(r.Archive.Version, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.OnAbort(decor.OnComplete(decor.Percentage(decor.WCSyncSpace), "✅ "), "❌ "),
			decor.Name(" ] "),
			decor.Any(func(decor.Statistics) string {
				switch status := pr.status.Load().(model.Status); status {
				case model.StatusTransferring:
					if speed := pr.speed.Load(); speed > 0 {
						return humanize.Bytes(uint64(speed)) + "/s"
					}
					return "--"
				default:
					return string(status)
				}
			}, decor.WCSyncWidth),
		),
	)
	pr.update(r)
	return pr
}

func (pr *progress) update(r *model.Request) {
	pr.status.Store(r.Runtime.Status)
	pr.speed.Store(r.Runtime.Speed)
	pr.bar.SetCurrent(int64(r.Runtime.Percent * scale))
}

func (pr *progress) finish(r *model.Request) {
	pr.update(r)
	if r.Completed() {
		pr.bar.SetTotal(-1, true)
	} else {
		pr.bar.Abort(false)
	}
}

// track optionally starts the requests, renders their progress and blocks
// until none of them is transferring.
func track(ctx context.Context, a *app.App, start bool, reqs ...*model.Request) error {
	events, unsubscribe := a.Manager.Subscribe()
	defer unsubscribe()

	p := mpb.NewWithContext(ctx)
	bars := make(map[string]*progress, len(reqs))
	for _, r := range reqs {
		bars[r.ID] = newProgress(p, r)
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			if pr, ok := bars[ev.Request.ID]; ok && !ev.Removed {
				pr.update(&ev.Request)
			}
		}
	}()

	var g errgroup.Group
	for _, r := range reqs {
		if start {
			if err := a.Manager.Start(r.ID); err != nil {
				bars[r.ID].bar.Abort(false)
				g.Go(func() error { return err })
				continue
			}
		}
		g.Go(func() error {
			final, err := a.Manager.Wait(ctx, r.ID)
			if err != nil {
				bars[r.ID].bar.Abort(false)
				return err
			}
			bars[r.ID].finish(final)
			if final.Runtime.Error != "" {
				return fmt.Errorf("%s: %s", final.Archive.Name, final.Runtime.Error)
			}
			return nil
		})
	}
	err := g.Wait()

	unsubscribe()
	<-drained
	p.Wait()

	return err
}
