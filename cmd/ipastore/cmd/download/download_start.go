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
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/commands/app"
	"github.com/blacktop/ipastore/internal/model"
	"github.com/caarlos0/ctrlc"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	DownloadCmd.AddCommand(startCmd)

	startCmd.Flags().Bool("all", false, "resume every unfinished request")
	viper.BindPFlag("download.start.all", startCmd.Flags().Lookup("all"))
}

// startCmd represents the download start command
var startCmd = &cobra.Command{
	Use:           "start [ID...]",
	Aliases:       []string{"resume"},
	Short:         "Start or resume download requests (Ctrl-C suspends them)",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = viper.GetBool("no-color")

		a, err := app.Load(true)
		if err != nil {
			return err
		}
		defer a.Close()

		var reqs []*model.Request
		if viper.GetBool("download.start.all") {
			for _, r := range a.Manager.List() {
				if !r.Completed() {
					reqs = append(reqs, r)
				}
			}
		} else {
			for _, id := range args {
				r, err := a.Request(id)
				if err != nil {
					return err
				}
				reqs = append(reqs, r)
			}
		}
		if len(reqs) == 0 {
			log.Warn("Nothing to download")
			return nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := ctrlc.Default.Run(ctx, func() error {
			return track(ctx, a, true, reqs...)
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Suspending downloads...")
				return a.Manager.SuspendAll()
			}
			return err
		}
		notify(fmt.Sprintf("Downloaded %d package(s)", len(reqs)))

		return nil
	},
}
