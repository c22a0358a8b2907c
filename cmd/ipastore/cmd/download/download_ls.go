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
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/commands/app"
	"github.com/blacktop/ipastore/internal/model"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	semver "github.com/hashicorp/go-version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var colorName = color.New(color.Bold).SprintFunc()
var colorFaint = color.New(color.Faint).SprintFunc()
var colorStatus = map[model.Status]func(a ...any) string{
	model.StatusStopped:      color.New(color.FgYellow).SprintFunc(),
	model.StatusPending:      color.New(color.FgCyan).SprintFunc(),
	model.StatusTransferring: color.New(color.FgBlue).SprintFunc(),
	model.StatusVerifying:    color.New(color.FgMagenta).SprintFunc(),
	model.StatusCompleted:    color.New(color.FgGreen).SprintFunc(),
}
var colorError = color.New(color.FgRed).SprintFunc()

func init() {
	DownloadCmd.AddCommand(lsCmd)

	lsCmd.Flags().StringP("bundle", "b", "", "only list requests for this bundle ID")
	lsCmd.Flags().StringP("version", "v", "", "only list requests for this version (requires --bundle)")
	viper.BindPFlag("download.ls.bundle", lsCmd.Flags().Lookup("bundle"))
	viper.BindPFlag("download.ls.version", lsCmd.Flags().Lookup("version"))
}

// sortRequests orders by bundle ID, then newest version first.
func sortRequests(reqs []*model.Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		bi, bj := strings.ToLower(reqs[i].Archive.BundleID), strings.ToLower(reqs[j].Archive.BundleID)
		if bi != bj {
			return bi < bj
		}
		vi, erri := semver.NewVersion(reqs[i].Archive.Version)
		vj, errj := semver.NewVersion(reqs[j].Archive.Version)
		if erri != nil || errj != nil {
			return reqs[i].Archive.Version > reqs[j].Archive.Version
		}
		return vi.GreaterThan(vj)
	})
}

// lsCmd represents the download ls command
var lsCmd = &cobra.Command{
	Use:           "ls",
	Short:         "List download requests",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = viper.GetBool("no-color")

		if viper.GetString("download.ls.version") != "" && viper.GetString("download.ls.bundle") == "" {
			return fmt.Errorf("--version requires --bundle")
		}

		a, err := app.Load(true)
		if err != nil {
			return err
		}
		defer a.Close()

		var reqs []*model.Request
		if bundle := viper.GetString("download.ls.bundle"); bundle != "" {
			reqs = a.Manager.FindByArchive(bundle, viper.GetString("download.ls.version"))
		} else {
			reqs = a.Manager.List()
		}
		if len(reqs) == 0 {
			log.Warn("No download requests found")
			return nil
		}
		sortRequests(reqs)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tBUNDLE\tVERSION\tSIZE\tSTATUS\tCREATED")
		for _, r := range reqs {
			status := colorStatus[r.Runtime.Status](r.Runtime.Status)
			if r.Runtime.Status != model.StatusCompleted && r.Runtime.Percent > 0 {
				status += fmt.Sprintf(" %.0f%%", r.Runtime.Percent*100)
			}
			if r.Runtime.Error != "" {
				status += " " + colorError(r.Runtime.Error)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID[:8],
				colorName(r.Archive.Name),
				r.Archive.BundleID,
				r.Archive.Version,
				humanize.Bytes(r.Archive.Size()),
				status,
				colorFaint(humanize.RelTime(r.CreatedAt, time.Now(), "ago", "from now")),
			)
		}
		return w.Flush()
	},
}
