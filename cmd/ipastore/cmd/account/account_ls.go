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
package account

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/commands/app"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var colorEmail = color.New(color.Bold, color.FgHiBlue).SprintFunc()
var colorFaint = color.New(color.Faint).SprintFunc()

func init() {
	AccountCmd.AddCommand(lsCmd)
}

// lsCmd represents the account ls command
var lsCmd = &cobra.Command{
	Use:           "ls",
	Short:         "List signed in accounts",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = viper.GetBool("no-color")

		a, err := app.Load(false)
		if err != nil {
			return err
		}
		defer a.Close()

		accts, err := a.Auth.Store().List()
		if err != nil {
			return err
		}
		if len(accts) == 0 {
			log.Warn("No accounts found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "EMAIL\tNAME\tCOUNTRY\tPOD\tUPDATED")
		for _, acct := range accts {
			updated := "never"
			if !acct.UpdatedAt.IsZero() {
				updated = humanize.RelTime(acct.UpdatedAt, time.Now(), "ago", "from now")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", colorEmail(acct.Email), acct.Name(), acct.CountryCode, acct.Pod, colorFaint(updated))
		}
		return w.Flush()
	},
}
