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
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/commands/acquire"
	"github.com/blacktop/ipastore/internal/commands/app"
	"github.com/blacktop/ipastore/internal/storefront"
	"github.com/briandowns/spinner"
	"github.com/caarlos0/ctrlc"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var colorApp = color.New(color.Bold, color.FgHiBlue).SprintFunc()
var colorBundle = color.New(color.FgCyan).SprintFunc()
var colorFaint = color.New(color.Faint).SprintFunc()

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().IntP("limit", "l", 25, "maximum number of results")
	searchCmd.Flags().StringP("device", "d", "", "device family (iPhone, iPad)")
	searchCmd.Flags().StringP("country", "c", "", "App Store country code (default is storefront.country)")
	searchCmd.Flags().BoolP("json", "j", false, "output as JSON")
	searchCmd.Flags().StringP("account", "a", "", "account to register downloads for")
	searchCmd.Flags().BoolP("get", "g", false, "select results to register for download")
	viper.BindPFlag("search.limit", searchCmd.Flags().Lookup("limit"))
	viper.BindPFlag("search.device", searchCmd.Flags().Lookup("device"))
	viper.BindPFlag("search.country", searchCmd.Flags().Lookup("country"))
	viper.BindPFlag("search.json", searchCmd.Flags().Lookup("json"))
	viper.BindPFlag("search.account", searchCmd.Flags().Lookup("account"))
	viper.BindPFlag("search.get", searchCmd.Flags().Lookup("get"))
}

// searchCmd represents the search command
var searchCmd = &cobra.Command{
	Use:   "search <TERM>",
	Short: "Search the App Store catalog",
	Example: heredoc.Doc(`
		# Search for iPad apps in the German store
		❯ ipastore search "photo editor" --device iPad --country DE

		# Pick results and register them for download
		❯ ipastore search signal --get`),
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = viper.GetBool("no-color")

		a, err := app.Load(viper.GetBool("search.get"))
		if err != nil {
			return err
		}
		defer a.Close()

		region := a.Region()
		if country := viper.GetString("search.country"); country != "" {
			region.CountryCode = strings.ToUpper(country)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var apps []storefront.Archive
		if err := ctrlc.Default.Run(ctx, func() error {
			results := a.Client.SearchAsync(ctx, storefront.Query{
				Term:   strings.Join(args, " "),
				Device: storefront.DeviceClass(viper.GetString("search.device")),
				Limit:  viper.GetInt("search.limit"),
				Region: region,
			})
			s := spinner.New(spinner.CharSets[38], 100*time.Millisecond)
			s.Prefix = color.BlueString("   • Searching... ")
			s.Start()
			res := <-results
			s.Stop()
			apps = res.Archives
			return res.Err
		}); err != nil {
			if errors.Is(err, storefront.ErrNoResults) {
				log.Warn("No results")
				return nil
			}
			return err
		}

		if viper.GetBool("search.json") {
			dat, err := json.MarshalIndent(apps, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal search results: %v", err)
			}
			fmt.Println(string(dat))
			return nil
		}

		if !viper.GetBool("search.get") {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tBUNDLE\tVERSION\tSIZE\tPRICE\tSELLER")
			for _, entry := range apps {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					entry.ID,
					colorApp(entry.Name),
					colorBundle(entry.BundleID),
					entry.Version,
					humanize.Bytes(entry.Size()),
					entry.FormattedPrice,
					colorFaint(entry.SellerName),
				)
			}
			return w.Flush()
		}

		email := viper.GetString("search.account")
		if email == "" {
			if email, err = a.DefaultAccount(); err != nil {
				return err
			}
		}

		var choices []string
		for _, entry := range apps {
			choices = append(choices, fmt.Sprintf("%s (%s) %s", entry.Name, entry.BundleID, humanize.Bytes(entry.Size())))
		}
		var selected []int
		prompt := &survey.MultiSelect{
			Message:  "Select apps to download:",
			Options:  choices,
			PageSize: 15,
		}
		if err := survey.AskOne(prompt, &selected); err != nil {
			if err == terminal.InterruptErr {
				log.Warn("Exiting...")
				return nil
			}
			return err
		}

		for _, idx := range selected {
			req, err := a.Acquire.Acquire(ctx, &acquire.Config{
				Email:    email,
				BundleID: apps[idx].BundleID,
				AppID:    apps[idx].ID,
			})
			if err != nil {
				log.WithError(err).Errorf("failed to register %s", apps[idx].BundleID)
				continue
			}
			log.WithField("id", req.ID).Infof("Registered %s (start with 'ipastore download start %s')", req.Archive, req.ID[:8])
		}

		return nil
	},
}
