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
	"fmt"
	"strconv"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/commands/acquire"
	"github.com/blacktop/ipastore/internal/commands/app"
	"github.com/blacktop/ipastore/internal/storefront"
	"github.com/blacktop/ipastore/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(lookupCmd)

	lookupCmd.Flags().StringP("device", "d", "", "device family (iPhone, iPad)")
	lookupCmd.Flags().StringP("country", "c", "", "App Store country code (default is storefront.country)")
	lookupCmd.Flags().BoolP("json", "j", false, "output as JSON")
	viper.BindPFlag("lookup.device", lookupCmd.Flags().Lookup("device"))
	viper.BindPFlag("lookup.country", lookupCmd.Flags().Lookup("country"))
	lookupCmd.Flags().Bool("versions", false, "list the version IDs the storefront serves (requires a signed in account)")
	lookupCmd.Flags().StringP("account", "a", "", "account used to list versions (default is the only signed in account)")
	viper.BindPFlag("lookup.json", lookupCmd.Flags().Lookup("json"))
	viper.BindPFlag("lookup.versions", lookupCmd.Flags().Lookup("versions"))
	viper.BindPFlag("lookup.account", lookupCmd.Flags().Lookup("account"))
}

// lookupCmd represents the lookup command
var lookupCmd = &cobra.Command{
	Use:   "lookup <BUNDLE_ID|APP_ID>",
	Short: "Lookup a single catalog entry",
	Example: heredoc.Doc(`
		# Show the catalog entry
		❯ ipastore lookup com.example.app

		# List the version IDs that can be passed to 'download get --version-id'
		❯ ipastore lookup com.example.app --versions`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = viper.GetBool("no-color")

		if viper.GetBool("lookup.versions") {
			return lookupVersions(args[0])
		}

		a, err := app.Load(false)
		if err != nil {
			return err
		}
		defer a.Close()

		q := storefront.Query{
			Device: storefront.DeviceClass(viper.GetString("lookup.device")),
			Region: a.Region(),
		}
		if country := viper.GetString("lookup.country"); country != "" {
			q.Region.CountryCode = strings.ToUpper(country)
		}
		if id, err := strconv.ParseInt(args[0], 10, 64); err == nil {
			q.ID = id
		} else {
			q.BundleID = args[0]
		}

		entry, err := a.Client.Lookup(context.Background(), q)
		if err != nil {
			return err
		}

		if viper.GetBool("lookup.json") {
			dat, err := json.MarshalIndent(entry, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal catalog entry: %v", err)
			}
			fmt.Println(string(dat))
			return nil
		}

		log.Info(colorApp(entry.Name))
		utils.Indent(log.Info, 2)(fmt.Sprintf("ID:          %d", entry.ID))
		utils.Indent(log.Info, 2)(fmt.Sprintf("Bundle ID:   %s", colorBundle(entry.BundleID)))
		utils.Indent(log.Info, 2)(fmt.Sprintf("Version:     %s", entry.Version))
		utils.Indent(log.Info, 2)(fmt.Sprintf("Size:        %s", humanize.Bytes(entry.Size())))
		utils.Indent(log.Info, 2)(fmt.Sprintf("Price:       %s", entry.FormattedPrice))
		utils.Indent(log.Info, 2)(fmt.Sprintf("Seller:      %s", entry.SellerName))
		utils.Indent(log.Info, 2)(fmt.Sprintf("Released:    %s", entry.ReleaseDate))
		utils.Indent(log.Info, 2)(fmt.Sprintf("Minimum OS:  %s", entry.MinimumOSVersion))

		return nil
	},
}

func lookupVersions(arg string) error {
	a, err := app.Load(true)
	if err != nil {
		return err
	}
	defer a.Close()

	conf := &acquire.Config{
		Email:  viper.GetString("lookup.account"),
		Device: storefront.DeviceClass(viper.GetString("lookup.device")),
	}
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		conf.AppID = id
	} else {
		conf.BundleID = arg
	}
	if conf.Email == "" {
		if conf.Email, err = a.DefaultAccount(); err != nil {
			return err
		}
	}

	ids, err := a.Acquire.Versions(context.Background(), conf)
	if err != nil {
		return err
	}

	if viper.GetBool("lookup.json") {
		dat, err := json.MarshalIndent(ids, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal version IDs: %v", err)
		}
		fmt.Println(string(dat))
		return nil
	}

	log.Infof("%d versions of %s (oldest first)", len(ids), colorBundle(arg))
	for _, id := range ids {
		utils.Indent(log.Info, 2)(id)
	}
	return nil
}
