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
	"strconv"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/commands/acquire"
	"github.com/blacktop/ipastore/internal/commands/app"
	"github.com/blacktop/ipastore/internal/storefront"
	"github.com/blacktop/ipastore/internal/utils"
	"github.com/caarlos0/ctrlc"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	DownloadCmd.AddCommand(getCmd)

	getCmd.Flags().StringP("account", "a", "", "account email (default is the only signed in account)")
	getCmd.Flags().String("version-id", "", "external version identifier of an older version")
	getCmd.Flags().StringP("device", "d", "", "device family to resolve (iPhone, iPad)")
	getCmd.Flags().Bool("no-wait", false, "only register the request")
	viper.BindPFlag("download.get.account", getCmd.Flags().Lookup("account"))
	viper.BindPFlag("download.get.version-id", getCmd.Flags().Lookup("version-id"))
	viper.BindPFlag("download.get.device", getCmd.Flags().Lookup("device"))
	viper.BindPFlag("download.get.no-wait", getCmd.Flags().Lookup("no-wait"))
}

// getCmd represents the download get command
var getCmd = &cobra.Command{
	Use:   "get <BUNDLE_ID|APP_ID>",
	Short: "Acquire a license if needed and download a package",
	Example: heredoc.Doc(`
		# Download the latest version
		❯ ipastore download get com.zhiliaoapp.musically

		# Download an older version with a specific account
		❯ ipastore download get 835599320 --account user@example.com --version-id 851225370`),
	Args:          cobra.ExactArgs(1),
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

		conf := &acquire.Config{
			Email:             viper.GetString("download.get.account"),
			ExternalVersionID: viper.GetString("download.get.version-id"),
			Device:            storefront.DeviceClass(viper.GetString("download.get.device")),
		}
		if id, err := strconv.ParseInt(args[0], 10, 64); err == nil {
			conf.AppID = id
		} else {
			conf.BundleID = args[0]
		}
		if conf.Email == "" {
			if conf.Email, err = a.DefaultAccount(); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		req, err := a.Acquire.Acquire(ctx, conf)
		if err != nil {
			return err
		}
		if viper.GetBool("download.get.no-wait") {
			fmt.Println(req.ID)
			return nil
		}

		if err := ctrlc.Default.Run(ctx, func() error {
			return track(ctx, a, true, req)
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Suspending download...")
				return nil
			}
			return err
		}

		utils.Indent(log.WithField("path", req.TargetPath(a.Manager.Dir())).Info, 2)("Downloaded")
		notify(fmt.Sprintf("Downloaded %s", req.Archive))

		return nil
	},
}
