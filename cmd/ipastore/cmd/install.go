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
	"errors"
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/commands/app"
	"github.com/blacktop/ipastore/internal/installer"
	"github.com/blacktop/ipastore/internal/utils"
	"github.com/caarlos0/ctrlc"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(installCmd)

	installCmd.Flags().String("qr", "", "write the install link as a QR code PNG to this path")
	installCmd.Flags().Bool("keep", false, "keep serving after the first completed install")
	viper.BindPFlag("install.qr", installCmd.Flags().Lookup("qr"))
	viper.BindPFlag("install.keep", installCmd.Flags().Lookup("keep"))
}

// installCmd represents the install command
var installCmd = &cobra.Command{
	Use:   "install <ID>",
	Short: "Serve a downloaded package to a device over the air",
	Example: heredoc.Doc(`
		# Serve a completed download and print the install link
		❯ ipastore install 3f2a9c1e

		# Also write the install link as a QR code
		❯ ipastore install 3f2a9c1e --qr install.png`),
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

		req, err := a.Request(args[0])
		if err != nil {
			return err
		}
		if !req.Completed() {
			return fmt.Errorf("%s has not finished downloading (status: %s)", req.Archive, req.Runtime.Status)
		}

		sess := installer.New(a.Installer(viper.GetBool("verbose")), req.Archive, req.TargetPath(a.Manager.Dir()))
		defer sess.Destroy()

		status, unsubscribe := sess.Subscribe()
		defer unsubscribe()

		if err := sess.Start(); err != nil {
			if errors.Is(err, installer.ErrMissingIdentity) {
				log.Errorf("install a certificate for %s at %s and %s",
					a.Config.Installer.Hostname, a.Config.Installer.Cert, a.Config.Installer.Key)
			}
			return err
		}

		log.Infof("Install %s", colorApp(req.Archive))
		utils.Indent(log.Info, 2)(fmt.Sprintf("Link:     %s", sess.DeepLink()))
		utils.Indent(log.Info, 2)(fmt.Sprintf("Page:     %s", sess.IndexURL()))
		utils.Indent(log.Info, 2)(fmt.Sprintf("Expires:  %s", a.Config.Installer.Lifetime))

		if out := viper.GetString("install.qr"); out != "" {
			code, err := sess.QRCode(512)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, code, 0o644); err != nil {
				return fmt.Errorf("failed to write QR code: %v", err)
			}
			utils.Indent(log.Info, 2)(fmt.Sprintf("QR code:  %s", out))
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := ctrlc.Default.Run(ctx, func() error {
			for {
				select {
				case st, ok := <-status:
					if !ok {
						return nil
					}
					switch st.Phase {
					case installer.PhaseBroken:
						return st.Err
					case installer.PhaseCompleted:
						if st.Err != nil {
							log.WithError(st.Err).Warn("Transfer interrupted, waiting for the device to retry")
							continue
						}
						log.Info("Package delivered, the device is installing it")
						if !viper.GetBool("install.keep") {
							return nil
						}
					}
				case <-sess.Done():
					log.Warn("Install session expired")
					return nil
				}
			}
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Stopping installer...")
				return nil
			}
			return err
		}

		return nil
	},
}
