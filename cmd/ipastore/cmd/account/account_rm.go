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

	"github.com/AlecAivazis/survey/v2"
	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/commands/app"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	AccountCmd.AddCommand(rmCmd)

	rmCmd.Flags().BoolP("confirm", "y", false, "do not prompt user for confirmation")
	viper.BindPFlag("account.rm.confirm", rmCmd.Flags().Lookup("confirm"))
}

// rmCmd represents the account rm command
var rmCmd = &cobra.Command{
	Use:           "rm <EMAIL>",
	Aliases:       []string{"logout"},
	Short:         "Remove an account from the vault",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = viper.GetBool("no-color")

		if !viper.GetBool("account.rm.confirm") {
			cont := false
			prompt := &survey.Confirm{
				Message: fmt.Sprintf("Remove %s from the vault?", args[0]),
			}
			survey.AskOne(prompt, &cont)
			if !cont {
				return nil
			}
		}

		a, err := app.Load(false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Auth.Store().Delete(args[0]); err != nil {
			return err
		}
		log.Infof("Removed %s", colorEmail(args[0]))

		return nil
	},
}
