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
	"context"
	"errors"
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/commands/app"
	"github.com/blacktop/ipastore/internal/storefront"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	AccountCmd.AddCommand(loginCmd)

	loginCmd.Flags().StringP("email", "e", "", "Apple ID email")
	loginCmd.Flags().StringP("password", "p", "", "Apple ID password")
	loginCmd.Flags().String("code", "", "two-factor authentication code")
	loginCmd.Flags().StringP("country", "c", "", "App Store country code (default is storefront.country)")
	viper.BindPFlag("account.login.email", loginCmd.Flags().Lookup("email"))
	viper.BindPFlag("account.login.password", loginCmd.Flags().Lookup("password"))
	viper.BindPFlag("account.login.code", loginCmd.Flags().Lookup("code"))
	viper.BindPFlag("account.login.country", loginCmd.Flags().Lookup("country"))
}

func ask(prompt survey.Prompt, answer *string) error {
	if err := survey.AskOne(prompt, answer, survey.WithValidator(survey.Required)); err != nil {
		if err == terminal.InterruptErr {
			return fmt.Errorf("prompt interrupted")
		}
		return err
	}
	return nil
}

// loginCmd represents the account login command
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to an App Store account",
	Example: heredoc.Doc(`
		# Sign in (prompts for anything missing)
		❯ ipastore account login --email user@example.com

		# Sign in to a non-US store front
		❯ ipastore account login --email user@example.com --country GB`),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = viper.GetBool("no-color")

		email := viper.GetString("account.login.email")
		password := viper.GetString("account.login.password")
		code := viper.GetString("account.login.code")

		a, err := app.Load(false)
		if err != nil {
			return err
		}
		defer a.Close()

		country := viper.GetString("account.login.country")
		if country == "" {
			country = a.Config.Storefront.Country
		}

		if email == "" {
			if err := ask(&survey.Input{Message: "Apple ID:"}, &email); err != nil {
				return err
			}
		}
		if password == "" {
			if err := ask(&survey.Password{Message: "Password:"}, &password); err != nil {
				return err
			}
		}

		ctx := context.Background()
		hs := a.Auth.Begin(email, country)

		acct, err := hs.Submit(ctx, password, code)
		if errors.Is(err, storefront.ErrSecondFactorRequired) && code == "" {
			if err := ask(&survey.Input{Message: "Two-factor code:"}, &code); err != nil {
				return err
			}
			acct, err = hs.Submit(ctx, password, code)
		}
		if err != nil {
			return fmt.Errorf("failed to sign in as %s: %w", email, err)
		}

		log.WithFields(log.Fields{
			"name":    acct.Name(),
			"country": acct.CountryCode,
		}).Infof("Signed in as %s", color.New(color.Bold).Sprint(acct.Email))

		return nil
	},
}
