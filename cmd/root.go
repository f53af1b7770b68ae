/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vidyavaradhi",
	Short: "VidyaVaradhi authentication backend",
	Long: `VidyaVaradhi authentication backend: email OTP verification,
registration, password login and role-scoped sessions.

	vidyavaradhi server
	vidyavaradhi mailer
	vidyavaradhi migrate up
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
