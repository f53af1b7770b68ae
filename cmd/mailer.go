/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vidyavaradhi/apiserver/config"
	"github.com/vidyavaradhi/apiserver/internal/logging"
	"github.com/vidyavaradhi/apiserver/internal/mail"
	"github.com/vidyavaradhi/apiserver/internal/mq"
	"github.com/vidyavaradhi/apiserver/internal/storage"
)

// mailerCmd represents the mailer command
var mailerCmd = &cobra.Command{
	Use:   "mailer",
	Short: "Delivers queued OTP and welcome emails",
	Long: `Consumes MAIL_CHANNEL from the configured broker, sends each email and
archives it to object storage when MAIL_ARCHIVE is set. Usage:

	MAIL_QUEUE=rabbitmq vidyavaradhi mailer
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.Mail.Queue == config.MailQueueNone {
			return errors.New("mailer needs MAIL_QUEUE set to rabbitmq or pubsub")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := logging.New(cfg.Development())

		queue, err := mq.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect queue: %w", err)
		}
		defer func() {
			_ = queue.Close()
		}()

		archive, err := storage.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open mail archive: %w", err)
		}

		worker := mail.NewWorker(queue, cfg.Mail.Channel, cfg.Mail.From, mail.NewSender(cfg, log), archive, log)
		return worker.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mailerCmd)
}
