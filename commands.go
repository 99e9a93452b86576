package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"msgd/auth"
	"msgd/client"

	"github.com/spf13/cobra"
)

var hashCmd = &cobra.Command{
	Use:   "hash <login> <password>",
	Short: "Print the stored secret for an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), string(auth.HashPassword(args[0], args[1])))
		return nil
	},
}

var (
	sendLogin    string
	sendPassword string
	sendWS       string
	sendTimeout  time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <destination> <text>",
	Short: "Log in, print queued messages, send one message and exit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		var c *client.Client
		if sendWS != "" {
			c, err = client.DialWebSocket(ctx, sendWS, client.WithTimeout(sendTimeout))
		} else {
			c, err = client.Dial(ctx, cfg.Addr, client.WithTimeout(sendTimeout))
		}
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer c.Close()

		return sendOne(ctx, c, cmd.OutOrStdout(), sendLogin, sendPassword, args[0], args[1])
	},
}

// sendOne logs in, sends text to dest and exits. Messages the server
// flushes to the account on login are printed to out.
func sendOne(ctx context.Context, c *client.Client, out io.Writer, login, password, dest, text string) error {
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for msg := range c.Messages() {
			fmt.Fprintf(out, "%s %s: %s\n", msg.Time.Local().Format(time.DateTime), msg.Sender(), msg.Text)
		}
	}()

	if err := c.Login(ctx, login, password, ""); err != nil {
		c.Close()
		return err
	}
	if err := c.SendMessage(ctx, dest, text); err != nil {
		c.Close()
		return err
	}

	err := c.Exit(ctx)
	<-printed
	return err
}

func init() {
	sendCmd.Flags().StringVarP(&sendLogin, "login", "l", "", "Account to log in as")
	sendCmd.Flags().StringVarP(&sendPassword, "password", "p", "", "Account password")
	sendCmd.Flags().StringVar(&sendWS, "ws", "", "Connect over WebSocket to this URL instead of TCP")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "Per-request timeout")
	sendCmd.MarkFlagRequired("login")
	sendCmd.MarkFlagRequired("password")

	rootCmd.AddCommand(hashCmd, sendCmd)
}
