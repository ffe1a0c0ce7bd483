package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/LeadPipe/internal/locale"
	"github.com/BTreeMap/LeadPipe/internal/widget"
)

type rootOptions struct {
	server       string
	lang         string
	name         string
	identityPath string
	verbose      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "leadchat",
		Short: "Chat with the LeadPipe sales assistant from a terminal",
		Long: `Connects to a LeadPipe server and opens the website chat in the terminal.

When the assistant routes you to a specialist, leadchat asks for your contact
details and submits them together with the conversation.

Commands inside the chat:
  /name <name>   change your display name
  /quit          leave the chat`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8080", "LeadPipe server URL")
	cmd.PersistentFlags().StringVar(&opts.identityPath, "identity", "", "identity file (default: leadpipe/identity.json in the user config dir)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().StringVar(&opts.lang, "lang", string(locale.Default), "chat language (en or es)")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name to chat as")

	cmd.AddCommand(newWhoamiCmd(opts))
	return cmd
}

func newWhoamiCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the session key and display name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := openIdentity(opts.identityPath)
			if err != nil {
				return err
			}
			key, err := id.GetOrCreateSessionKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", key, id.DisplayName())
			return nil
		},
	}
}

func openIdentity(path string) (*widget.FileIdentity, error) {
	if path == "" {
		p, err := widget.DefaultIdentityPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return widget.NewFileIdentity(path), nil
}

func runChat(ctx context.Context, opts *rootOptions, in io.Reader, out io.Writer) error {
	id, err := openIdentity(opts.identityPath)
	if err != nil {
		return err
	}
	if opts.name != "" {
		if err := id.SetDisplayName(opts.name); err != nil {
			return err
		}
	}
	transport, err := widget.NewWSTransport(opts.server)
	if err != nil {
		return err
	}
	s := newSession(in, out, locale.Normalize(opts.lang))
	w := widget.New(id, transport, widget.NewLeadClient(opts.server, nil),
		widget.WithLocale(opts.lang),
		widget.WithOnChange(s.onChange))
	s.w = w
	defer w.Close()
	return s.run(ctx)
}
