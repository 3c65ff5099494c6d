package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/modelid"
	"github.com/zulandar/roundhouse/internal/nlu"
	"github.com/zulandar/roundhouse/internal/token"
)

func newInfoCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the training service version and supported languages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runInfo(cmd *cobra.Command, configPath string) error {
	ctx := context.Background()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.client.Info(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Service:\t%s\n", a.client.BaseURL())
	fmt.Fprintf(w, "NLU version:\t%s\n", info.Specs.NLUVersion)
	fmt.Fprintf(w, "Language server:\t%s %s (%d dims)\n",
		info.Specs.LanguageServer.Domain, info.Specs.LanguageServer.Version, info.Specs.LanguageServer.Dimensions)
	fmt.Fprintf(w, "Languages:\t%s\n", strings.Join(info.Languages, ", "))
	return w.Flush()
}

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect the models held by the training service",
	}

	cmd.AddCommand(newModelsListCmd())
	cmd.AddCommand(newModelsPruneCmd())
	return cmd
}

func newModelsListCmd() *cobra.Command {
	var (
		configPath string
		bot        string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the models the training service holds for a bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, configPath, bot, false)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&bot, "bot", "", "bot whose models to list (required)")
	cmd.MarkFlagRequired("bot")
	return cmd
}

func newModelsPruneCmd() *cobra.Command {
	var (
		configPath string
		bot        string
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Ask the training service to drop outdated models of a bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, configPath, bot, true)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&bot, "bot", "", "bot whose models to prune (required)")
	cmd.MarkFlagRequired("bot")
	return cmd
}

func runModels(cmd *cobra.Command, configPath, bot string, prune bool) error {
	ctx := context.Background()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	tok, err := a.tokens.Issue(nlu.ModelKey{BotID: bot, Language: token.AnyLanguage})
	if err != nil {
		return err
	}

	var ids []modelid.ModelID
	if prune {
		ids, err = a.client.PruneModels(ctx, tok)
	} else {
		ids, err = a.client.ListModels(ctx, tok)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if prune {
		fmt.Fprintf(out, "Pruned %d models\n", len(ids))
	}
	if len(ids) == 0 {
		if !prune {
			fmt.Fprintln(out, "No models found.")
		}
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LANGUAGE\tSEED\tMODEL")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%d\t%s\n", id.Language, id.Seed, id)
	}
	return w.Flush()
}
