package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/coordinator"
	"github.com/zulandar/roundhouse/internal/definition"
)

func newTrainCmd() *cobra.Command {
	var (
		configPath string
		languages  []string
	)

	cmd := &cobra.Command{
		Use:   "train <definition-file>",
		Short: "Train the models of a bot definition",
		Long: `Ensures a trained model for each language of the bot definition and waits
for it. Languages whose definition is unchanged are reported as cache hits
without contacting the training service.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, configPath, args[0], languages)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringSliceVarP(&languages, "language", "l", nil, "train only these languages (default: all declared)")
	return cmd
}

func runTrain(cmd *cobra.Command, configPath, path string, languages []string) error {
	def, err := definition.Load(path)
	if err != nil {
		return err
	}
	for _, lang := range languages {
		if !def.Supports(lang) {
			return fmt.Errorf("bot %q does not declare language %q", def.Bot, lang)
		}
	}
	if len(languages) == 0 {
		languages = def.Languages
	}

	ctx := context.Background()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	var failed []string
	for _, lang := range languages {
		if err := trainLanguage(ctx, out, a.coord, def, lang); err != nil {
			fmt.Fprintf(out, "%s/%s: failed: %v\n", def.Bot, lang, err)
			failed = append(failed, lang)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("training failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func trainLanguage(ctx context.Context, out io.Writer, coord *coordinator.Coordinator, def *definition.BotDefinition, lang string) error {
	key := def.Bot + "/" + lang
	last := -1
	progress := func(p float64) {
		pct := int(p * 100)
		if pct == last {
			return
		}
		last = pct
		fmt.Fprintf(out, "%s: training %d%%\n", key, pct)
	}

	res, err := coord.EnsureModel(ctx, def.Bot, lang, def.ForLanguage(lang), progress)
	if err != nil {
		return err
	}
	switch {
	case res.CacheHit:
		fmt.Fprintf(out, "%s: up to date (model %s)\n", key, res.ModelID)
	case res.Attached:
		fmt.Fprintf(out, "%s: joined training in progress, model %s ready\n", key, res.ModelID)
	default:
		fmt.Fprintf(out, "%s: model %s ready\n", key, res.ModelID)
	}
	return nil
}
