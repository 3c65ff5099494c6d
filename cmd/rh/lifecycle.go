package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status <bot> <language>",
		Short: "Show the serving model and in-flight training of a bot language",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, args[0], args[1], asJSON)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath, bot, lang string, asJSON bool) error {
	ctx := context.Background()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.coord.Status(ctx, bot, lang)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, st)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Key:\t%s\n", st.Key)
	fmt.Fprintf(w, "State:\t%s\n", st.State)
	fmt.Fprintf(w, "Summary:\t%s\n", st)
	if st.ServingModelID != "" {
		fmt.Fprintf(w, "Serving:\t%s\n", st.ServingModelID)
	}
	if st.TrainingModelID != "" {
		fmt.Fprintf(w, "Training:\t%s\n", st.TrainingModelID)
		if st.TrainingStatus != "" {
			fmt.Fprintf(w, "Training status:\t%s (%.0f%%)\n", st.TrainingStatus, st.Progress*100)
		}
		if st.RemoteError != "" {
			fmt.Fprintf(w, "Remote error:\t%s\n", st.RemoteError)
		}
	}
	return w.Flush()
}

func newCancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <bot> <language>",
		Short: "Cancel the in-flight training of a bot language",
		Long:  "Asks the training service to stop the in-flight job. The serving model, if any, is untouched.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(cmd, configPath, args[0], args[1])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runCancel(cmd *cobra.Command, configPath, bot, lang string) error {
	ctx := context.Background()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.coord.CancelTraining(ctx, bot, lang); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s/%s\n", bot, lang)
	return nil
}

func newPredictCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "predict <bot> <language> <utterance>",
		Short: "Run a prediction against the serving model",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPredict(cmd, configPath, args[0], args[1], args[2])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runPredict(cmd *cobra.Command, configPath, bot, lang, utterance string) error {
	ctx := context.Background()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	pred, err := a.coord.Predict(ctx, bot, lang, utterance)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), pred)
}

func newDetectLangCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "detect-lang <bot> <utterance>",
		Short: "Detect the language of an utterance among a bot's serving models",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetectLang(cmd, configPath, args[0], args[1])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDetectLang(cmd *cobra.Command, configPath, bot, utterance string) error {
	ctx := context.Background()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	lang, err := a.coord.DetectLanguage(ctx, bot, utterance)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), lang)
	return nil
}

func newRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove <bot> [language]",
		Short: "Remove the models of a bot, or of one of its languages",
		Long: `Cancels any in-flight training and deletes the serving and training entries.
Without a language, every language of the bot is removed.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lang := ""
			if len(args) == 2 {
				lang = args[1]
			}
			return runRemove(cmd, configPath, args[0], lang)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runRemove(cmd *cobra.Command, configPath, bot, lang string) error {
	ctx := context.Background()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if lang != "" {
		if err := a.coord.RemoveModel(ctx, bot, lang); err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed %s/%s\n", bot, lang)
		return nil
	}

	langs, err := a.coord.RemoveBot(ctx, bot)
	if err != nil {
		return err
	}
	if len(langs) == 0 {
		fmt.Fprintf(out, "No models found for bot %s\n", bot)
		return nil
	}
	for _, l := range langs {
		fmt.Fprintf(out, "Removed %s/%s\n", bot, l)
	}
	return nil
}

func newReconcileCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Remove training entries that no longer track a live job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runReconcile(cmd *cobra.Command, configPath string) error {
	ctx := context.Background()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.coord.Reconcile(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checked %d training entries: %d removed, %d kept, %d failed\n",
		report.Checked, len(report.Removed), report.Kept, report.Failed)
	if len(report.Removed) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tMODEL\tREASON")
	for _, r := range report.Removed {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Key, r.ModelID, r.Reason)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
