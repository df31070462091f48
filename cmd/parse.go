package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/timvw/loopsmith/internal/evaluator"
	"github.com/timvw/loopsmith/internal/format"
	"github.com/timvw/loopsmith/internal/model"
	"github.com/timvw/loopsmith/internal/parser"
)

var parseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Parse saved engine output without running an engine",
	Long: `Parse raw engine output (a Codex transcript, an API reply, or any text
containing a JSON evaluation or labeled sections) and print the normalized
result. Reads stdin when no file or "-" is given.

Useful for replaying a captured transcript after changing the target score
or parsing mode. No engine is invoked and nothing is cached.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := format.ParseFormat(cfg.OutputFormat)
		if err != nil {
			return err
		}
		mode := model.Mode(cfg.EvaluationMode)
		if cmd.Flags().Changed("mode") {
			if mode, err = parseMode(flagMode); err != nil {
				return err
			}
		}
		var raw []byte
		if len(args) == 0 || args[0] == "-" {
			raw, err = io.ReadAll(cmd.InOrStdin())
		} else {
			raw, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read engine output: %w", err)
		}

		target := flagTarget
		if target == 0 {
			target = cfg.TargetScore
		}

		fm := format.New(f)
		res, err := parser.Parse(string(raw), parser.Options{Mode: mode, Logger: logger})
		if err != nil {
			out, fErr := fm.Error(err)
			if fErr != nil {
				return fErr
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return &exitError{code: 1, msg: "engine output could not be parsed"}
		}
		resp := evaluator.Normalize(res, target, time.Duration(0), "replay")
		out, err := fm.Response(resp, target)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	parseCmd.Flags().Float64Var(&flagTarget, "target", 0, "pass threshold 0-10 (default from config, 8.0)")
	parseCmd.Flags().StringVar(&flagMode, "mode", "flexible", "parsing mode: flexible or strict (JSON only)")
	rootCmd.AddCommand(parseCmd)
}
