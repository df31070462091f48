package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/timvw/loopsmith/internal/evaluator"
	"github.com/timvw/loopsmith/internal/format"
	"github.com/timvw/loopsmith/internal/model"
	"github.com/timvw/loopsmith/internal/progress"
)

var (
	flagTarget      float64
	flagProject     string
	flagMode        string
	flagRubric      string
	flagParallel    int
	flagProgress    bool
	flagRequirePass bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [file...]",
	Short: "Evaluate one or more documents",
	Long: `Evaluate technical documents with the configured engine.

Each file is evaluated independently. Use "-" to read a document from
stdin. With several files, --parallel bounds how many engine processes run
at once, and the json format prints an array with one entry per file.

The engine decides the score. loopsmith only compares it with the target
score (--target, default 8.0) to decide pass or fail.

Exit status is 0 when every evaluation completed, 1 when any failed, and 2
when --require-pass is set and any document scored below its target.`,
	Example: `  loopsmith evaluate docs/design.md
  loopsmith evaluate --target 9 --format json docs/*.md
  cat draft.md | loopsmith evaluate -
  loopsmith evaluate --rubric completeness=40,accuracy=30,clarity=20,usability=10 design.md`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := format.ParseFormat(cfg.OutputFormat)
		if err != nil {
			return err
		}
		rubric, err := parseRubric(flagRubric)
		if err != nil {
			return err
		}
		var mode model.Mode
		if cmd.Flags().Changed("mode") {
			if mode, err = parseMode(flagMode); err != nil {
				return err
			}
		}
		reqs, err := buildRequests(args, cmd.InOrStdin(), requestDefaults{
			TargetScore: flagTarget,
			ProjectPath: flagProject,
			Mode:        mode,
			Rubric:      rubric,
		})
		if err != nil {
			return err
		}

		ev, closeStore, err := newEvaluator(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		parallel := flagParallel
		if !cmd.Flags().Changed("parallel") {
			parallel = cfg.Parallel
		}
		var tracker *progress.Tracker
		if flagProgress {
			tracker = progress.Start(cmd.ErrOrStderr(), len(reqs))
		}
		results := evaluateAll(ctx, ev, reqs, parallel, tracker)
		tracker.Stop()

		return writeResults(cmd.OutOrStdout(), format.New(f), results)
	},
}

// requestDefaults are the per-run flag values applied to every document.
type requestDefaults struct {
	TargetScore float64
	ProjectPath string
	Mode        model.Mode
	Rubric      *model.Rubric
}

// document is one evaluation request and its label for output.
type document struct {
	label string
	req   model.EvaluationRequest
}

// buildRequests turns the command arguments into requests. "-" reads stdin
// once as inline content.
func buildRequests(args []string, stdin io.Reader, d requestDefaults) ([]document, error) {
	docs := make([]document, 0, len(args))
	readStdin := false
	for _, arg := range args {
		req := model.EvaluationRequest{
			TargetScore: d.TargetScore,
			ProjectPath: d.ProjectPath,
			Mode:        d.Mode,
			Rubric:      d.Rubric,
		}
		label := arg
		if arg == "-" {
			if readStdin {
				return nil, fmt.Errorf("stdin (-) can only be given once")
			}
			readStdin = true
			b, err := io.ReadAll(stdin)
			if err != nil {
				return nil, fmt.Errorf("read stdin: %w", err)
			}
			if strings.TrimSpace(string(b)) == "" {
				return nil, fmt.Errorf("stdin is empty")
			}
			req.Content = string(b)
			label = "stdin"
		} else {
			req.DocumentPath = arg
		}
		docs = append(docs, document{label: label, req: req})
	}
	return docs, nil
}

// parseMode accepts the --mode values, case-insensitively.
func parseMode(s string) (model.Mode, error) {
	switch m := model.Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case model.ModeFlexible, model.ModeStrict:
		return m, nil
	}
	return "", fmt.Errorf("invalid mode %q (flexible or strict)", s)
}

// parseRubric parses "completeness=40,accuracy=30,clarity=20,usability=10".
// Omitted criteria weigh zero. An empty string means no rubric.
func parseRubric(s string) (*model.Rubric, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	r := &model.Rubric{}
	for _, part := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("rubric: %q is not name=weight", part)
		}
		w, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(value), "%"), 64)
		if err != nil || w < 0 {
			return nil, fmt.Errorf("rubric: invalid weight %q for %s", value, name)
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "completeness":
			r.Completeness = w
		case "accuracy":
			r.Accuracy = w
		case "clarity":
			r.Clarity = w
		case "usability":
			r.Usability = w
		default:
			return nil, fmt.Errorf("rubric: unknown criterion %q (completeness, accuracy, clarity, usability)", name)
		}
	}
	return r, nil
}

// result is the outcome of one document.
type result struct {
	label  string
	target float64
	resp   *model.EvaluationResponse
	err    error
}

// evaluateAll evaluates docs with at most parallel evaluations in flight.
// Results keep the order of docs.
func evaluateAll(ctx context.Context, ev *evaluator.Evaluator, docs []document, parallel int, tracker *progress.Tracker) []result {
	results := make([]result, len(docs))
	parallel = max(1, min(parallel, len(docs)))

	var wg sync.WaitGroup
	sem := make(chan struct{}, parallel)
	for i, doc := range docs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			resp, err := ev.Evaluate(ctx, doc.req)
			target := doc.req.TargetScore
			if target == 0 {
				target = cfg.TargetScore
			}
			results[i] = result{label: doc.label, target: target, resp: resp, err: err}

			note := ""
			if resp != nil {
				note = fmt.Sprintf("%.1f/10", resp.Score)
			}
			tracker.Done(doc.label, note, err)
		}()
	}
	wg.Wait()
	return results
}

// batchEntry is one element of the json array printed for several documents.
type batchEntry struct {
	Document string                    `json:"document"`
	Result   *model.EvaluationResponse `json:"result,omitempty"`
	Error    json.RawMessage           `json:"error,omitempty"`
}

// writeResults prints results and maps them to the exit status.
func writeResults(w io.Writer, f *format.Formatter, results []result) error {
	failed, belowTarget := 0, 0
	for _, r := range results {
		if r.err != nil {
			failed++
		} else if !r.resp.Pass {
			belowTarget++
		}
	}

	if f.Format() == format.JSON && len(results) > 1 {
		entries := make([]batchEntry, 0, len(results))
		for _, r := range results {
			e := batchEntry{Document: r.label, Result: r.resp}
			if r.err != nil {
				s, err := f.Error(r.err)
				if err != nil {
					return err
				}
				e.Error = json.RawMessage(s)
			}
			entries = append(entries, e)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			return err
		}
	} else {
		for i, r := range results {
			if len(results) > 1 && f.Format() != format.JSON {
				if i > 0 {
					fmt.Fprintln(w)
				}
				fmt.Fprintf(w, "==> %s <==\n", r.label)
			}
			var (
				out string
				err error
			)
			if r.err != nil {
				out, err = f.Error(r.err)
			} else {
				out, err = f.Response(r.resp, r.target)
			}
			if err != nil {
				return err
			}
			fmt.Fprint(w, out)
		}
	}

	switch {
	case failed > 0:
		return &exitError{code: 1, msg: fmt.Sprintf("%d of %d evaluations failed", failed, len(results))}
	case flagRequirePass && belowTarget > 0:
		return &exitError{code: 2, msg: fmt.Sprintf("%d of %d documents scored below target", belowTarget, len(results))}
	}
	return nil
}

func init() {
	evaluateCmd.Flags().Float64Var(&flagTarget, "target", 0, "pass threshold 0-10 (default from config, 8.0)")
	evaluateCmd.Flags().StringVar(&flagProject, "project", "", "project directory the engine runs in for context-aware evaluation")
	evaluateCmd.Flags().StringVar(&flagMode, "mode", "flexible", "parsing mode: flexible or strict (JSON only)")
	evaluateCmd.Flags().StringVar(&flagRubric, "rubric", "", "criterion weights, e.g. completeness=40,accuracy=30,clarity=20,usability=10")
	evaluateCmd.Flags().IntVarP(&flagParallel, "parallel", "p", 4, "number of documents evaluated concurrently")
	evaluateCmd.Flags().BoolVar(&flagProgress, "progress", false, "show a spinner on stderr while evaluating")
	evaluateCmd.Flags().BoolVar(&flagRequirePass, "require-pass", false, "exit with status 2 when any document is below target")
	rootCmd.AddCommand(evaluateCmd)
}
