package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"media-intelligence/pkg/media"
	"media-intelligence/pkg/models"
)

type processFlags struct {
	output        string
	language      string
	modelProfile  string
	minSpeakers   int
	maxSpeakers   int
	noDiarization bool
	noSituation   bool
	jsonOutput    bool
}

func newProcessCommand(g *globals) *cobra.Command {
	var f processFlags

	cmd := &cobra.Command{
		Use:   "process <ref>...",
		Short: "Process audio files and exit",
		Long: `Process one or more audio files synchronously.

Each argument is a source ref: a path under backend.local.input_root, an
absolute path or an az://container/blob ref. A local directory is expanded
to the supported audio files directly inside it. At most pipeline.workers
files are processed at once; one failing file never stops the others.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := expandRefs(args, g.cfg.Backend.Local.InputRoot)
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), g.cfg, g.log)
			if err != nil {
				return err
			}
			defer a.Close()

			batch := models.BatchRequest{
				SourceRefs:     refs,
				OutputLocation: f.output,
				Options:        f.options(),
			}
			resp := a.manager.ProcessBatch(cmd.Context(), batch)

			if f.jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(resp); err != nil {
					return err
				}
			} else {
				printBatch(cmd.OutOrStdout(), resp)
			}

			if resp.Summary.Failed > 0 {
				return &filesFailedError{failed: resp.Summary.Failed, total: resp.Summary.Total}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Output location (overrides pipeline.output_location)")
	cmd.Flags().StringVar(&f.language, "language", "", "Language hint for transcription")
	cmd.Flags().StringVar(&f.modelProfile, "model-profile", "", "Model profile passed to the backend")
	cmd.Flags().IntVar(&f.minSpeakers, "min-speakers", 0, "Lower bound on speakers for diarization")
	cmd.Flags().IntVar(&f.maxSpeakers, "max-speakers", 0, "Upper bound on speakers for diarization")
	cmd.Flags().BoolVar(&f.noDiarization, "no-diarization", false, "Skip speaker diarization")
	cmd.Flags().BoolVar(&f.noSituation, "no-situation", false, "Skip situation classification")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "Print the batch response as JSON")

	return cmd
}

func (f processFlags) options() models.Options {
	opts := models.DefaultOptions()
	opts.Language = f.language
	opts.ModelProfile = f.modelProfile
	opts.DiarizationEnabled = !f.noDiarization
	opts.SituationEnabled = !f.noSituation
	if f.minSpeakers != 0 {
		n := f.minSpeakers
		opts.MinSpeakers = &n
	}
	if f.maxSpeakers != 0 {
		n := f.maxSpeakers
		opts.MaxSpeakers = &n
	}
	return opts
}

// expandRefs replaces local directories with the audio files inside them.
func expandRefs(args []string, root string) ([]string, error) {
	var refs []string
	for _, ref := range args {
		p := ref
		if root != "" && !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		fi, err := os.Stat(p)
		if err != nil || !fi.IsDir() {
			refs = append(refs, ref)
			continue
		}

		files, err := media.FindAudioFiles(p)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no supported audio files in %s", ref)
		}
		for _, name := range files {
			refs = append(refs, filepath.Join(ref, filepath.Base(name)))
		}
	}
	return refs, nil
}

func printBatch(w io.Writer, resp models.BatchResponse) {
	for _, r := range resp.Results {
		if r.Status != models.StatusSuccess {
			fmt.Fprintf(w, "FAIL  %s  %s: %s\n", r.SourceRef, r.ErrorKind, r.Error)
			continue
		}
		reused := ""
		if r.Reused {
			reused = " (reused)"
		}
		fmt.Fprintf(w, "OK    %s%s\n", r.SourceRef, reused)
		if s := r.Summary; s != nil {
			fmt.Fprintf(w, "      %.1fs, %d speakers, %s (%.2f)\n", s.Duration, s.SpeakerCount, s.OverallSituation, s.OverallSituationConfidence)
		}
		fmt.Fprintf(w, "      %s\n", r.ResultRef)
	}
	fmt.Fprintf(w, "\n%d processed, %d successful, %d failed\n", resp.Summary.Total, resp.Summary.Successful, resp.Summary.Failed)
}
