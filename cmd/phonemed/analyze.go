package main

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"phoneme-recognizer/pkg/config"
	"phoneme-recognizer/pkg/phoneme"
	"phoneme-recognizer/pkg/realtime"
	"phoneme-recognizer/pkg/source"
)

var (
	analyzeHop           int
	analyzeProfile       string
	analyzeIncludeSilent bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file.wav>",
	Short: "Classify a WAV recording and print one JSON result per line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logToStderr(cmd)

		path := analyzeProfile
		if path == "" {
			path = appConfig.Profile.Path
		}
		profile, err := loadProfile(appConfig, path)
		if err != nil {
			return err
		}

		return analyzeFile(cmd, appConfig, profile, args[0])
	},
}

func init() {
	analyzeCmd.Flags().IntVar(&analyzeHop, "hop", 0,
		"frames pushed per consumer cycle (default tick interval times source sample rate)")
	analyzeCmd.Flags().StringVar(&analyzeProfile, "profile", "", "profile document (default PROFILE_PATH)")
	analyzeCmd.Flags().BoolVar(&analyzeIncludeSilent, "include-silent", false, "also print silent results")
}

// analysisSummary is logged once a recording has been analysed
type analysisSummary struct {
	hops     int
	results  int
	silent   int
	outcomes map[string]int
	phonemes map[string]int
}

func analyzeFile(cmd *cobra.Command, cfg *config.Config, profile *phoneme.Profile, path string) error {
	engine, err := realtime.NewEngine(cfg.Analysis, logger, realtime.WithProfile(profile))
	if err != nil {
		return err
	}
	defer engine.Close()

	// sinks run with the engine locked, so results are only collected here
	// and written out between hops
	var pending []phoneme.Result
	engine.Subscribe(realtime.ResultSinkFunc(func(r phoneme.Result) {
		pending = append(pending, r)
	}))

	src, err := source.OpenFile(path, cfg.Analysis.SourceSampleRate, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	hop := hopFrames(cfg, analyzeHop)
	summary := analysisSummary{outcomes: map[string]int{}, phonemes: map[string]int{}}
	enc := json.NewEncoder(cmd.OutOrStdout())
	started := time.Now()

	hops, err := src.Drive(cmd.Context(), engine, hop, func(_ int, outcome string) error {
		summary.outcomes[outcome]++
		err := writeResults(enc, pending, analyzeIncludeSilent, &summary)
		pending = pending[:0]
		return err
	})
	summary.hops = hops
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"file":     path,
		"duration": src.Duration().String(),
		"hop":      hop,
		"hops":     summary.hops,
		"results":  summary.results,
		"silent":   summary.silent,
		"outcomes": summary.outcomes,
		"phonemes": summary.phonemes,
		"elapsed":  time.Since(started).String(),
	}).Info("Recording analysed")
	return nil
}

func writeResults(enc *json.Encoder, results []phoneme.Result, includeSilent bool, summary *analysisSummary) error {
	for _, r := range results {
		if r.Silent {
			summary.silent++
			if !includeSilent {
				continue
			}
		} else if r.Phoneme != "" {
			summary.phonemes[r.Phoneme]++
		}
		summary.results++
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// hopFrames returns the frames pushed per cycle: flag if set, otherwise what
// the live service receives between two ticks
func hopFrames(cfg *config.Config, flag int) int {
	if flag > 0 {
		return flag
	}
	hop := int(cfg.Engine.TickInterval.Seconds() * float64(cfg.Analysis.SourceSampleRate))
	if hop < 1 {
		hop = 1
	}
	return hop
}

// logToStderr keeps stdout free for command output unless a log file is set
func logToStderr(cmd *cobra.Command) {
	if appConfig.Logging.OutputFile == "" {
		logger.SetOutput(cmd.ErrOrStderr())
	}
}
