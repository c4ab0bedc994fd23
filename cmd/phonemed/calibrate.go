package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"phoneme-recognizer/pkg/config"
	"phoneme-recognizer/pkg/errors"
	"phoneme-recognizer/pkg/phoneme"
	"phoneme-recognizer/pkg/realtime"
	"phoneme-recognizer/pkg/source"
)

var (
	calibrateEntry      string
	calibrateProfile    string
	calibrateCreate     bool
	calibrateHop        int
	calibrateMaxSamples int
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate <file.wav>",
	Short: "Record calibration samples for one phoneme from a WAV recording",
	Long: `Play a recording of a single sustained phoneme through the engine and record
every analysed frame as a calibration sample of --entry. The profile document is
written back when done.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logToStderr(cmd)

		path := calibrateProfile
		if path == "" {
			path = appConfig.Profile.Path
		}
		if path == "" {
			return errors.NewInvalidInput("no profile path given and PROFILE_PATH is not set")
		}

		profile, err := loadProfile(appConfig, path)
		if err != nil {
			return err
		}
		index, err := entryIndex(profile, calibrateEntry, calibrateCreate)
		if err != nil {
			return err
		}

		samples, err := calibrateFile(cmd, appConfig, profile, index, args[0])
		if err != nil {
			return err
		}
		if samples == 0 {
			return errors.Wrap(errors.ErrFailedPrecondition, "recording produced no voiced frames",
				map[string]interface{}{"file": args[0]})
		}

		if err := phoneme.SaveFile(path, profile); err != nil {
			return err
		}

		history, err := profile.History(index)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: recorded %d samples, %d kept in %s\n",
			calibrateEntry, samples, len(history), path)
		return nil
	},
}

func init() {
	calibrateCmd.Flags().StringVarP(&calibrateEntry, "entry", "e", "", "phoneme to calibrate")
	calibrateCmd.Flags().StringVar(&calibrateProfile, "profile", "", "profile document (default PROFILE_PATH)")
	calibrateCmd.Flags().BoolVar(&calibrateCreate, "create", false, "add the entry if the profile lacks it")
	calibrateCmd.Flags().IntVar(&calibrateHop, "hop", 0,
		"frames pushed per consumer cycle (default tick interval times source sample rate)")
	calibrateCmd.Flags().IntVar(&calibrateMaxSamples, "max-samples", 0, "stop after this many samples (0 records all)")
	calibrateCmd.MarkFlagRequired("entry")
}

// entryIndex finds name in p, adding it when create is set
func entryIndex(p *phoneme.Profile, name string, create bool) (int, error) {
	if index := p.IndexOf(name); index >= 0 {
		return index, nil
	}
	if !create {
		return -1, errors.Wrap(errors.ErrNotFound, "profile has no such entry, use --create to add it",
			map[string]interface{}{"phoneme": name, "entries": p.Names()})
	}
	return p.AddEntry(name)
}

// calibrateFile records one sample per voiced hop and returns how many were
// recorded
func calibrateFile(cmd *cobra.Command, cfg *config.Config, profile *phoneme.Profile, index int, path string) (int, error) {
	var recorded []string
	engine, err := realtime.NewEngine(cfg.Analysis, logger,
		realtime.WithProfile(profile),
		realtime.WithCalibrationHook(func(_ *phoneme.Profile, applied []string) {
			recorded = append(recorded, applied...)
		}),
	)
	if err != nil {
		return 0, err
	}
	defer engine.Close()

	src, err := source.OpenFile(path, cfg.Analysis.SourceSampleRate, logger)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	errDone := errors.New("enough samples")
	var seen uint64
	hops, err := src.Drive(cmd.Context(), engine, hopFrames(cfg, calibrateHop), func(_ int, outcome string) error {
		// silent and failed hops leave the previous vector in place, which
		// must not be recorded twice
		vectors := engine.Stats().FeatureVectors
		if outcome != realtime.OutcomeScheduled || vectors == seen {
			return nil
		}
		seen = vectors

		if err := engine.RequestCalibration(index); err != nil {
			return err
		}
		// applies the request to the features of this hop
		engine.Drain()

		if calibrateMaxSamples > 0 && len(recorded) >= calibrateMaxSamples {
			return errDone
		}
		return nil
	})
	if err != nil && err != errDone {
		return len(recorded), err
	}

	logger.WithFields(logrus.Fields{
		"file":    path,
		"phoneme": profile.Names()[index],
		"hops":    hops,
		"samples": len(recorded),
	}).Info("Calibration recorded")
	return len(recorded), nil
}
