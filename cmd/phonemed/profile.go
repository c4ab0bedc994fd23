package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"phoneme-recognizer/pkg/config"
	"phoneme-recognizer/pkg/errors"
	"phoneme-recognizer/pkg/phoneme"
)

var (
	profileOut   string
	profileForce bool
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect or create profile documents",
}

var profileShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "List the entries of a profile document",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := appConfig.Profile.Path
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return errors.NewInvalidInput("no profile path given and PROFILE_PATH is not set")
		}

		p, err := phoneme.LoadFile(path)
		if err != nil {
			return err
		}
		return printProfile(cmd, p)
	},
}

var profileInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an empty profile for the configured analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := profileOut
		if path == "" {
			path = appConfig.Profile.Path
		}
		if path == "" {
			return errors.NewInvalidInput("no output path given and PROFILE_PATH is not set")
		}

		if _, err := os.Stat(path); err == nil && !profileForce {
			return errors.Wrap(errors.ErrFailedPrecondition, "profile already exists, use --force to replace it",
				map[string]interface{}{"path": path})
		}

		p, err := newProfile(appConfig)
		if err != nil {
			return err
		}
		if err := phoneme.SaveFile(path, p); err != nil {
			return err
		}

		logger.WithField("path", path).Info("Profile written")
		return printProfile(cmd, p)
	},
}

func init() {
	profileInitCmd.Flags().StringVarP(&profileOut, "out", "o", "", "output path (default PROFILE_PATH)")
	profileInitCmd.Flags().BoolVar(&profileForce, "force", false, "replace an existing document")

	profileCmd.AddCommand(profileShowCmd, profileInitCmd)
}

func printProfile(cmd *cobra.Command, p *phoneme.Profile) error {
	opts := p.Options()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "profile %q: %d dimensions, %s comparison, history depth %d\n",
		opts.Name, opts.Dimension, opts.CompareMethod, opts.HistoryDepth)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tPHONEME\tSAMPLES")
	for i, name := range p.Names() {
		history, err := p.History(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\n", i, name, len(history))
	}
	return tw.Flush()
}

// newProfile creates the starting profile for cfg: the built-in vowel
// formants for LPC, otherwise empty entries named by the profile config
func newProfile(cfg *config.Config) (*phoneme.Profile, error) {
	if cfg.Analysis.Strategy == config.StrategyLPC {
		return phoneme.DefaultVowelProfile(cfg.Analysis.FormantDimensions, cfg.Analysis.HistoryDepth)
	}

	p, err := phoneme.NewProfile(cfg.Analysis.ProfileOptions(cfg.Profile.Name))
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.Profile.Entries {
		if _, err := p.AddEntry(name); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// loadProfile loads the document at path when it exists and creates a new
// profile otherwise. The result always matches the analysis config.
func loadProfile(cfg *config.Config, path string) (*phoneme.Profile, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			p, err := phoneme.LoadFile(path)
			if err != nil {
				return nil, err
			}
			if err := cfg.Analysis.CompatibleProfile(p); err != nil {
				return nil, errors.Wrap(err, "profile does not match the analysis configuration",
					map[string]interface{}{"path": path})
			}
			logger.WithField("path", path).WithField("entries", p.Names()).Info("Loaded profile")
			return p, nil
		}
		logger.WithField("path", path).Info("Profile document not found, starting a new one")
	}
	return newProfile(cfg)
}
