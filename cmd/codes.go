package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var codesCmd = &cobra.Command{
	Use:   "codes",
	Short: "print the configured codes and their reference waveforms",
	Run:   runCodes,
}

func init() {
	rootCmd.AddCommand(codesCmd)
}

func runCodes(cmd *cobra.Command, args []string) {
	setupLogging()
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("cannot load configuration", "error", err)
	}
	stimuli, err := cfg.StimulusSet()
	if err != nil {
		log.Fatal("cannot compute the waveforms", "error", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d codes, %d samples per epoch at %g Hz\n", len(stimuli.Codes()), stimuli.EpochSamples(), cfg.SampleRate)
	for _, stimulus := range stimuli.Stimuli() {
		var waveform strings.Builder
		for _, value := range stimulus.Waveform {
			if value > 0 {
				waveform.WriteByte('#')
			} else {
				waveform.WriteByte('_')
			}
		}
		fmt.Fprintf(out, "%v: %v\n%s\n", stimulus.Code, stimulus.Sequence, waveform.String())
	}
}
