package cmd

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ftl/cvep/bci"
	"github.com/ftl/cvep/source"
	"github.com/ftl/cvep/stim"
)

var simFlags = struct {
	code        int
	noise       float64
	amplitude   float64
	calibrate   bool
	calibration time.Duration
	selection   time.Duration
}{}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "decode a synthetic EEG stream",
	Run:   runWithCtx(runSim),
}

func init() {
	rootCmd.AddCommand(simCmd)

	simCmd.Flags().IntVar(&simFlags.code, "code", -1, "the code that is injected into the synthetic stream, -1 means none")
	simCmd.Flags().Float64Var(&simFlags.noise, "noise", 0.5, "the standard deviation of the noise")
	simCmd.Flags().Float64Var(&simFlags.amplitude, "amplitude", 1, "the amplitude of the injected code")
	simCmd.Flags().BoolVar(&simFlags.calibrate, "calibrate", false, "run a calibration, train the models and decode every code once")
	simCmd.Flags().DurationVar(&simFlags.calibration, "calibration", 10*time.Second, "the calibration time per code")
	simCmd.Flags().DurationVar(&simFlags.selection, "selection", 5*time.Second, "the decoding time per selection")
}

func runSim(ctx context.Context, engine *bci.Engine, cmd *cobra.Command, args []string) {
	cfg := engine.Config()
	synthetic := source.NewSynthetic(cfg.Stream, cfg.Channels, cfg.SampleRate, engine.Stimuli(), engine,
		source.WithNoise(simFlags.noise),
		source.WithAmplitude(simFlags.amplitude),
	)
	err := synthetic.SetCode(stim.Code(simFlags.code))
	if err != nil {
		log.Fatal("cannot select code", "error", err)
	}

	controlServer := startControlServer(engine, synthetic)
	if controlServer != nil {
		defer controlServer.Stop()
	}

	go synthetic.Run(ctx)

	if simFlags.calibrate {
		err := runDemo(ctx, engine, synthetic)
		if err != nil && ctx.Err() == nil {
			log.Error("demo failed", "error", err)
		}
	}

	<-ctx.Done()
}

// runDemo calibrates every code, trains the models and selects every code once.
func runDemo(ctx context.Context, engine *bci.Engine, synthetic *source.Synthetic) error {
	codes := engine.Stimuli().Codes()
	for _, code := range codes {
		log.Info("calibrating", "code", code, "duration", simFlags.calibration)
		if err := synthetic.SetCode(code); err != nil {
			return err
		}
		if err := wait(ctx, simFlags.calibration); err != nil {
			return err
		}
		if err := engine.SubmitCalibrationSpan(code, simFlags.calibration); err != nil {
			return err
		}
	}

	log.Info("training")
	if err := engine.StartTraining(ctx); err != nil {
		return err
	}

	hits := 0
	for _, code := range codes {
		if err := synthetic.SetCode(code); err != nil {
			return err
		}
		engine.GetConsensusAndReset()
		if err := wait(ctx, simFlags.selection); err != nil {
			return err
		}
		engine.Tick()
		detected, err := engine.GetConsensusAndReset()
		if err != nil {
			log.Warn("no selection", "stimulated", code, "error", err)
			continue
		}
		if detected == code {
			hits++
		}
		log.Info("selection", "stimulated", code, "detected", detected)
	}
	log.Info("demo done", "hits", hits, "selections", len(codes), "status", engine.Status())
	return synthetic.SetCode(stim.Code(simFlags.code))
}

func wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
