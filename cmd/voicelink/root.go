package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/voicelink/internal/config"
)

func rootCmd() *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:   "voicelink",
		Short: "Voice session client for fastrtc style services",
		Long: `voicelink captures the microphone, negotiates a WebRTC session with a voice
service and plays back its replies. Without a subcommand it serves the local UI.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(c.Log)
			cfg = c
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the UI bridge and REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "List audio input and output devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	})

	var (
		meterDevice string
		meterFrames int
	)
	meterCmd := &cobra.Command{
		Use:   "meter",
		Short: "Print microphone levels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMeter(cmd.Context(), cfg, meterDevice, meterFrames, cmd.OutOrStdout())
		},
	}
	meterCmd.Flags().StringVar(&meterDevice, "device", "", "input device id (default: system default)")
	meterCmd.Flags().IntVar(&meterFrames, "frames", 0, "stop after n frames (0: until interrupted)")
	root.AddCommand(meterCmd)

	var (
		inputDevice  string
		outputDevice string
	)
	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Run a headless voice session until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), cfg, inputDevice, outputDevice)
		},
	}
	connectCmd.Flags().StringVar(&inputDevice, "input", "", "input device id")
	connectCmd.Flags().StringVar(&outputDevice, "output", "", "output device id")
	root.AddCommand(connectCmd)

	return root
}

func setupLogging(c config.LogConfig) {
	if !c.JSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
