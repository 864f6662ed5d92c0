package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "t5-vae",
	Short: "Train and sample a sequence autoencoder over symbolic music",
	Long: `t5-vae trains a T5-style encoder-decoder with a latent bottleneck
over whole sequences, regularized towards a standard normal prior so the
latent space can be interpolated and sampled from.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
