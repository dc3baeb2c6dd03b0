package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "capserve",
	Short: "capserve: streaming image captioning server",
	Long: `capserve captions uploaded images with a vision encoder-decoder model and
streams the words back as server-sent events while they are generated.

One model instance serves every request; concurrent uploads wait their turn.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().String("host", "", "Bind address (default from HOST or 0.0.0.0)")
	rootCmd.PersistentFlags().Int("port", 0, "Port number (default from PORT or 3000)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	_ = viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))

	viper.AutomaticEnv() // Read from environment variables
}
