package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caption-server/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the caption server",
	Long: `Start the HTTP server. The model is loaded before the listener opens;
if it cannot be loaded the command exits with an error.

Examples:
  capserve serve
  capserve serve --port 8080 --model ./trocr --tokenizer ./tokenizer.json
  capserve serve --assets ./app/dist -v`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := &server.Options{
			Host:          viper.GetString("host"),
			Port:          viper.GetInt("port"),
			Verbose:       viper.GetBool("verbose"),
			ModelPath:     viper.GetString("model"),
			TokenizerPath: viper.GetString("tokenizer"),
			AssetsDir:     viper.GetString("assets"),
			Threads:       viper.GetInt("threads"),
			LogOutput:     os.Stdout,
			ShowBanner:    true,
		}
		return server.Run(opts)
	},
}

func init() {
	serveCmd.Flags().StringP("model", "m", "", "Directory with config.json and model.safetensors (default: download from the hub)")
	serveCmd.Flags().String("tokenizer", "", "Path to tokenizer.json (default: download from the hub)")
	serveCmd.Flags().String("assets", "", "Directory holding index.html and assets/")
	serveCmd.Flags().IntP("threads", "t", 0, "Number of inference threads (0 = auto-detect)")

	_ = viper.BindPFlag("model", serveCmd.Flags().Lookup("model"))
	_ = viper.BindPFlag("tokenizer", serveCmd.Flags().Lookup("tokenizer"))
	_ = viper.BindPFlag("assets", serveCmd.Flags().Lookup("assets"))
	_ = viper.BindPFlag("threads", serveCmd.Flags().Lookup("threads"))

	rootCmd.AddCommand(serveCmd)
}
