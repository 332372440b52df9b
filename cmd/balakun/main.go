package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/balakunbot/balakun/pkg/config"
	"github.com/balakunbot/balakun/pkg/logger"
)

func init() {
	config.Init()
}

var rootCmd = &cobra.Command{
	Use:   "balakun",
	Short: "Балакун, the group-chat companion bot",
	Long: `Balakun is a Telegram group-chat bot with a Ukrainian persona. It answers
when spoken to, remembers the conversation, learns facts about the chat's
regulars, and paces itself under load.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := logger.SetLogLevel(viper.GetString("log_level")); err != nil {
			fmt.Fprintf(os.Stderr, "invalid log level: %s\n", err)
		}
		logger.SetLogFormat(viper.GetString("log_format"))
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(1)
	},
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json or text)")
	rootCmd.PersistentFlags().String("db-path", "", "Path to the SQLite database")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db-path"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
