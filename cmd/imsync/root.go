package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"im-sync/internal/auth"
	"im-sync/internal/config"
	"im-sync/internal/logging"
)

var (
	configPath string
	flagToken  string
	flagAPI    string
	flagPush   string
	logLevel   string
)

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "imsync",
	Short:         "Terminal client for the im-sync chat servers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "config file (default: ./config.yaml or environment)")
	pf.StringVarP(&flagToken, "token", "t", "", "access token, overrides SYNC_TOKEN")
	pf.StringVar(&flagAPI, "api", "", "API base URL, overrides SYNC_API_BASE_URL")
	pf.StringVar(&flagPush, "push", "", "WebSocket push URL, overrides SYNC_PUSH_URL")
	pf.StringVarP(&logLevel, "log-level", "l", "warn", "log level")

	rootCmd.AddCommand(conversationsCmd, chatCmd)
}

// loadSync 读取配置并应用命令行覆盖，返回同步配置与令牌所属的用户 ID。
func loadSync() (config.SyncConfig, string, error) {
	logging.Setup(logLevel, true)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return config.SyncConfig{}, "", err
	}
	sc := cfg.Sync
	if flagToken != "" {
		sc.Token = flagToken
	}
	if flagAPI != "" {
		sc.APIBaseURL = flagAPI
	}
	if flagPush != "" {
		sc.PushURL = flagPush
	}
	if sc.Token == "" {
		return sc, "", fmt.Errorf("missing access token: set SYNC_TOKEN or pass --token")
	}
	claims, err := auth.PeekClaims(sc.Token)
	if err != nil {
		return sc, "", err
	}
	log.Debug().Uint("userId", claims.UserID).Str("api", sc.APIBaseURL).Msg("配置加载完成")
	return sc, strconv.FormatUint(uint64(claims.UserID), 10), nil
}
