package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/69gg/Undefined-sub000/internal/application"
)

const (
	appName    = "undefined"
	appVersion = "0.1.0"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   appName,
		Short: "Undefined QQ 机器人运行时",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := application.New(configPath)
			if err != nil {
				return fmt.Errorf("初始化失败: %w", err)
			}
			return app.Run(ctx)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.toml", "配置文件路径")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "打印版本号",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
