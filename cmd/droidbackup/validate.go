package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without starting the root daemon or touching any data.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Backup dir: %s\n", cfg.Storage.BackupDir)
	fmt.Printf("  Database: %s\n", cfg.Storage.Database)
	fmt.Printf("  Cache dir: %s\n", cfg.Storage.CacheDir)
	fmt.Printf("  Compression: %s (level %d)\n", cfg.Backup.Compression, cfg.Backup.CompressionLevel)
	fmt.Printf("  Backup user: %d\n", cfg.Backup.UserID)
	fmt.Println()
	fmt.Println("Root Daemon:")
	fmt.Printf("  Socket: %s\n", cfg.Root.Socket)
	fmt.Printf("  su command: %q\n", cfg.Root.SuCommand)
	fmt.Printf("  Bind timeout: %s\n", cfg.Root.BindTimeout)
	fmt.Printf("  Retries: %d every %s\n", cfg.Root.MaxRetries, cfg.Root.RetryDelay)
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Remote: %v\n", cfg.Remote != nil)
	fmt.Printf("  Wake-on-LAN: %v\n", cfg.Remote != nil && cfg.Remote.WOL != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	fmt.Printf("  Metrics: %v\n", cfg.Metrics != nil)
	fmt.Printf("  Self backup: %v\n", cfg.Backup.BackupItself)
	fmt.Printf("  Wi-Fi networks: %v\n", cfg.Backup.BackupNetworks)
	fmt.Printf("  Reset list: backup=%v restore=%v\n", cfg.Backup.ResetList, cfg.Restore.ResetList)

	if cfg.Remote != nil {
		fmt.Println()
		fmt.Println("Remote Configuration:")
		fmt.Printf("  Name: %s\n", cfg.Remote.Name)
		fmt.Printf("  Type: %s\n", cfg.Remote.Type)
		switch cfg.Remote.Type {
		case "webdav":
			fmt.Printf("  URL: %s\n", cfg.Remote.URL)
		case "sftp":
			fmt.Printf("  Host: %s:%d\n", cfg.Remote.Host, cfg.Remote.Port)
			fmt.Printf("  User: %s\n", cfg.Remote.Username)
		case "s3":
			fmt.Printf("  Endpoint: %s\n", cfg.Remote.Endpoint)
			fmt.Printf("  Bucket: %s\n", cfg.Remote.Bucket)
		}
		if cfg.Remote.Dir != "" {
			fmt.Printf("  Dir: %s\n", cfg.Remote.Dir)
		}
	}

	if cfg.Remote != nil && cfg.Remote.WOL != nil {
		fmt.Println()
		fmt.Println("WOL Configuration:")
		fmt.Printf("  MAC Address: %s\n", cfg.Remote.WOL.MACAddress)
		fmt.Printf("  Broadcast IP: %s\n", cfg.Remote.WOL.BroadcastIP)
		if cfg.Remote.WOL.HostAddress != "" {
			fmt.Printf("  Host Address: %s\n", cfg.Remote.WOL.HostAddress)
		}
	}

	if cfg.Metrics != nil {
		fmt.Println()
		fmt.Println("Metrics Configuration:")
		fmt.Printf("  Listen: %s\n", cfg.Metrics.Listen)
	}

	return nil
}
