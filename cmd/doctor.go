package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/replyops/replygate/internal/config"
	"github.com/replyops/replygate/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	ok := true
	check := func(name string, err error) {
		if err != nil {
			ok = false
			fmt.Printf("  ✗ %s: %v\n", name, err)
		} else {
			fmt.Printf("  ✓ %s\n", name)
		}
	}

	fmt.Println("replygate doctor")

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	check("config ("+cfgPath+")", err)
	if err != nil {
		os.Exit(1)
	}

	enabled := enabledChannels(cfg)
	if len(enabled) == 0 {
		ok = false
		fmt.Println("  ✗ channels: none enabled")
	} else {
		fmt.Printf("  ✓ channels enabled: %v\n", enabled)
	}

	if cfg.Replier.BaseURL == "" {
		ok = false
		fmt.Println("  ✗ replier: base_url not set")
	} else {
		check("replier ("+cfg.Replier.BaseURL+")", probeHTTP(cfg.Replier.BaseURL))
	}

	if cfg.Database.PostgresDSN != "" {
		check("postgres", probePostgres(cfg.Database.PostgresDSN))
	} else {
		path := config.ExpandHome(cfg.Database.SQLitePath)
		check("sqlite ("+path+")", probeSQLite(path))
	}

	if cfg.Gateway.Token == "" {
		fmt.Println("  ! admin API token not set (unauthenticated)")
	}
	if !cfg.Decision.AutosendAllowed {
		fmt.Println("  i autosend disabled: all replies queue for approval")
	}

	if !ok {
		os.Exit(1)
	}
}

func enabledChannels(cfg *config.Config) []string {
	var out []string
	if cfg.Channels.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if cfg.Channels.WhatsApp.Enabled {
		out = append(out, "whatsapp")
	}
	if cfg.Channels.WhatsAppPersonal.Enabled {
		out = append(out, "whatsapp_personal")
	}
	if cfg.Channels.Max.Enabled {
		out = append(out, "max")
	}
	if cfg.Channels.MaxPersonal.Enabled {
		out = append(out, "max_personal")
	}
	return out
}

func probeHTTP(baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

func probePostgres(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func probeSQLite(path string) error {
	db, err := sqlite.OpenDB(path)
	if err != nil {
		return err
	}
	return db.Close()
}
