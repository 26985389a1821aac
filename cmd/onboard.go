package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/replyops/replygate/internal/config"
	"github.com/replyops/replygate/internal/flags"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfg := config.Default()

	var (
		selected     []string
		replierURL   string
		tgToken      string
		waToken      string
		waPhoneID    string
		waBridgeURL  string
		maxToken     string
		autosend     bool
		gatewayToken string
	)

	channelsForm := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Which channels should ReplyGate serve?").
				Options(
					huh.NewOption("Telegram (Bot API)", "telegram"),
					huh.NewOption("WhatsApp (Cloud API)", "whatsapp"),
					huh.NewOption("WhatsApp personal (bridge)", "whatsapp_personal"),
					huh.NewOption("MAX (Bot API)", "max"),
					huh.NewOption("MAX personal (browser session)", "max_personal"),
				).
				Value(&selected),
			huh.NewInput().
				Title("Reply service base URL").
				Placeholder("http://localhost:8090").
				Value(&replierURL),
			huh.NewInput().
				Title("Admin API bearer token (empty = open admin API)").
				EchoMode(huh.EchoModePassword).
				Value(&gatewayToken),
			huh.NewConfirm().
				Title("Allow automatic sending of high-confidence replies?").
				Description("When off, every reply waits for operator approval.").
				Value(&autosend),
		),
	)
	if err := channelsForm.Run(); err != nil {
		return err
	}

	var groups []*huh.Group
	if slices.Contains(selected, "telegram") {
		groups = append(groups, huh.NewGroup(
			huh.NewInput().Title("Telegram bot token").EchoMode(huh.EchoModePassword).Value(&tgToken),
		))
	}
	if slices.Contains(selected, "whatsapp") {
		groups = append(groups, huh.NewGroup(
			huh.NewInput().Title("WhatsApp Cloud API token").EchoMode(huh.EchoModePassword).Value(&waToken),
			huh.NewInput().Title("WhatsApp phone number ID").Value(&waPhoneID),
		))
	}
	if slices.Contains(selected, "whatsapp_personal") {
		groups = append(groups, huh.NewGroup(
			huh.NewInput().Title("WhatsApp bridge WebSocket URL").Placeholder("ws://localhost:8091/ws").Value(&waBridgeURL),
		))
	}
	if slices.Contains(selected, "max") {
		groups = append(groups, huh.NewGroup(
			huh.NewInput().Title("MAX bot token").EchoMode(huh.EchoModePassword).Value(&maxToken),
		))
	}
	if len(groups) > 0 {
		if err := huh.NewForm(groups...).Run(); err != nil {
			return err
		}
	}

	cfg.Replier.BaseURL = replierURL
	cfg.Gateway.Token = gatewayToken
	cfg.Decision.AutosendAllowed = autosend

	cfg.Channels.Telegram.Enabled = slices.Contains(selected, "telegram")
	cfg.Channels.Telegram.Token = tgToken
	cfg.Channels.WhatsApp.Enabled = slices.Contains(selected, "whatsapp")
	cfg.Channels.WhatsApp.Token = waToken
	cfg.Channels.WhatsApp.PhoneNumberID = waPhoneID
	cfg.Channels.WhatsAppPersonal.Enabled = slices.Contains(selected, "whatsapp_personal")
	cfg.Channels.WhatsAppPersonal.BridgeURL = waBridgeURL
	cfg.Channels.Max.Enabled = slices.Contains(selected, "max")
	cfg.Channels.Max.Token = maxToken
	cfg.Channels.MaxPersonal.Enabled = slices.Contains(selected, "max_personal")

	cfgPath := resolveConfigPath()
	if err := writeJSONFile(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Seed the flags file so the rollout gates start in a working state.
	flagTable := flags.Static{flags.AutosendEnabled: autosend}
	for _, ch := range selected {
		flagTable[flags.ChannelFlag(ch)] = true
	}
	flagsPath := config.ExpandHome(cfg.Flags.Path)
	if err := writeJSONFile(flagsPath, flagTable); err != nil {
		return fmt.Errorf("write flags: %w", err)
	}

	fmt.Printf("Config written to %s\nFlags written to %s\n\nStart the gateway with: replygate\n", cfgPath, flagsPath)
	if len(selected) > 0 && !autosend {
		fmt.Println("Autosend is off: replies will queue for approval in the admin API.")
	}
	return nil
}

func writeJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
