package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/agentrelay/relay/internal/config"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long:  "Walks through provider, gateway, and transport settings and writes a config file. Secrets stay in environment variables.",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runInit(); err != nil {
				fmt.Fprintln(os.Stderr, "setup failed:", err)
				os.Exit(1)
			}
		},
	}
}

func runInit() error {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		var overwrite bool
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			return nil
		}
	}

	cfg := config.Default()
	var (
		provider       = cfg.Agents.Defaults.Provider
		model          = cfg.Agents.Defaults.Model
		port           = strconv.Itoa(cfg.Gateway.Port)
		enableTelegram bool
		enableSched    bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI (or compatible)", "openai"),
				).
				Value(&provider),
			huh.NewInput().
				Title("Model").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway port").
				Validate(func(s string) error {
					if _, err := strconv.Atoi(s); err != nil {
						return fmt.Errorf("not a number")
					}
					return nil
				}).
				Value(&port),
			huh.NewConfirm().
				Title("Enable the Telegram transport?").
				Description("Requires RELAY_TELEGRAM_TOKEN in the environment.").
				Value(&enableTelegram),
			huh.NewConfirm().
				Title("Enable scheduled prompts?").
				Value(&enableSched),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Agents.Defaults.Provider = provider
	cfg.Agents.Defaults.Model = model
	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.Transports.Telegram.Enabled = enableTelegram
	cfg.Scheduler.Enabled = enableSched

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfgPath, append(data, '\n'), 0o600); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n\n", cfgPath)
	fmt.Println("Set your secrets in the environment before starting:")
	switch provider {
	case "openai":
		fmt.Println("  export RELAY_OPENAI_API_KEY=sk-...")
	default:
		fmt.Println("  export RELAY_ANTHROPIC_API_KEY=sk-ant-...")
	}
	if enableTelegram {
		fmt.Println("  export RELAY_TELEGRAM_TOKEN=...")
	}
	fmt.Println("\nThen run:  relay serve")
	return nil
}
