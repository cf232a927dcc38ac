package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"wecombot/internal/config"
	"wecombot/internal/wecomcrypto"

	"github.com/spf13/cobra"
)

// backendMeta describes a reply backend option for the wizard.
type backendMeta struct {
	Kind         string
	Desc         string
	APIBase      string
	DefaultModel string
}

var knownBackends = []backendMeta{
	{Kind: "echo", Desc: "Echo the user's text (no backend needed)"},
	{Kind: "ollama", Desc: "Stream from an Ollama server", APIBase: "http://localhost:11434", DefaultModel: "llama3.1:8b"},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: account keys → webhook path → backend → save config",
		Long:  "Asks for the bot's Token, EncodingAESKey and receive id as shown in the WeCom admin console, the webhook path and the reply backend, then writes the config used by --config or the default path.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Keys
	fmt.Println("\n--- Step 1: Bot credentials ---")
	fmt.Fprint(os.Stdout, "Token (or ${ENV_VAR})")
	token, err := prompt(cfg.WeCom.Token)
	if err != nil {
		return err
	}
	var aesKey string
	for {
		fmt.Fprint(os.Stdout, "EncodingAESKey (43 characters, or ${ENV_VAR})")
		aesKey, err = prompt(cfg.WeCom.EncodingAESKey)
		if err != nil {
			return err
		}
		if strings.HasPrefix(aesKey, "${") {
			break
		}
		if _, err := wecomcrypto.DecodeAESKey(aesKey); err != nil {
			fmt.Fprintf(os.Stdout, "  %v\n", err)
			continue
		}
		break
	}
	fmt.Fprint(os.Stdout, "Receive id (corp id or bot id, empty to accept any)")
	receiveID, err := prompt(cfg.WeCom.ReceiveID)
	if err != nil {
		return err
	}
	cfg.WeCom.Token = token
	cfg.WeCom.EncodingAESKey = aesKey
	cfg.WeCom.ReceiveID = receiveID

	// Step 2: Path
	fmt.Println("\n--- Step 2: Webhook ---")
	fmt.Fprint(os.Stdout, "Webhook path")
	path, err := prompt(cfg.WeCom.WebhookPath)
	if err != nil {
		return err
	}
	cfg.WeCom.WebhookPath = path
	fmt.Fprint(os.Stdout, "Welcome text shown when a user opens the chat (optional)")
	welcome, err := prompt(cfg.WeCom.WelcomeText)
	if err != nil {
		return err
	}
	cfg.WeCom.WelcomeText = welcome

	// Step 3: Backend
	fmt.Println("\n--- Step 3: Reply backend ---")
	defNum := "1"
	for i, b := range knownBackends {
		fmt.Fprintf(os.Stdout, "  %d) %s - %s\n", i+1, b.Kind, b.Desc)
		if b.Kind == cfg.Provider.Kind {
			defNum = fmt.Sprint(i + 1)
		}
	}
	fmt.Fprintf(os.Stdout, "Choose backend (1-%d)", len(knownBackends))
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(knownBackends) {
		idx = 1
	}
	backend := knownBackends[idx-1]
	cfg.Provider.Kind = backend.Kind
	if backend.Kind == "ollama" {
		fmt.Fprint(os.Stdout, "Ollama URL")
		if cfg.Provider.APIBase, err = prompt(backend.APIBase); err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, "Model")
		model := cfg.Provider.Model
		if model == "" {
			model = backend.DefaultModel
		}
		if cfg.Provider.Model, err = prompt(model); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stdout, "  Using backend: %s\n", backend.Kind)

	// Save
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if !strings.Contains(aesKey, "${") {
		if err := config.Validate(cfg); err != nil {
			return fmt.Errorf("config validation: %w", err)
		}
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Printf("Callback URL: http(s)://<your-host>%s\n", cfg.WeCom.WebhookPath)
	fmt.Println("Next: run 'wecombot doctor', then 'wecombot gateway'.")
	return nil
}
