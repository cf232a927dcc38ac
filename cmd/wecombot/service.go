package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.wecombot.gateway"
	systemdUnit  = "wecombot.service"
)

// serviceFile is the unit a user service manager needs to run the gateway.
type serviceFile struct {
	Path  string
	Body  string
	Hints []string // commands to start it
	Logs  string   // directory to create, launchd only
}

type serviceVars struct {
	Label  string
	Exec   string
	Config string
	Logs   string
}

var (
	launchdTmpl = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.Exec}}</string>
		<string>gateway</string>
		<string>--config</string>
		<string>{{.Config}}</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardOutPath</key>
	<string>{{.Logs}}/gateway.log</string>
	<key>StandardErrorPath</key>
	<string>{{.Logs}}/gateway.err.log</string>
</dict>
</plist>
`))
	systemdTmpl = template.Must(template.New("systemd").Parse(`[Unit]
Description=wecombot webhook gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.Exec}} gateway --config {{.Config}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`))
)

// serviceFor builds the service file for goos. The gateway watches its config,
// so edits do not need a service restart.
func serviceFor(goos, home, execPath, cfgPath string) (serviceFile, error) {
	vars := serviceVars{Label: launchdLabel, Exec: execPath, Config: cfgPath}
	var (
		sf   serviceFile
		tmpl *template.Template
	)
	switch goos {
	case "darwin":
		vars.Logs = filepath.Join(home, ".wecombot", "logs")
		sf = serviceFile{
			Path:  filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"),
			Logs:  vars.Logs,
			Hints: []string{"launchctl load -w " + filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")},
		}
		tmpl = launchdTmpl
	case "linux":
		sf = serviceFile{
			Path:  filepath.Join(home, ".config", "systemd", "user", systemdUnit),
			Hints: []string{"systemctl --user daemon-reload", "systemctl --user enable --now wecombot"},
		}
		tmpl = systemdTmpl
	default:
		return serviceFile{}, fmt.Errorf("no user service manager support for %s", goos)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return serviceFile{}, err
	}
	sf.Body = buf.String()
	return sf, nil
}

func currentService() (serviceFile, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return serviceFile{}, err
	}
	cfgPath, err := filepath.Abs(resolveConfigPath())
	if err != nil {
		return serviceFile{}, err
	}
	execPath, err := os.Executable()
	if err != nil {
		return serviceFile{}, fmt.Errorf("locate executable: %w", err)
	}
	return serviceFor(runtime.GOOS, home, execPath, cfgPath)
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Run the gateway as a user service (launchd or systemd)",
	}

	var dryRun bool
	install := &cobra.Command{
		Use:   "install",
		Short: "Write the service file for this user",
		RunE: func(cmd *cobra.Command, args []string) error {
			sf, err := currentService()
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Printf("# %s\n%s", sf.Path, sf.Body)
				return nil
			}
			if sf.Logs != "" {
				if err := os.MkdirAll(sf.Logs, 0o755); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(filepath.Dir(sf.Path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(sf.Path, []byte(sf.Body), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\nStart it with:\n", sf.Path)
			for _, h := range sf.Hints {
				fmt.Println("  " + h)
			}
			return nil
		},
	}
	install.Flags().BoolVar(&dryRun, "dry-run", false, "print the service file instead of writing it")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service file (stop the service first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			sf, err := currentService()
			if err != nil {
				return err
			}
			if err := os.Remove(sf.Path); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					fmt.Printf("%s is not installed\n", sf.Path)
					return nil
				}
				return err
			}
			fmt.Printf("Removed %s\n", sf.Path)
			return nil
		},
	}

	cmd.AddCommand(install, uninstall)
	return cmd
}
