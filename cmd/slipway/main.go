package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/slipway-sh/slipway/pkg/client"
)

type cliConfig struct {
	ServerURL     string `json:"server_url"`
	OperatorToken string `json:"operator_token"`
}

var buildVersion = "dev"

var errRunComplete = errors.New("run complete")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "run":
		err = commandRun(args)
	case "runs":
		err = commandRuns(args)
	case "status":
		err = commandStatus(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	server := fs.String("server", "", "Server base URL (default http://localhost:7000)")
	token := fs.String("token", "", "Operator token (supply to avoid prompt)")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*server) != "" {
		cfg.ServerURL = *server
	} else if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:7000"
	}

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Print("Operator token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("operator token must not be empty")
	}

	cli, err := apiclient.New(cfg.ServerURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := cli.ListRuns(ctx, secret, 1); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}

	cfg.OperatorToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	commit := fs.String("commit", "", "Commit SHA to deliver")
	branch := fs.String("branch", "", "Branch the commit belongs to")
	follow := fs.Bool("follow", false, "Stream run events until the run completes")
	fs.Parse(args)

	if strings.TrimSpace(*commit) == "" {
		return errors.New("--commit is required")
	}

	cfg, cli, err := loadClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	triggered, err := cli.TriggerRun(ctx, cfg.OperatorToken, apiclient.TriggerInput{
		Commit: strings.TrimSpace(*commit),
		Branch: strings.TrimSpace(*branch),
	})
	cancel()
	if err != nil {
		return err
	}
	fmt.Printf("run queued: %s commit=%s\n", triggered.ID, shortCommit(triggered.Commit))

	if !*follow {
		return nil
	}
	return followRun(cfg, cli, triggered.ID)
}

func followRun(cfg cliConfig, cli *apiclient.Client, runID string) error {
	var final string
	err := cli.StreamEvents(context.Background(), cfg.OperatorToken, runID, func(ev apiclient.Event) error {
		line := fmt.Sprintf("[%s] %s", ev.Stage, ev.Status)
		if ev.Message != "" {
			line += ": " + ev.Message
		}
		fmt.Println(line)
		if ev.Status == "failed" || ev.Status == "succeeded" {
			final = ev.Status
			return errRunComplete
		}
		return nil
	})
	if err != nil && !errors.Is(err, errRunComplete) {
		return err
	}

	if final == "" {
		// Stream ended before a terminal event, ask the server directly.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		r, err := cli.GetRun(ctx, cfg.OperatorToken, runID)
		if err != nil {
			return err
		}
		final = r.Status
		if !r.Terminal() {
			return fmt.Errorf("run %s still %s, reconnect with 'slipway status --run %s'", runID, r.Status, runID)
		}
		if r.Status == "failed" {
			return fmt.Errorf("run %s failed at %s: %s", runID, r.Stage, r.Error)
		}
	}
	if final == "failed" {
		return fmt.Errorf("run %s failed", runID)
	}
	fmt.Printf("run %s succeeded\n", runID)
	return nil
}

func commandRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Maximum number of runs to display")
	fs.Parse(args)

	cfg, cli, err := loadClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	runs, err := cli.ListRuns(ctx, cfg.OperatorToken, *limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", r.ID, shortCommit(r.Commit), r.Status, r.Stage, r.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runID := fs.String("run", "", "Run identifier (omit for server health)")
	fs.Parse(args)

	cfg, cli, err := loadClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if strings.TrimSpace(*runID) != "" {
		r, err := cli.GetRun(ctx, cfg.OperatorToken, strings.TrimSpace(*runID))
		if err != nil {
			return err
		}
		fmt.Printf("run:    %s\n", r.ID)
		fmt.Printf("commit: %s\n", r.Commit)
		fmt.Printf("status: %s\n", r.Status)
		if r.Stage != "" {
			fmt.Printf("stage:  %s\n", r.Stage)
		}
		if r.Tag != "" {
			fmt.Printf("tag:    %s\n", r.Tag)
		}
		if r.ImageRef != "" {
			fmt.Printf("image:  %s\n", r.ImageRef)
		}
		if r.Error != "" {
			fmt.Printf("error:  %s\n", r.Error)
		}
		return nil
	}

	health, err := cli.GetHealth(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("server: %s\n", health.Status)
	if health.ActiveRun != "" {
		fmt.Printf("active run: %s\n", health.ActiveRun)
	}
	for name, component := range health.Components {
		line := fmt.Sprintf("  %s: %s", name, component.Status)
		if component.Error != "" {
			line += " (" + component.Error + ")"
		}
		fmt.Println(line)
	}
	if health.Status != "ok" {
		return errors.New("server reports degraded health")
	}
	return nil
}

func loadClient() (cliConfig, *apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cliConfig{}, nil, err
	}
	if strings.TrimSpace(cfg.OperatorToken) == "" {
		return cliConfig{}, nil, errors.New("please login first using 'slipway login'")
	}
	cli, err := apiclient.New(cfg.ServerURL)
	if err != nil {
		return cliConfig{}, nil, err
	}
	return cfg, cli, nil
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{ServerURL: "http://localhost:7000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:7000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "slipway", "config.json"), nil
}

func printUsage() {
	fmt.Printf("slipway CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	slipway login [--server http://localhost:7000] [--token secret]
	slipway run --commit <sha> [--branch main] [--follow]
	slipway runs [--limit N]
	slipway status [--run <run-id>]
	slipway version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
