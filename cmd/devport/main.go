package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	apiclient "github.com/splax/devport/pkg/api/client"
)

const defaultAPIBaseURL = "http://localhost:9000"

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
	OwnerID    string `json:"owner_id"`
}

var buildVersion = "dev"

var errStreamDone = errors.New("stream finished")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "config":
		err = commandConfig(args)
	case "deploy":
		err = commandDeploy(args)
	case "history":
		err = commandHistory(args)
	case "status":
		err = commandStatus(args)
	case "logs":
		err = commandLogs(args)
	case "queue":
		err = commandQueue(args)
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

func commandConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	owner := fs.String("owner", "", "Owner identifier sent with every request")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	if strings.TrimSpace(*owner) != "" {
		cfg.OwnerID = strings.TrimSpace(*owner)
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("api=%s owner=%s\n", cfg.APIBaseURL, displayOwner(cfg.OwnerID))
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	source := fs.String("source", "", "Repository URL to build")
	slug := fs.String("slug", "", "Project slug (generated when empty)")
	name := fs.String("name", "", "Project display name")
	follow := fs.Bool("follow", false, "Stream logs until the deployment finishes")
	fs.Parse(args)

	if strings.TrimSpace(*source) == "" {
		return errors.New("--source is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sub, err := client.Deploy(ctx, apiclient.DeployInput{SourceURL: *source, Slug: *slug, Name: *name})
	if err != nil {
		return err
	}
	fmt.Printf("deployment queued: %s slug=%s url=%s\n", sub.DeploymentID, sub.ProjectSlug, sub.URL)
	if !*follow {
		return nil
	}
	return tail(client, sub.ProjectSlug, sub.DeploymentID)
}

func commandHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	slug := fs.String("slug", "", "Project slug")
	fs.Parse(args)
	if strings.TrimSpace(*slug) == "" {
		return errors.New("--slug is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	history, err := client.History(ctx, *slug)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d deployments\n", history.ProjectSlug, history.TotalDeployments)
	for _, dep := range history.Deployments {
		fmt.Printf("%s\t%s\t%s\n", dep.ID, dep.Status, dep.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	id := fs.String("id", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.Status(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\tupdated %s\n", dep.ID, dep.Status, dep.UpdatedAt.Format(time.RFC3339))
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	slug := fs.String("slug", "", "Project slug")
	follow := fs.Bool("follow", false, "Keep streaming new lines")
	fs.Parse(args)
	if strings.TrimSpace(*slug) == "" {
		return errors.New("--slug is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	if *follow {
		return tail(client, *slug, "")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	entries, err := client.Logs(ctx, *slug)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		fmt.Printf("%s  %s\n", entry.Timestamp.Local().Format(time.TimeOnly), entry.Log)
	}
	return nil
}

func commandQueue(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: devport queue [stats|failed|retry|watch]")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	if args[0] == "watch" {
		return watchQueue(client)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch args[0] {
	case "stats":
		stats, err := client.QueueStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("waiting=%d active=%d leased=%d failed=%d completed=%d\n", stats.Waiting, stats.Active, stats.Leased, stats.Failed, stats.Completed)
		return nil
	case "failed":
		fs := flag.NewFlagSet("queue failed", flag.ExitOnError)
		limit := fs.Int("limit", 20, "Maximum number of jobs")
		fs.Parse(args[1:])
		jobs, err := client.FailedJobs(ctx, *limit)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			fmt.Printf("%s\t%s\t%s\tattempts=%d\t%s\n", job.ID, job.Job.ProjectSlug, job.Job.DeploymentID, job.Attempts, job.LastError)
		}
		return nil
	case "retry":
		fs := flag.NewFlagSet("queue retry", flag.ExitOnError)
		id := fs.String("id", "", "Failed job identifier")
		fs.Parse(args[1:])
		if strings.TrimSpace(*id) == "" {
			return errors.New("--id is required")
		}
		if err := client.RetryFailed(ctx, *id); err != nil {
			return err
		}
		fmt.Println("job requeued")
		return nil
	default:
		return fmt.Errorf("unknown queue command: %s", args[0])
	}
}

// watchQueue prints job events until interrupted.
func watchQueue(client *apiclient.Client) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := client.QueueEvents(ctx, func(ev apiclient.QueueEvent) error {
		line := fmt.Sprintf("%s\t%-9s\tjob=%s", ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, ev.JobID)
		if ev.DeploymentID != "" {
			line += " deployment=" + ev.DeploymentID
		}
		if ev.Error != "" {
			line += " error=" + ev.Error
		}
		fmt.Println(line)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// tail prints the stream of slug. When deploymentID is set it returns once that
// deployment reaches READY or FAIL.
func tail(client *apiclient.Client, slug, deploymentID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := client.Tail(ctx, slug, func(msg apiclient.StreamMessage) error {
		switch msg.Type {
		case "log":
			fmt.Printf("%s  %s\n", msg.Timestamp.Local().Format(time.TimeOnly), msg.Log)
		case "status":
			fmt.Printf("-- %s %s\n", msg.DeploymentID, msg.Status)
			if deploymentID != "" && msg.DeploymentID == deploymentID && (msg.Status == "READY" || msg.Status == "FAIL") {
				return errStreamDone
			}
		}
		return nil
	})
	if errors.Is(err, errStreamDone) || ctx.Err() != nil {
		return nil
	}
	return err
}

func newClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if env := strings.TrimSpace(os.Getenv("DEVPORT_API")); env != "" {
		cfg.APIBaseURL = env
	}
	if env := strings.TrimSpace(os.Getenv("DEVPORT_OWNER")); env != "" {
		cfg.OwnerID = env
	}
	return apiclient.New(cfg.APIBaseURL, apiclient.WithOwner(cfg.OwnerID))
}

func displayOwner(owner string) string {
	if owner == "" {
		return "(server default)"
	}
	return owner
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
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
	return filepath.Join(base, "devport", "config.json"), nil
}

func printUsage() {
	fmt.Printf("devport CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	devport config [--api http://localhost:9000] [--owner <owner-id>]
	devport deploy --source <repo-url> [--slug <slug>] [--name <name>] [--follow]
	devport history --slug <slug>
	devport status --id <deployment-id>
	devport logs --slug <slug> [--follow]
	devport queue stats
	devport queue failed [--limit N]
	devport queue retry --id <job-id>
	devport queue watch
	devport version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
