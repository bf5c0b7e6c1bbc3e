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

	apiclient "github.com/nanoscale/nanoscale/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

const defaultAPIBase = "http://localhost:4000"

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "setup":
		err = commandCredentials("setup", args)
	case "login":
		err = commandCredentials("login", args)
	case "join-token":
		err = commandJoinToken(args)
	case "servers":
		err = commandServers(args)
	case "project":
		err = commandProject(args)
	case "redeploy":
		err = commandRedeploy(args)
	case "redeploys":
		err = commandRedeploys(args)
	case "version", "--version", "-v":
		fmt.Println(strings.TrimSpace(buildVersion))
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

// commandCredentials handles both setup and login; they share flags and
// store the returned token the same way.
func commandCredentials(name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}
	secret := *password
	if secret == "" {
		fmt.Print("Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(raw)
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var session apiclient.Session
	if name == "setup" {
		session, err = client.Setup(ctx, *email, secret)
	} else {
		session, err = client.Login(ctx, *email, secret)
	}
	if err != nil {
		return err
	}
	cfg.AccessToken = session.AccessToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("%s successful (%s)\n", name, session.User.Email)
	return nil
}

func commandJoinToken(args []string) error {
	fs := flag.NewFlagSet("join-token", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	jt, err := client.GenerateJoinToken(ctx, token)
	if err != nil {
		return err
	}
	fmt.Println(jt.Token)
	fmt.Fprintf(os.Stderr, "expires in %ds\n", jt.ExpiresIn)
	return nil
}

func commandServers(args []string) error {
	fs := flag.NewFlagSet("servers", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	servers, err := client.ListServers(ctx, token)
	if err != nil {
		return err
	}
	for _, s := range servers {
		seen := "-"
		if s.LastSeenAt != nil {
			seen = s.LastSeenAt.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.IPAddress, s.Status, seen)
	}
	return nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: nanoctl project [list|get|create|delete]")
	}
	switch sub := args[0]; sub {
	case "list":
		return projectList(args[1:])
	case "get":
		return projectGet(args[1:])
	case "create":
		return projectCreate(args[1:])
	case "delete":
		return projectDelete(args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", sub)
	}
}

func projectList(args []string) error {
	fs := flag.NewFlagSet("project list", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	projects, err := client.ListProjects(ctx, token)
	if err != nil {
		return err
	}
	for _, p := range projects {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Status, p.Branch, p.ServerID)
	}
	return nil
}

func projectGet(args []string) error {
	fs := flag.NewFlagSet("project get", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p, err := client.GetProject(ctx, token, *projectID)
	if err != nil {
		return err
	}
	return printJSON(p)
}

func projectCreate(args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	serverID := fs.String("server", "", "Server identifier")
	name := fs.String("name", "", "Project name")
	repo := fs.String("repo", "", "Repository URL")
	branch := fs.String("branch", "", "Branch (default main)")
	install := fs.String("install", "", "Optional install command")
	build := fs.String("build", "", "Optional build command")
	start := fs.String("start", "", "Optional start command")
	output := fs.String("output", "", "Optional output directory")
	port := fs.Int("port", 0, "Application port (default 3000)")
	repoID := fs.Int64("github-repo-id", 0, "GitHub repository id to bind for push redeploys")
	repoName := fs.String("github-repo", "", "GitHub owner/name, informational")
	fs.Parse(args)

	for flagName, value := range map[string]string{"server": *serverID, "name": *name, "repo": *repo} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("--%s is required", flagName)
		}
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	input := apiclient.CreateProjectInput{
		ServerID:        *serverID,
		Name:            *name,
		RepoURL:         *repo,
		Branch:          *branch,
		InstallCommand:  *install,
		BuildCommand:    *build,
		StartCommand:    *start,
		OutputDirectory: *output,
		Port:            *port,
	}
	if *repoID > 0 {
		input.GitHub = &apiclient.Binding{RepoID: *repoID, RepoFullName: *repoName, Branch: *branch}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	created, err := client.CreateProject(ctx, token, input)
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s) deploy=%s\n", created.Project.ID, created.Project.Name, created.Deploy)
	if created.WebhookSecret != "" {
		fmt.Printf("webhook secret (shown once): %s\n", created.WebhookSecret)
	}
	return nil
}

func projectDelete(args []string) error {
	fs := flag.NewFlagSet("project delete", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := client.DeleteProject(ctx, token, *projectID); err != nil {
		return err
	}
	fmt.Println("project deleted")
	return nil
}

func commandRedeploy(args []string) error {
	fs := flag.NewFlagSet("redeploy", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outcome, err := client.Redeploy(ctx, token, *projectID)
	if err != nil {
		return err
	}
	fmt.Printf("redeploy %s\n", outcome)
	return nil
}

func commandRedeploys(args []string) error {
	fs := flag.NewFlagSet("redeploys", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 10, "Maximum number of runs")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	runs, err := client.ListRedeploys(ctx, token, *projectID, *limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", r.ID, r.Cause, r.Status, r.StartedAt.Format(time.RFC3339), r.Error)
	}
	return nil
}

func authedClient() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'nanoctl login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
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
	if p := os.Getenv("NANOCTL_CONFIG"); p != "" {
		return p, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "nanoscale", "config.json"), nil
}

func printUsage() {
	fmt.Printf("nanoctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	nanoctl setup --email admin@example.com [--password secret] [--api http://localhost:4000]
	nanoctl login --email admin@example.com [--password secret] [--api http://localhost:4000]
	nanoctl join-token
	nanoctl servers
	nanoctl project list
	nanoctl project get --project <id>
	nanoctl project create --server <id> --name <name> --repo <url> [--branch main] [--port 3000] [--github-repo-id N]
	nanoctl project delete --project <id>
	nanoctl redeploy --project <id>
	nanoctl redeploys --project <id> [--limit N]
	nanoctl version
`)
}
