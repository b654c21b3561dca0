package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/splax/imageforge/internal/artifact"
	"github.com/splax/imageforge/internal/docker"
	"github.com/splax/imageforge/internal/domain"
	"github.com/splax/imageforge/internal/quota"
	"github.com/splax/imageforge/internal/repository/memory"
	"github.com/splax/imageforge/internal/service/build"
	"github.com/splax/imageforge/internal/workspace"
)

const localTenant = "local"

// consoleLogs prints build output lines as they arrive.
type consoleLogs struct {
	out io.Writer
}

func (c consoleLogs) Broadcast(_ string, payload []byte) {
	var line build.LogLine
	if err := json.Unmarshal(payload, &line); err != nil {
		return
	}
	prefix := line.Stage
	if line.Service != "" {
		prefix = line.Service + " " + prefix
	}
	fmt.Fprintf(c.out, "[%s] %s\n", prefix, line.Line)
}

func (consoleLogs) Finish(string) {}

func (c *cli) buildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [dir]",
		Short: "Build and push an image for every application in a checkout",
		Long: "Build detects the applications in a local directory (or clones --repo),\n" +
			"generates missing container files and builds and pushes one image per application.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBuild(cmd, args)
		},
	}
	flags := cmd.Flags()
	flags.String("repo", "", "git repository to clone instead of a local directory")
	flags.String("ref", "", "branch or tag to check out")
	flags.String("git-token", "", "access token for private repositories")
	flags.String("docker-host", "", "container engine address (defaults to DOCKER_HOST)")
	flags.String("registry", "localhost:5001", "registry images are pushed to")
	flags.String("namespace", "imageforge", "repository namespace within the registry")
	flags.String("username", "", "registry username")
	flags.String("password", "", "registry password (prompted when a username is set)")
	flags.String("tenant", localTenant, "tenant name used in image references")
	return cmd
}

func (c *cli) runBuild(cmd *cobra.Command, args []string) error {
	conf := c.conf
	req := build.Request{
		TenantID: conf.GetString("tenant"),
		RepoURL:  conf.GetString("repo"),
		Ref:      conf.GetString("ref"),
		Token:    conf.GetString("git-token"),
	}
	if req.RepoURL == "" {
		dir, err := checkoutArg(args)
		if err != nil {
			return err
		}
		req.SourcePath = dir
	}

	password := conf.GetString("password")
	if conf.GetString("username") != "" && password == "" {
		secret, err := promptPassword(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		password = secret
	}

	engine, err := docker.NewEngine(conf.GetString("docker-host"), docker.Credentials{
		Registry: conf.GetString("registry"),
		Username: conf.GetString("username"),
		Password: password,
	}, c.log)
	if err != nil {
		return err
	}
	defer engine.Close()

	ws, err := workspace.New(filepath.Join(os.TempDir(), "forge"))
	if err != nil {
		return err
	}
	store := artifact.NewStore(artifact.NewMemoryBackend(), c.log)
	quotaStore := quota.NewMemoryStore()
	quotaStore.SetSubscription(req.TenantID, nil, nil, &domain.Plan{ID: "local", Name: "local", Limits: unlimited()})

	svc := build.New(build.Dependencies{
		Builds:    memory.NewBuildRepository(),
		Quota:     quota.NewGatekeeper(quotaStore, c.log),
		Images:    engine,
		Artifacts: store,
		Logs:      consoleLogs{out: cmd.OutOrStdout()},
		Workspace: ws,
		Logger:    c.log,
	}, build.Config{
		Registry:  conf.GetString("registry"),
		Namespace: conf.GetString("namespace"),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := svc.Health(ctx); err != nil {
		return err
	}
	accepted, err := svc.Start(ctx, req)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = svc.Cancel(context.Background(), req.TenantID, accepted.Build.ID)
	}()
	svc.Wait()

	result, err := svc.Get(context.Background(), req.TenantID, accepted.Build.ID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, s := range result.Services {
		fmt.Fprintf(out, "%-20s %-10s %s\n", s.Name, s.Status, lineOr(s.ImageTag, s.Error))
	}
	if result.Status != domain.BuildSucceeded {
		return errors.New(result.Error)
	}
	return nil
}

// unlimited lifts every count limit; resource ceilings keep the free-tier values.
func unlimited() domain.BuildQuota {
	q := quota.FreeTier()
	q.MaxConcurrentBuilds = -1
	q.MaxBuildsPerHour = -1
	q.MaxBuildsPerDay = -1
	q.MaxBuildsPerMonth = -1
	q.MaxBuildContextBytes = -1
	q.MaxServices = -1
	q.MaxLogBytes = -1
	return q
}

func promptPassword(w io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--password is required when stdin is not a terminal")
	}
	fmt.Fprint(w, "Registry password: ")
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}

func lineOr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
