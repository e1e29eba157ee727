// workspacectl is a command-line client for the workspace sync server.
//
// Usage:
//
//	workspacectl [flags] token [-user id] [-name username] [-ttl 24h]
//	workspacectl [flags] ls    <workspace>
//	workspacectl [flags] put   <workspace> <file>...
//	workspacectl [flags] get   <workspace> <name> [dest]
//	workspacectl [flags] rm    <workspace>
//	workspacectl [flags] watch <workspace>
//
// The server URL and token default to WORKSPACE_SERVER and WORKSPACE_TOKEN.
// The token command signs with JWT_SECRET. A .env file is honored.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/fruitsalade/workspace-sync/internal/auth"
	"github.com/fruitsalade/workspace-sync/internal/logging"
	"github.com/fruitsalade/workspace-sync/pkg/client"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	server := flag.String("server", envOr("WORKSPACE_SERVER", "http://localhost:8080"), "Server base URL")
	token := flag.String("token", os.Getenv("WORKSPACE_TOKEN"), "Bearer token")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Usage = usage
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	if err := logging.Init(logging.Config{Level: level, Format: "console", OutputPath: "stderr"}); err != nil {
		panic("logging init: " + err.Error())
	}
	defer logging.Sync()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		BaseURL:   *server,
		AuthToken: *token,
		Logger:    logging.L(),
	})

	if err := run(ctx, c, args[0], args[1:]); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "workspacectl %s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: workspacectl [flags] <token|ls|put|get|rm|watch> [args]")
	flag.PrintDefaults()
}

func run(ctx context.Context, c *client.Client, cmd string, args []string) error {
	switch cmd {
	case "token":
		return cmdToken(args)
	case "ls":
		return withWorkspace(args, 0, func(id string, _ []string) error {
			names, err := c.List(ctx, id)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		})
	case "put":
		return withWorkspace(args, 1, func(id string, rest []string) error {
			return cmdPut(ctx, c, id, rest)
		})
	case "get":
		return withWorkspace(args, 1, func(id string, rest []string) error {
			return cmdGet(ctx, c, id, rest)
		})
	case "rm":
		return withWorkspace(args, 0, func(id string, _ []string) error {
			return c.Delete(ctx, id)
		})
	case "watch":
		return withWorkspace(args, 0, func(id string, _ []string) error {
			return cmdWatch(ctx, c, id)
		})
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// withWorkspace checks that args hold a workspace id and at least minRest more
// arguments.
func withWorkspace(args []string, minRest int, fn func(id string, rest []string) error) error {
	if len(args) < 1+minRest {
		return errors.New("missing arguments")
	}
	return fn(args[0], args[1:])
}

func cmdToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "cli", "Token subject")
	username := fs.String("name", "", "Username claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	token, exp, err := auth.New(secret).IssueToken(*userID, *username, *ttl)
	if err != nil {
		return err
	}
	logging.Debug("issued token", zap.String("user", *userID), zap.Time("expires", exp))
	fmt.Println(token)
	return nil
}

func cmdPut(ctx context.Context, c *client.Client, id string, paths []string) error {
	files := make([]client.UploadFile, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		files = append(files, client.UploadFile{Name: filepath.Base(p), Content: f})
	}

	n, err := c.Upload(ctx, id, files)
	if err != nil {
		return err
	}
	fmt.Printf("uploaded %d file(s)\n", n)
	return nil
}

func cmdGet(ctx context.Context, c *client.Client, id string, args []string) error {
	name := args[0]
	dest := name
	if len(args) > 1 {
		dest = args[1]
	}

	body, _, err := c.Download(ctx, id, name)
	if err != nil {
		return err
	}
	defer body.Close()

	var out io.Writer = os.Stdout
	if dest != "-" {
		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	_, err = io.Copy(out, body)
	return err
}

func cmdWatch(ctx context.Context, c *client.Client, id string) error {
	events, errs := c.Watch(ctx, id)
	for ev := range events {
		fmt.Printf("%s\t%s\t%s\n", ev.Kind, ev.File.FileName, ev.File.MimeType)
	}
	if err := <-errs; err != nil {
		return err
	}
	return ctx.Err()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
