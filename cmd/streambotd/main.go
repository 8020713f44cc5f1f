// streambotd is the bot daemon: it owns the account store, registers the
// administrative command table, and serves the operator control channel.
package main

import (
	"crypto/sha512"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/lbot/streambot/pkg/auth"
	"github.com/lbot/streambot/pkg/command"
	"github.com/lbot/streambot/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.streambot/server.toml", "Path to server config file")
	listenAddr := flag.String("listen", "", "Override control channel listen address")
	debug := flag.Bool("debug", false, "Enable debug logging")
	addUser := flag.String("add-user", "", "Create a user account and exit")
	level := flag.String("level", "user", "Permission level for --add-user (user or admin)")
	flag.Parse()

	if *debug {
		server.EnableDebugLogging(os.Stderr)
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	store, err := auth.OpenStore(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open user store: %v", err)
	}
	defer store.Close()

	if *addUser != "" {
		if err := createUser(store, *addUser, *level); err != nil {
			log.Fatalf("Failed to create user: %v", err)
		}
		fmt.Printf("User %s created\n", *addUser)
		return
	}

	table := command.NewTable()
	registerCommands(table, store)

	srv := server.NewServer(cfg, store, table)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}

// createUser prompts for a password and registers the account. The store
// receives the SHA-512 digest, same as the wire carries.
func createUser(store *auth.Store, username, levelName string) error {
	permLevel, err := auth.ParsePermissionLevel(levelName)
	if err != nil {
		return err
	}
	if permLevel == auth.LevelNone {
		return fmt.Errorf("cannot create a user with no permissions")
	}

	fmt.Printf("Password for %s: ", username)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return err
	}
	if len(password) == 0 {
		return fmt.Errorf("password cannot be empty")
	}

	digest := sha512.Sum512(password)
	return store.CreateUser(username, digest[:], permLevel)
}

// registerCommands populates the shared command table. Runs once at
// startup, before the server accepts anything.
func registerCommands(table *command.Table, store *auth.Store) {
	must := func(err error) {
		if err != nil {
			log.Fatalf("Failed to register command: %v", err)
		}
	}

	must(table.RegisterFunc("echo", auth.LevelUser, func(p command.Proxy, args []string) (string, error) {
		return strings.Join(args, " "), nil
	}))

	must(table.RegisterFunc("whoami", auth.LevelUser, func(p command.Proxy, args []string) (string, error) {
		return p.CurrentUser()
	}))

	must(table.RegisterFunc("help", auth.LevelUser, func(p command.Proxy, args []string) (string, error) {
		return "Available commands: " + strings.Join(table.Names(), ", "), nil
	}))

	must(table.RegisterFunc("user", auth.LevelAdmin, func(p command.Proxy, args []string) (string, error) {
		if len(args) == 0 {
			return "", fmt.Errorf("%w: usage: user <list|switch> [name]", command.ErrInvalidArgument)
		}
		switch args[0] {
		case "list":
			users, err := store.ListUsers()
			if err != nil {
				return "", err
			}
			return strings.Join(users, "\n"), nil
		case "switch":
			if len(args) != 2 {
				return "", fmt.Errorf("%w: usage: user switch <name>", command.ErrInvalidArgument)
			}
			name := args[1]
			if store.FetchPermissionLevel(name) == auth.LevelNone {
				return "", fmt.Errorf("%w: unknown user %s", command.ErrInvalidArgument, name)
			}
			if err := p.SetCurrentUser(name); err != nil {
				return "", err
			}
			p.RefreshUserData()
			return "Switched to user " + name, nil
		default:
			return "", fmt.Errorf("%w: unknown subcommand %s", command.ErrInvalidArgument, args[0])
		}
	}))
}
