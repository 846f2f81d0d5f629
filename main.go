// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/viewora/viewora-go/internal/app"
	"github.com/viewora/viewora-go/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Viewora agent v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	switch command {
	case "chat", "call", "listen":
		if len(args) < 3 {
			fmt.Fprintf(os.Stderr, "Error: %s requires a directory and an interest id\n", command)
			fmt.Fprintf(os.Stderr, "Usage: viewora %s <directory> <interest-id>\n", command)
			os.Exit(1)
		}
		runAgent(app.Mode(command), args[1], args[2])

	case "interests":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: viewora interests <directory> [client|broker|available]")
			os.Exit(1)
		}
		role := "client"
		if len(args) >= 3 {
			role = args[2]
		}
		dir, _, cfg := prepareDir(args[1])
		if err := app.RunInterests(context.Background(), dir, cfg, role); err != nil {
			log.Fatalf("Interests failed: %v", err)
		}

	case "interest":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: viewora interest <directory> <accept|start|close> <interest-id>")
			fmt.Fprintln(os.Stderr, "       viewora interest <directory> new <property-id>")
			os.Exit(1)
		}
		dir, _, cfg := prepareDir(args[1])
		action := args[2]
		ctx := context.Background()
		var err error
		if action == "new" {
			err = app.RunCreateInterest(ctx, dir, cfg, parseID(args[3], "property id"))
		} else {
			err = app.RunInterestAction(ctx, dir, cfg, action, parseID(args[3], "interest id"))
		}
		if err != nil {
			log.Fatalf("Interest %s failed: %v", action, err)
		}

	case "notifications":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: viewora notifications <directory>")
			os.Exit(1)
		}
		_, _, cfg := prepareDir(args[1])
		if err := app.RunNotifications(context.Background(), cfg); err != nil {
			log.Fatalf("Notifications failed: %v", err)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// prepareDir resolves the agent directory, loads its .env, and makes sure the
// config file exists.
func prepareDir(dirArg string) (string, string, config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid agent directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Agent directory does not exist: %s", absDir)
	}

	// Secrets can live in <dir>/.env instead of the shell environment.
	if err := godotenv.Load(filepath.Join(absDir, ".env")); err == nil {
		log.Printf("Loaded environment from %s", filepath.Join(absDir, ".env"))
	}

	cfgPath := filepath.Join(absDir, "viewora.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}
	return absDir, cfgPath, cfg
}

func parseID(arg, what string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		log.Fatalf("Invalid %s: %s", what, arg)
	}
	return id
}

func runAgent(mode app.Mode, dirArg, interestArg string) {
	interestID := parseID(interestArg, "interest id")
	absDir, cfgPath, cfg := prepareDir(dirArg)

	printBanner(absDir, cfgPath, cfg, interestID, mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		Dir:        absDir,
		CfgPath:    cfgPath,
		Cfg:        cfg,
		InterestID: interestID,
		Mode:       mode,
	}); err != nil {
		log.Fatalf("Agent failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Viewora - marketplace conversation agent")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  viewora chat <directory> <interest-id>    Interactive chat on a conversation")
	fmt.Println("  viewora call <directory> <interest-id>    Place a call on a conversation")
	fmt.Println("  viewora listen <directory> <interest-id>  Cache messages and auto-answer calls")
	fmt.Println("  viewora interests <directory> [role]      Sync and list interests")
	fmt.Println("  viewora interest <directory> <action> <id>  Manage one interest")
	fmt.Println("  viewora notifications <directory>         Show notifications, mark them read")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  chat <directory> <interest-id>")
	fmt.Println("        Connect to the conversation socket and chat from the terminal.")
	fmt.Println("        Inside the chat: /call /accept /reject /hangup /ask /quit")
	fmt.Println()
	fmt.Println("  call <directory> <interest-id>")
	fmt.Println("        Ring the other party and stay on the call until it ends")
	fmt.Println()
	fmt.Println("  listen <directory> <interest-id>")
	fmt.Println("        Run headless: persist messages and auto-answer incoming calls")
	fmt.Println()
	fmt.Println("  interests <directory> [client|broker|available]")
	fmt.Println("        Refresh the local interests cache from the backend and list it.")
	fmt.Println("        Falls back to the cache when the backend is unreachable")
	fmt.Println()
	fmt.Println("  interest <directory> <accept|start|close> <interest-id>")
	fmt.Println("  interest <directory> new <property-id>")
	fmt.Println("        Move an interest through the broker lifecycle, or register")
	fmt.Println("        interest in a property as a client")
	fmt.Println()
	fmt.Println("  notifications <directory>")
	fmt.Println("        List the account's notifications and mark them read")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("The directory holds viewora.json (created on first run), the local")
	fmt.Println("cache database, and optionally a .env with VIEWORA_API_TOKEN.")
}

func printBanner(dir, cfgPath string, cfg config.Config, interestID int64, mode app.Mode) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                 Viewora Conversation Agent             ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Agent Directory: %s\n", dir)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Backend:         %s\n", cfg.API.BaseURL)
	scheme := "ws"
	if cfg.Chat.TLS {
		scheme = "wss"
	}
	fmt.Printf("Socket:          %s://%s:%d/ws/chat/interest/%d/\n", scheme, cfg.Chat.Host, cfg.Chat.Port, interestID)
	fmt.Printf("Mode:            %s\n", mode)
	if cfg.Media.Disabled {
		fmt.Println("Media:           disabled (receive-only calls)")
	}
	fmt.Println()
	fmt.Println("Starting agent... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
