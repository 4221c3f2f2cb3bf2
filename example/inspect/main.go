// Command inspect connects to an MCP server and shows what it offers. The connection
// is configured from the MCP_* environment variables and can be overridden by flags.
//
//	inspect -command npx -args "-y;@modelcontextprotocol/server-everything" list
//	inspect -transport sse -url http://localhost:8080/sse call echo message=hi
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/catalog"
)

func main() {
	cfg, err := mcp.ConfigFromEnv()
	if err != nil {
		// Flags may still complete the configuration.
		cfg = mcp.DefaultConfig()
	}

	flag.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport: stdio, socket or sse")
	flag.StringVar(&cfg.Command, "command", cfg.Command, "server command for the stdio transport")
	args := flag.String("args", strings.Join(cfg.Args, ";"), "semicolon separated server arguments")
	flag.StringVar(&cfg.Network, "network", cfg.Network, "network for the socket transport")
	flag.StringVar(&cfg.Address, "address", cfg.Address, "address for the socket transport")
	flag.StringVar(&cfg.SSEURL, "url", cfg.SSEURL, "stream URL for the sse transport")
	flag.StringVar(&cfg.Framing, "framing", cfg.Framing, "stream framing: newline or content-length")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "request timeout")
	useRedis := flag.Bool("redis", false, "store the catalog in redis (REDIS_ADDR) instead of memory")
	verbose := flag.Bool("v", false, "verbose logging")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] list | read <uri> | call <tool> [key=value...] | prompt <name> [key=value...] | sync\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *args != "" {
		cfg.Args = strings.Split(*args, ";")
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var store catalog.Store = catalog.NewMemoryStore()
	if *useRedis {
		rs, err := catalog.NewRedisStoreFromEnv()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error: failed to connect to redis:", err)
			os.Exit(1)
		}
		defer rs.Close()
		store = rs
	}

	if err := run(ctx, cfg, logger, store, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg mcp.Config, logger *slog.Logger, store catalog.Store, args []string) error {
	dialer, err := cfg.Dialer(logger)
	if err != nil {
		return err
	}

	out := &printer{w: os.Stdout}
	opts := append(cfg.ClientOptions(),
		mcp.WithClientLogger(logger),
		mcp.WithProgressListener(out),
		mcp.WithLogReceiver(out),
		mcp.WithToolListWatcher(out),
		mcp.WithResourceListWatcher(out),
	)
	cli := mcp.NewClient(mcp.Info{Name: "inspect", Version: "1.0"}, dialer, opts...)
	defer cli.Close()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cli.Connect(connectCtx); err != nil {
		return err
	}
	res, err := cli.Initialize(connectCtx)
	if err != nil {
		return err
	}
	out.serverInfo(res)

	cmd := "list"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "list":
		return listAll(ctx, cli, out)
	case "read":
		if len(args) != 1 {
			return errors.New("read needs exactly one uri")
		}
		return readResource(ctx, cli, out, args[0])
	case "call":
		if len(args) == 0 {
			return errors.New("call needs a tool name")
		}
		return callTool(ctx, cli, out, args[0], args[1:])
	case "prompt":
		if len(args) == 0 {
			return errors.New("prompt needs a prompt name")
		}
		return getPrompt(ctx, cli, out, args[0], args[1:])
	case "sync":
		return syncCatalog(ctx, cli, out, store)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
