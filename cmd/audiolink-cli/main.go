// Command audiolink-cli runs a client with an interactive prompt for
// starting and stopping the role, changing the volume and inspecting status.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/fatih/color"
	"github.com/lisuiheng/audiolink-go/audio/device"
	"github.com/lisuiheng/audiolink-go/core"
	"github.com/lisuiheng/audiolink-go/logger"
)

var (
	blue  = color.New(color.FgBlue).SprintFunc()
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	role := flag.String("role", "", "Override system.role (sender or listener)")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *role != "" {
		cfg.System.Role = *role
	}
	// The prompt owns stdout, so logs go to stderr.
	cfg.System.AutoStart = false
	cfg.Logging.Outputs = []string{"stderr"}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log := logger.Logger()
	client, err := core.NewClient(cfg, core.Dependencies{
		Capture: device.NewMalgoCapture(log),
		Sinks:   &device.PortAudioOpener{Logger: log, QueueChunks: cfg.Playback.SinkQueue},
	}, log)
	if err != nil {
		logger.Error("Failed to create client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("Failed to close client", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := client.Run(ctx); err != nil {
			logger.Error("Client stopped", "error", err)
			stop()
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	printHelp()
	for {
		fmt.Printf("\n%s ", blue("audiolink>"))
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !execute(ctx, client, strings.Fields(line)) {
				return
			}
		}
	}
}

// execute runs one command and reports whether the prompt should continue.
func execute(ctx context.Context, client *core.Client, parts []string) bool {
	if len(parts) == 0 {
		return true
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "start":
		if err := client.Start(ctx); err != nil {
			fmt.Printf("%s Error: %v\n", red("✗"), err)
		} else {
			fmt.Printf("%s Started (%s)\n", green("✓"), client.GetState())
		}
	case "stop":
		client.Stop()
		fmt.Printf("%s Stopped\n", green("✓"))
	case "volume":
		if len(args) != 1 {
			fmt.Printf("%s Usage: volume <0.0-1.0>\n", red("✗"))
			break
		}
		v, err := strconv.ParseFloat(args[0], 32)
		if err != nil {
			fmt.Printf("%s Invalid volume %q\n", red("✗"), args[0])
			break
		}
		client.SetVolume(float32(v))
		fmt.Printf("%s Volume set to %.2f\n", green("✓"), client.Status().Volume)
	case "status":
		out, err := sonic.ConfigStd.MarshalIndent(client.Status(), "", "  ")
		if err != nil {
			fmt.Printf("%s Error: %v\n", red("✗"), err)
			break
		}
		fmt.Println(string(out))
	case "stats":
		if err := client.RequestStats(); err != nil {
			fmt.Printf("%s Error: %v\n", red("✗"), err)
			break
		}
		st := client.Status().Stream
		fmt.Printf("%s Requested; last known senders=%d listeners=%d\n", green("✓"), st.Senders, st.Listeners)
	case "exit", "quit":
		fmt.Println("Exiting...")
		return false
	case "help":
		printHelp()
	default:
		fmt.Printf("%s Unknown command: %s\n", red("✗"), cmd)
		printHelp()
	}
	return true
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  start         - Start sending or listening, per the configured role")
	fmt.Println("  stop          - Stop the role activity, keep the connection")
	fmt.Println("  volume <v>    - Set playback volume (0.0 to 1.0)")
	fmt.Println("  status        - Show client status")
	fmt.Println("  stats         - Ask the server for stream stats")
	fmt.Println("  exit/quit     - Exit the program")
	fmt.Println("  help          - Show this help message")
}
