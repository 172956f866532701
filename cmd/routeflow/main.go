// ABOUTME: Entry point for the routeflow conversational routing engine
// ABOUTME: Wires store, cache, sessions, dispatcher and the inbound pipeline

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/hublia/routeflow/internal/cache"
	"github.com/hublia/routeflow/internal/chatbot"
	"github.com/hublia/routeflow/internal/clock"
	"github.com/hublia/routeflow/internal/config"
	"github.com/hublia/routeflow/internal/dedupe"
	"github.com/hublia/routeflow/internal/dispatch"
	"github.com/hublia/routeflow/internal/inbound"
	"github.com/hublia/routeflow/internal/notify"
	"github.com/hublia/routeflow/internal/proxy"
	"github.com/hublia/routeflow/internal/session"
	"github.com/hublia/routeflow/internal/store"
	"github.com/hublia/routeflow/internal/ticket"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _        __ _
 _ __ ___  _   _| |_ ___ / _| | _____      __
| '__/ _ \| | | | __/ _ \ |_| |/ _ \ \ /\ / /
| | | (_) | |_| | ||  __/  _| | (_) \ V  V /
|_|  \___/ \__,_|\__\___|_| |_|\___/ \_/\_/
`

// dedupeTTL covers the re-delivery burst after a session reconnect.
const dedupeTTL = 30 * time.Minute
const dedupeCapacity = 65536

// degradeSweepEvery is how often overused sessions are checked for proxy
// rotation.
const degradeSweepEvery = time.Minute

// getConfigPath returns the path to the engine config file.
// Priority: ROUTEFLOW_CONFIG env var > XDG_CONFIG_HOME/routeflow/routeflow.yaml > ~/.config/routeflow/routeflow.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ROUTEFLOW_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "routeflow.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "routeflow", "routeflow.yaml")
}

// getDataPath returns the path to the routeflow data directory.
// Priority: XDG_DATA_HOME/routeflow > ~/.local/share/routeflow
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "routeflow")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: routeflow <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve        Start the routing engine")
		fmt.Println("  init         Create a new config file interactively")
		fmt.Println("  seed FILE    Load connections, queues and option trees from a YAML file")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "seed":
		err = runSeed(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Driver:    %s\n", cfg.Sessions.Driver)
	if cfg.Redis.URI != "" {
		green.Print("    ▶ ")
		fmt.Printf("Redis:     %s\n", cfg.Redis.URI)
	}
	fmt.Println()

	logger.Info("starting routeflow",
		"config", configPath,
		"database", cfg.Database.Path,
		"driver", cfg.Sessions.Driver,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	// Cache and event fan-out. With Redis configured, events mirror across
	// nodes; without it everything stays in-process.
	broadcaster := notify.NewBroadcaster(logger)
	defer broadcaster.Close()

	var (
		c      cache.Cache
		events notify.Publisher = broadcaster
	)
	if cfg.Redis.URI != "" {
		rc, err := cache.NewRedis(ctx, cfg.Redis.URI)
		if err != nil {
			return fmt.Errorf("connecting redis: %w", err)
		}
		defer rc.Close()
		c = rc

		mirror := notify.NewMirror(broadcaster, rc.Client(), logger)
		defer mirror.Close()
		events = mirror
	} else {
		c = cache.NewMemory()
	}

	clk := clock.System{}

	allocator := proxy.NewAllocator(st, logger)
	if err := allocator.ResetCounters(ctx); err != nil {
		return fmt.Errorf("resetting proxy counters: %w", err)
	}

	manager := session.NewManager(session.Config{
		Driver:         cfg.Sessions.Driver,
		QRMaxRetries:   cfg.Sessions.QRMaxRetries,
		ReconnectDelay: cfg.Sessions.ReconnectDelay,
		CredentialsDir: cfg.Sessions.CredentialsDir,
	}, st, allocator, events, clk, logger)

	courier := inbound.NewCourier(st, manager, events, c, clk, logger)
	machine := ticket.NewMachine(st, courier, events, clk, logger)
	navigator := chatbot.NewNavigator(st, machine, courier, clk, logger)

	dispatcher := dispatch.New(clk, dispatch.Retention{
		MaxAge:   cfg.Dispatcher.RetentionAge,
		MaxCount: cfg.Dispatcher.RetentionCount,
	}, logger)

	handler := inbound.NewHandler(st, c, dedupe.NewWindow(dedupeTTL, dedupeCapacity),
		machine, navigator, dispatcher, manager, events, cfg.Media.Dir, clk, logger)
	scheduler := inbound.NewScheduler(st, machine, courier, dispatcher, clk, logger)

	dispatcher.Register(dispatch.KindStoreInbound, handler.HandleStoreInbound)
	dispatcher.Register(dispatch.KindFetchContactPic, handler.HandleFetchContactPicture)
	dispatcher.Register(dispatch.KindSendOutbound, courier.HandleSendOutbound)
	dispatcher.Register(dispatch.KindSendScheduled, scheduler.HandleSend)
	dispatcher.Register(dispatch.KindSweepSchedules, scheduler.HandleSweep)
	dispatcher.Register(dispatch.KindSweepRatings, func(ctx context.Context, _ *dispatch.Job) error {
		return machine.SweepPendingRatings(ctx, cfg.Dispatcher.RatingTimeout)
	})
	dispatcher.Register(dispatch.KindDegradeSessions, func(ctx context.Context, _ *dispatch.Job) error {
		return manager.DegradeOverused(ctx, cfg.Sessions.DegradeThreshold)
	})

	if err := dispatcher.Every(cfg.Dispatcher.RatingSweepEvery, dispatch.KindSweepRatings, nil); err != nil {
		return fmt.Errorf("scheduling rating sweep: %w", err)
	}
	if err := dispatcher.Every(cfg.Dispatcher.ScheduleSweepSpan, dispatch.KindSweepSchedules, nil); err != nil {
		return fmt.Errorf("scheduling due-schedule sweep: %w", err)
	}
	if err := dispatcher.Every(degradeSweepEvery, dispatch.KindDegradeSessions, nil); err != nil {
		return fmt.Errorf("scheduling degrade sweep: %w", err)
	}

	manager.SetSink(handler)
	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("starting sessions: %w", err)
	}

	dispatcher.Run(ctx)
	logger.Info("routeflow stopped")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("routeflow configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "routeflow.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Redis
	fmt.Println("\n--- Redis Configuration ---")
	redisURI := prompt(reader, "Redis URI (leave empty for in-memory cache)", "")

	// Sessions
	fmt.Println("\n--- Session Configuration ---")
	driver := prompt(reader, "Wire driver", "loopback")
	credentialsDir := prompt(reader, "Credentials directory", filepath.Join(defaultDataPath, "credentials"))
	mediaDir := prompt(reader, "Media directory", filepath.Join(defaultDataPath, "media"))

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# routeflow configuration\n")
	cfg.WriteString("# Generated by routeflow init\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("redis:\n")
	if redisURI != "" {
		cfg.WriteString(fmt.Sprintf("  uri: \"%s\"\n", redisURI))
	} else {
		cfg.WriteString("  uri: \"\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("media:\n")
	cfg.WriteString(fmt.Sprintf("  dir: \"%s\"\n", mediaDir))
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString(fmt.Sprintf("  driver: \"%s\"\n", driver))
	cfg.WriteString(fmt.Sprintf("  credentials_dir: \"%s\"\n", credentialsDir))
	cfg.WriteString("  qr_max_retries: 3\n")
	cfg.WriteString("  reconnect_delay: \"3s\"\n")
	cfg.WriteString("  degrade_threshold: 1500\n")
	cfg.WriteString("\n")

	cfg.WriteString("dispatcher:\n")
	cfg.WriteString("  rating_sweep_every: \"1m\"\n")
	cfg.WriteString("  rating_timeout: \"10m\"\n")
	cfg.WriteString("  schedule_sweep_span: \"5s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the engine:")
	fmt.Printf("  routeflow serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

// seedFile is the YAML layout the seed command consumes.
type seedFile struct {
	Proxies     []string `yaml:"proxies"`
	Connections []struct {
		TenantID          int64    `yaml:"tenant_id"`
		Name              string   `yaml:"name"`
		Default           bool     `yaml:"default"`
		GreetingMessage   string   `yaml:"greeting_message"`
		FarewellMessage   string   `yaml:"farewell_message"`
		CompletionMessage string   `yaml:"completion_message"`
		RatingMessage     string   `yaml:"rating_message"`
		OutOfHoursMessage string   `yaml:"out_of_hours_message"`
		Queues            []string `yaml:"queues"`
	} `yaml:"connections"`
	Queues []struct {
		TenantID          int64               `yaml:"tenant_id"`
		Name              string              `yaml:"name"`
		GreetingMessage   string              `yaml:"greeting_message"`
		OutOfHoursMessage string              `yaml:"out_of_hours_message"`
		RenderMode        string              `yaml:"render_mode"`
		Hours             []store.HoursWindow `yaml:"hours"`
		Options           []seedOption        `yaml:"options"`
	} `yaml:"queues"`
	Settings []struct {
		TenantID int64  `yaml:"tenant_id"`
		Key      string `yaml:"key"`
		Value    string `yaml:"value"`
	} `yaml:"settings"`
}

// seedOption is one chatbot tree node; options nest arbitrarily deep.
type seedOption struct {
	Selector     string       `yaml:"selector"`
	Title        string       `yaml:"title"`
	Message      string       `yaml:"message"`
	Finalize     bool         `yaml:"finalize"`
	WaitForAgent bool         `yaml:"wait_for_agent"`
	Attachment   string       `yaml:"attachment"`
	Options      []seedOption `yaml:"options"`
}

// runSeed loads proxies, connections, queues and chatbot trees from a YAML
// fixture. Meant for development and first-time setup; rows are inserted as
// given, duplicates fail.
func runSeed(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: routeflow seed FILE")
	}
	seedPath := os.Args[2]

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	data, err := os.ReadFile(seedPath)
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parsing seed file: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	green := color.New(color.FgGreen)

	for _, uri := range seed.Proxies {
		if err := st.CreateProxy(ctx, &store.Proxy{URI: uri}); err != nil {
			return fmt.Errorf("creating proxy %s: %w", uri, err)
		}
	}
	if len(seed.Proxies) > 0 {
		green.Printf("  ✓ Proxies: %d\n", len(seed.Proxies))
	}

	// Queues first so connections can bind them by name.
	queueIDs := make(map[string]int64)
	for _, sq := range seed.Queues {
		q := &store.Queue{
			TenantID:          sq.TenantID,
			Name:              sq.Name,
			GreetingMessage:   sq.GreetingMessage,
			OutOfHoursMessage: sq.OutOfHoursMessage,
			RenderMode:        sq.RenderMode,
			Hours:             sq.Hours,
		}
		if q.RenderMode == "" {
			q.RenderMode = store.RenderText
		}
		if err := st.CreateQueue(ctx, q); err != nil {
			return fmt.Errorf("creating queue %s: %w", sq.Name, err)
		}
		queueIDs[sq.Name] = q.ID
		if err := seedOptions(ctx, st, q.ID, nil, sq.Options); err != nil {
			return fmt.Errorf("seeding options for %s: %w", sq.Name, err)
		}
	}
	if len(seed.Queues) > 0 {
		green.Printf("  ✓ Queues: %d\n", len(seed.Queues))
	}

	for _, sc := range seed.Connections {
		conn := &store.Connection{
			TenantID:          sc.TenantID,
			Name:              sc.Name,
			Status:            store.ConnectionDisconnected,
			IsDefault:         sc.Default,
			GreetingMessage:   sc.GreetingMessage,
			FarewellMessage:   sc.FarewellMessage,
			CompletionMessage: sc.CompletionMessage,
			RatingMessage:     sc.RatingMessage,
			OutOfHoursMessage: sc.OutOfHoursMessage,
		}
		if err := st.CreateConnection(ctx, conn); err != nil {
			return fmt.Errorf("creating connection %s: %w", sc.Name, err)
		}
		for _, name := range sc.Queues {
			id, ok := queueIDs[name]
			if !ok {
				return fmt.Errorf("connection %s binds unknown queue %q", sc.Name, name)
			}
			if err := st.BindQueue(ctx, conn.ID, id); err != nil {
				return fmt.Errorf("binding queue %s: %w", name, err)
			}
		}
	}
	if len(seed.Connections) > 0 {
		green.Printf("  ✓ Connections: %d\n", len(seed.Connections))
	}

	for _, s := range seed.Settings {
		if err := st.SetSetting(ctx, s.TenantID, s.Key, s.Value); err != nil {
			return fmt.Errorf("setting %s: %w", s.Key, err)
		}
	}
	if len(seed.Settings) > 0 {
		green.Printf("  ✓ Settings: %d\n", len(seed.Settings))
	}

	fmt.Println()
	green.Println("  Seed complete!")
	return nil
}

// seedOptions inserts one level of a chatbot tree, recursing into children.
func seedOptions(ctx context.Context, st *store.SQLiteStore, queueID int64, parentID *int64, options []seedOption) error {
	for _, so := range options {
		o := &store.QueueOption{
			QueueID:      queueID,
			ParentID:     parentID,
			Selector:     so.Selector,
			Title:        so.Title,
			Message:      so.Message,
			Finalize:     so.Finalize,
			WaitForAgent: so.WaitForAgent,
		}
		if so.Attachment != "" {
			o.AttachmentPath = &so.Attachment
		}
		if err := st.CreateQueueOption(ctx, o); err != nil {
			return fmt.Errorf("creating option %s: %w", so.Title, err)
		}
		if err := seedOptions(ctx, st, queueID, &o.ID, so.Options); err != nil {
			return err
		}
	}
	return nil
}
