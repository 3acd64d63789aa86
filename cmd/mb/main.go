package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mountebank-testing/imposters/internal/config"
	"github.com/mountebank-testing/imposters/internal/models"
	"github.com/mountebank-testing/imposters/internal/server"
	"github.com/mountebank-testing/imposters/internal/util"
)

var (
	port           int
	host           string
	logLevel       string
	allowInjection bool
	localOnly      bool
	ipWhitelist    string
	origin         []string
	apiKey         string
	pidFile        string
	configFile     string
	saveFile       string
	logFile        string
	noLogFile      bool
	datadir        string
	impostersRepo  string
	rcFile         string
	debug          bool
	removeProxies  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mb",
		Short:        "mountebank - over the wire test doubles",
		Long:         `mountebank is a service virtualization tool that provides test doubles over the wire.`,
		SilenceUsage: true,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the mountebank server",
		RunE:  runStart,
	}
	addServerFlags(startCmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the mountebank server",
		RunE:  runStop,
	}
	stopCmd.Flags().StringVar(&pidFile, "pidfile", "mb.pid", "PID file location")

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the mountebank server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runStop(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
			return runStart(cmd, args)
		},
	}
	addServerFlags(restartCmd)

	saveCmd := &cobra.Command{
		Use:   "save",
		Short: "Save current imposters to a JSON or YAML file",
		RunE:  runSave,
	}
	addClientFlags(saveCmd)
	saveCmd.Flags().StringVar(&saveFile, "savefile", "mb.json", "File to save to; .yaml and .yml save YAML")
	saveCmd.Flags().BoolVar(&removeProxies, "removeProxies", false, "Remove proxy responses from the saved imposters")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Switch from record mode to replay mode by removing proxies",
		RunE:  runReplay,
	}
	addClientFlags(replayCmd)

	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, saveCmd, replayCmd)

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "start")
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func addServerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntVar(&port, "port", 2525, "Port to run the server on")
	flags.StringVar(&host, "host", "", "Host to bind to")
	flags.StringVar(&logLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&allowInjection, "allowInjection", false, "Allow JavaScript injection and shell transforms")
	flags.BoolVar(&localOnly, "localOnly", false, "Only allow connections from localhost")
	flags.StringVar(&ipWhitelist, "ipWhitelist", "*", "Pipe-delimited addresses allowed to connect")
	flags.StringSliceVar(&origin, "origin", nil, "Allowed CORS origins")
	flags.StringVar(&apiKey, "apikey", "", "API key required in the x-api-key header")
	flags.StringVar(&pidFile, "pidfile", "mb.pid", "PID file location")
	flags.StringVar(&configFile, "configfile", "", "Imposters file (JSON or YAML) to load")
	flags.StringVar(&logFile, "logfile", "mb.log", "Log file location")
	flags.BoolVar(&noLogFile, "nologfile", false, "Prevent logging to the filesystem")
	flags.StringVar(&datadir, "datadir", "", "Directory to persist imposters in")
	flags.StringVar(&impostersRepo, "impostersRepository", "", "Stub repository kind (memory or file)")
	flags.StringVar(&rcFile, "rcfile", "", "File of options, one 'key value' per line")
	flags.BoolVar(&debug, "debug", false, "Record stub matches on every imposter")
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&port, "port", 2525, "mountebank server port")
	cmd.Flags().StringVar(&host, "host", "localhost", "mountebank server host")
	cmd.Flags().StringVar(&apiKey, "apikey", "", "API key of the mountebank server")
}

// changedFlags collects the flags set on the command line so they take
// precedence over the rc file
func changedFlags(cmd *cobra.Command) map[string]interface{} {
	values := map[string]interface{}{
		"port":                port,
		"host":                host,
		"loglevel":            logLevel,
		"allowInjection":      allowInjection,
		"localOnly":           localOnly,
		"ipWhitelist":         ipWhitelist,
		"origin":              origin,
		"apikey":              apiKey,
		"pidfile":             pidFile,
		"configfile":          configFile,
		"logfile":             logFile,
		"nologfile":           noLogFile,
		"datadir":             datadir,
		"impostersRepository": impostersRepo,
		"debug":               debug,
	}
	for name := range values {
		if !cmd.Flags().Changed(name) {
			delete(values, name)
		}
	}
	return values
}

func newLogger(options *config.Options) (*util.Logger, error) {
	if options.NoLogFile || options.LogFile == "" {
		return util.NewLogger(options.LogLevel), nil
	}
	f, err := os.OpenFile(options.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file: %w", err)
	}
	return util.NewLoggerWithOutput(options.LogLevel, io.MultiWriter(os.Stdout, f)), nil
}

func runStart(cmd *cobra.Command, args []string) error {
	options, err := config.LoadOptions(rcFile, changedFlags(cmd))
	if err != nil {
		return err
	}

	logger, err := newLogger(options)
	if err != nil {
		return err
	}

	serverConfig := &server.Config{
		Port:           options.Port,
		Host:           options.Host,
		LogLevel:       options.LogLevel,
		AllowInjection: options.AllowInjection,
		IPWhitelist:    options.Whitelist(),
		Origin:         options.Origin,
		APIKey:         options.APIKey,
		Logger:         logger,
	}
	if options.ImpostersRepository == "file" {
		serverConfig.DataDir = options.DataDir
		if serverConfig.DataDir == "" {
			serverConfig.DataDir = ".mbdb"
		}
	}

	srv, err := server.New(serverConfig)
	if err != nil {
		return fmt.Errorf("error creating server: %w", err)
	}

	if options.ConfigFile != "" {
		cfg, err := config.Load(options.ConfigFile)
		if err != nil {
			return err
		}
		for i := range cfg.Imposters {
			imposterConfig := cfg.Imposters[i]
			if options.Debug {
				imposterConfig.RecordMatches = true
			}
			if err := srv.CreateImposter(cmd.Context(), &imposterConfig); err != nil {
				srv.Repository().StopAll()
				return fmt.Errorf("error creating imposter from config: %w", err)
			}
		}
		logger.Infof("Loaded %d imposters from %s", len(cfg.Imposters), options.ConfigFile)
	}

	if err := os.WriteFile(options.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		logger.Warnf("Cannot write PID file: %v", err)
	}
	defer os.Remove(options.PidFile)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		if err := srv.Stop(); err != nil {
			logger.Errorf("Error stopping server: %v", err)
		}
	}()

	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("error starting server: %w", err)
	}
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	pidData, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("cannot read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return fmt.Errorf("invalid PID file %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("cannot stop process %d: %w", pid, err)
	}

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(pidFile); os.IsNotExist(err) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient() *client {
	return &client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mountebank: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s answered %s: %s", method, path, resp.Status, data)
	}
	return data, nil
}

func (c *client) imposters(withoutProxies bool) ([]models.ImposterConfig, error) {
	data, err := c.do(http.MethodGet, fmt.Sprintf("/imposters?replayable=true&removeProxies=%t", withoutProxies), nil)
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse imposters: %w", err)
	}
	return cfg.Imposters, nil
}

func runSave(cmd *cobra.Command, args []string) error {
	imposters, err := newClient().imposters(removeProxies)
	if err != nil {
		return err
	}
	if err := config.Save(saveFile, imposters); err != nil {
		return err
	}
	fmt.Printf("Saved %d imposters to %s\n", len(imposters), saveFile)
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	c := newClient()
	imposters, err := c.imposters(true)
	if err != nil {
		return err
	}

	body, err := json.Marshal(config.Config{Imposters: imposters})
	if err != nil {
		return err
	}
	if _, err := c.do(http.MethodPut, "/imposters", body); err != nil {
		return err
	}
	fmt.Printf("Replaying %d imposters\n", len(imposters))
	return nil
}
