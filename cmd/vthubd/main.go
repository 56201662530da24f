// Command vthubd runs the VTHub core: the Cast Output Hub, the WS v3 Hub,
// the Input Ownership Service, and the Session Monitor, behind a minimal
// HTTP surface exposing /ws and /healthz (SPEC_FULL.md §6).
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/vibetunnel/vthub/pkg/castlog"
	"github.com/vibetunnel/vthub/pkg/config"
	"github.com/vibetunnel/vthub/pkg/localfs"
	"github.com/vibetunnel/vthub/pkg/monitor"
	"github.com/vibetunnel/vthub/pkg/ownership"
	"github.com/vibetunnel/vthub/pkg/terminal"
	"github.com/vibetunnel/vthub/pkg/wsv3"
)

var (
	controlDir string
	listen     string
	debugMode  bool
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "vthubd",
	Short: "VTHub core terminal-multiplexing server",
	RunE:  run,
}

func init() {
	homeDir, _ := os.UserHomeDir()
	defaultControlDir := filepath.Join(homeDir, ".vthub", "control")
	defaultConfigPath := filepath.Join(homeDir, ".vthub", "config.yaml")

	rootCmd.Flags().StringVar(&controlDir, "control-dir", defaultControlDir, "Control directory path")
	rootCmd.Flags().StringVar(&listen, "listen", ":4022", "HTTP listen address")
	rootCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.Flags().StringVarP(&configFile, "config", "c", defaultConfigPath, "Configuration file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Show configuration",
		Run: func(cmd *cobra.Command, args []string) {
			config.LoadConfig(configFile).Print()
		},
	})
}

// debugLog logs only when VTHUB_DEBUG is set or --debug was passed,
// grounded on the teacher's pkg/api/websocket.go debugLog helper.
func debugLog(format string, args ...interface{}) {
	if debugMode || os.Getenv("VTHUB_DEBUG") != "" {
		log.Printf(format, args...)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.LoadConfig(configFile)
	cfg.MergeFlags(cmd.Flags())
	if cfg.Debug {
		debugMode = true
	}

	if err := os.MkdirAll(cfg.ControlDir, 0755); err != nil {
		return fmt.Errorf("failed to create control dir: %w", err)
	}

	sessionManager := localfs.NewSessionManager(cfg.ControlDir)
	castHub := castlog.NewHub(sessionManager)
	terminalManager := terminal.NewManager()
	sessionMon := monitor.New()
	ownershipSvc := ownership.New()
	defer ownershipSvc.Close()

	var remotes *wsv3.RemoteRegistry
	if len(cfg.Remotes) > 0 {
		rcfgs := make([]wsv3.RemoteConfig, 0, len(cfg.Remotes))
		for _, r := range cfg.Remotes {
			rcfgs = append(rcfgs, wsv3.RemoteConfig{ID: r.ID, Name: r.Name, URL: r.URL, Token: r.Token})
		}
		remotes = wsv3.NewRemoteRegistry(rcfgs)
		debugLog("[DEBUG] vthubd: configured %d remote(s)", len(cfg.Remotes))
	}

	ptyManager := localfs.UnavailablePtyManager{}
	hub := wsv3.NewHub(castHub, terminalManager, ptyManager, sessionMon, ownershipSvc, remotes)

	ownershipSvc.OnChange(func(c ownership.Change) {
		debugLog("[DEBUG] vthubd: ownership change session=%s owner=%q previous=%q", c.SessionID, c.NewOwner, c.PreviousOwner)
	})

	router := mux.NewRouter()
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsv3.ServeUpgrade(hub, uuid.NewString(), w, r)
	})

	server := &http.Server{Addr: cfg.Listen, Handler: router}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down vthubd...")
		server.Close()
	}()

	fmt.Printf("vthubd listening on %s (control dir: %s)\n", cfg.Listen, cfg.ControlDir)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
