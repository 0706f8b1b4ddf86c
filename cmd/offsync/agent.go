package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hyperengineering/offsync/internal/config"
	"github.com/hyperengineering/offsync/internal/remote"
	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/pkg/offsync"
)

// agent bundles the components shared by the server and the CLI subcommands.
type agent struct {
	cfg    *config.Config
	store  *store.SQLiteStore
	client *remote.Client
	queue  *offsync.Queue
}

// Close releases the underlying database.
func (a *agent) Close() error {
	return a.store.Close()
}

// openAgent opens the store and wires the remote client and queue.
// observer may be nil.
func openAgent(cfg *config.Config, observer offsync.Observer) (*agent, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client := remote.NewClient(remote.Options{
		BaseURL:    cfg.Remote.BaseURL,
		APIKey:     cfg.Remote.APIKey,
		ClientID:   cfg.ClientID,
		HealthPath: cfg.Remote.HealthPath,
		Timeout:    time.Duration(cfg.Remote.Timeout),
		Routes:     routesFromConfig(cfg.Remote.Routes),
	})

	opts := []offsync.Option{
		offsync.WithActions(client.Actions()...),
		offsync.WithLeaseTTL(leaseTTL(time.Duration(cfg.Remote.Timeout))),
	}
	if observer != nil {
		opts = append(opts, offsync.WithObserver(observer))
	}

	return &agent{
		cfg:    cfg,
		store:  s,
		client: client,
		queue:  offsync.NewQueue(s, client, opts...),
	}, nil
}

// resolveAgent loads client configuration, applies the persistent flags and
// opens the agent. Used by every subcommand except serve.
func resolveAgent() (*agent, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg)
	return openAgent(cfg, nil)
}

// routesFromConfig overlays configured routes on the built-in ones.
func routesFromConfig(configured map[string]config.RouteConfig) map[offsync.Action]remote.Route {
	routes := remote.DefaultRoutes()
	for action, rc := range configured {
		routes[offsync.Action(action)] = remote.Route{
			Method: strings.ToUpper(rc.Method),
			Path:   rc.Path,
		}
	}
	return routes
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatTime renders t for table output; nil prints as "-".
func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// leaseTTL keeps the replay lease alive across the slowest dispatch: the lease
// is renewed between entries once half of it has elapsed.
func leaseTTL(dispatchTimeout time.Duration) time.Duration {
	return max(offsync.DefaultLeaseTTL, 4*dispatchTimeout)
}
