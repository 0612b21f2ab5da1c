package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"coursebuild/internal/notifications"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var apiAddr string
	var limit int

	cmd := &cobra.Command{
		Use:   "events [build-id]",
		Short: "Follow build events from the daemon API",
		Long:  "Streams one build's events, starting with its latest, or every build's events when no id is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			addr := strings.TrimSpace(apiAddr)
			token := ""
			if cfg != nil {
				if addr == "" {
					addr = cfg.API.Bind
				}
				token = cfg.API.Token
			}
			buildID := ""
			if len(args) == 1 {
				buildID = args[0]
			}
			endpoint, err := eventsURL(addr, buildID, token)
			if err != nil {
				return err
			}

			runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return followEvents(runCtx, endpoint, limit, func(evt notifications.Event) error {
				if ctx.jsonOutput() {
					return writeJSON(cmd, evt)
				}
				writeEventLine(cmd.OutOrStdout(), evt)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "", "Daemon API address (defaults to api.bind)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Exit after this many events (0 follows until interrupted)")
	return cmd
}

// eventsURL builds the websocket endpoint. Wildcard listen hosts are dialed
// on loopback.
func eventsURL(addr, buildID, token string) (string, error) {
	if strings.TrimSpace(addr) == "" {
		return "", errors.New("api.bind is not configured; the event stream needs the HTTP API")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parse api address %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, port), Path: "/api/events"}
	if buildID != "" {
		u.Path = "/api/builds/" + url.PathEscape(buildID) + "/events"
	}
	if token != "" {
		u.RawQuery = url.Values{"access_token": {token}}.Encode()
	}
	return u.String(), nil
}

func followEvents(ctx context.Context, endpoint string, limit int, handle func(notifications.Event) error) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("event stream rejected (%s): %s", resp.Status, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("connect to event stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for count := 0; limit <= 0 || count < limit; count++ {
		var evt notifications.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := handle(evt); err != nil {
			return err
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

func writeEventLine(out io.Writer, evt notifications.Event) {
	parts := []string{formatTime(evt.Timestamp), fmt.Sprintf("#%d", evt.Sequence), evt.BuildID, string(evt.Type)}
	if evt.Status != "" {
		parts = append(parts, "status="+evt.Status)
	}
	if evt.Stage != "" {
		parts = append(parts, "stage="+evt.Stage)
	}
	if evt.CheckpointID != "" {
		parts = append(parts, "checkpoint="+evt.CheckpointID)
	}
	if evt.Message != "" {
		parts = append(parts, evt.Message)
	}
	fmt.Fprintln(out, strings.Join(parts, "  "))
}
