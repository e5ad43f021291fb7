package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"casegraph/internal/api"
	"casegraph/internal/status"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var rawURL string
	var since uint64
	var jobID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream artifact status events from a running casegraph serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			endpoint := rawURL
			if endpoint == "" {
				endpoint = statusStreamURL(cfg.Admin.Bind)
			}
			endpoint, err = withSince(endpoint, since)
			if err != nil {
				return err
			}
			runCtx := cmd.Context()
			if runCtx == nil {
				runCtx = context.Background()
			}
			return watchStatus(runCtx, cmd.OutOrStdout(), endpoint, cfg.Admin.Token, jobID)
		},
	}
	cmd.Flags().StringVar(&rawURL, "url", "", "Status stream URL (default derived from admin.bind)")
	cmd.Flags().Uint64Var(&since, "since", 0, "Resume after this event sequence")
	cmd.Flags().StringVar(&jobID, "job", "", "Only show events of this job")
	return cmd
}

func watchStatus(ctx context.Context, out io.Writer, endpoint, token, jobID string) error {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect %s: %s", endpoint, resp.Status)
		}
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	colorize := shouldColorize(out)
	for {
		var page api.StatusResponse
		if err := conn.ReadJSON(&page); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("status stream closed: %s", closeErr.Text)
			}
			return fmt.Errorf("read status stream: %w", err)
		}
		for _, ev := range page.Events {
			if jobID != "" && ev.JobID != jobID {
				continue
			}
			fmt.Fprintln(out, renderEvent(ev, colorize))
		}
	}
}

func renderEvent(ev status.Event, colorize bool) string {
	message := ev.Status
	if ev.CurrentStage != "" {
		message += " " + ev.CurrentStage
	}
	if len(ev.StageTimes) > 0 {
		stages := make([]string, 0, len(ev.StageTimes))
		for stage := range ev.StageTimes {
			stages = append(stages, stage)
		}
		sort.Strings(stages)
		parts := make([]string, 0, len(stages))
		for _, stage := range stages {
			parts = append(parts, fmt.Sprintf("%s=%.1fs", stage, ev.StageTimes[stage]))
		}
		message += " (" + strings.Join(parts, " ") + ")"
	}
	label := fmt.Sprintf("#%d %s", ev.Sequence, ev.ArtifactID)
	return ev.Timestamp.Format("15:04:05") + renderStatusLine(label, artifactStatusKind(ev.Status), message, colorize)
}

// statusStreamURL builds the websocket URL for an admin bind address. A
// wildcard host is dialled on loopback.
func statusStreamURL(bind string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(bind))
	if err != nil {
		host, port = "127.0.0.1", strings.TrimPrefix(strings.TrimSpace(bind), ":")
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + "/api/status/ws"
}

func withSince(endpoint string, since uint64) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid status url %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if since > 0 {
		q := u.Query()
		q.Set("since", strconv.FormatUint(since, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
