package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sessiongate/cmd/internal/app"
	"sessiongate/cmd/internal/liveness"
)

// InstanceHeader identifies one watch process in server logs.
const InstanceHeader = "X-Client-Instance"

type watchFlags struct {
	server    string
	account   string
	session   string
	interval  time.Duration
	timeout   time.Duration
	headers   []string
	bearerEnv string
}

func newWatchCmd(rf *rootFlags) *cobra.Command {
	var wf watchFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll a server until this session is signed out elsewhere",
		Long: `Runs the liveness poller against POST /api/check-session and exits once the
session is no longer active. Errors and non-2xx answers are logged and retried;
only an explicit isValid=false ends the watch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runWatch(ctx, cmd, rf, wf)
		},
	}
	f := cmd.Flags()
	f.StringVar(&wf.server, "server", "http://127.0.0.1:8080", "sessiongate base URL")
	f.StringVar(&wf.account, "account", "", "account id")
	f.StringVar(&wf.session, "session", "", "session id to watch")
	f.DurationVar(&wf.interval, "interval", liveness.DefaultInterval, "poll interval")
	f.DurationVar(&wf.timeout, "timeout", 0, "per-check timeout (defaults to the interval)")
	f.StringArrayVar(&wf.headers, "header", nil, `extra request header "Name: value" (repeatable)`)
	f.StringVar(&wf.bearerEnv, "bearer-env", "", "env var holding a bearer token to send")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, rf *rootFlags, wf watchFlags) error {
	endpoint, err := checkEndpoint(wf.server)
	if err != nil {
		return err
	}
	hdr, err := parseHeaders(wf.headers)
	if err != nil {
		return err
	}
	if wf.bearerEnv != "" {
		tok := strings.TrimSpace(os.Getenv(wf.bearerEnv))
		if tok == "" {
			return fmt.Errorf("env %s is empty", wf.bearerEnv)
		}
		hdr.Set("Authorization", "Bearer "+tok)
	}
	instance := uuid.NewString()
	hdr.Set(InstanceHeader, instance)

	// watch runs without server config, so only the logging env is read.
	level := rf.logLevel
	if level == "" {
		level = app.EnvString("SG_LOG_LEVEL", "warn")
	}
	log := app.NewLoggerTo(cmd.ErrOrStderr(), level, app.EnvString("SG_LOG_FORMAT", "json")).
		With("instance", instance, "account_id", wf.account, "session_id", wf.session)

	checker := &liveness.HTTPChecker{
		Endpoint:  endpoint,
		AccountID: wf.account,
		SessionID: wf.session,
		Header:    hdr,
	}
	p, err := liveness.New(checker,
		liveness.WithInterval(wf.interval),
		liveness.WithCheckTimeout(wf.timeout),
		liveness.WithLogger(log),
	)
	if err != nil {
		return err
	}

	log.Info("watch.start", "endpoint", endpoint, "interval", wf.interval)
	err = p.Run(ctx)
	checks, skipped, errs := p.Stats()
	switch {
	case err == nil:
		printf(cmd.OutOrStdout(), "session %s revoked\n", wf.session)
	case errors.Is(err, context.Canceled):
		err = nil
	}
	log.Info("watch.stop", "state", p.State().String(), "checks", checks, "skipped", skipped, "errors", errs)
	return err
}

func checkEndpoint(server string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(server))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid --server %q", server)
	}
	return u.JoinPath("api", "check-session").String(), nil
}

func parseHeaders(raw []string) (http.Header, error) {
	h := http.Header{}
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, ":")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --header %q, want \"Name: value\"", kv)
		}
		h.Add(k, strings.TrimSpace(v))
	}
	return h, nil
}
