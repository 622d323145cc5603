package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net"
	"net/http"
	"time"
)

func Handler(status *Status, logs *LogBuffer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap := status.Snapshot(time.Now().UTC())
		b, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			http.Error(w, "marshal failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(b)
		_, _ = w.Write([]byte("\n"))
	})

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}

	mux.Handle("/api/about", AboutHandler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		snap := status.Snapshot(time.Now().UTC())
		b := snap.Bridge
		fix := "none"
		if b.LastFix != nil {
			fix = fmt.Sprintf("%s (%.0fs ago)", b.LastFix.Raw, b.LastFix.AgeSec)
		}
		client := "none"
		if b.Downstream != nil && b.Downstream.Client != "" {
			client = b.Downstream.Client
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>rtkbridge</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>rtkbridge</h1>")
		_, _ = fmt.Fprintf(w, "<p>Details: <a href=\"/api/status\">/api/status</a>, <a href=\"/api/logs?format=text\">/api/logs</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>state=%s\ncaster=%s\ndevice=%s\ncorrection_bytes=%d\nreconnects=%d\nclient=%s\nlast_fix=%s</pre>",
			html.EscapeString(string(b.State)),
			html.EscapeString(b.Caster),
			html.EscapeString(b.Device),
			b.Relay.Bytes,
			b.Reconnects,
			html.EscapeString(client),
			html.EscapeString(fix),
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

// Listen binds listenAddr so bind errors surface before Serve runs.
func Listen(listenAddr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("web: listen %s: %w", listenAddr, err)
	}
	return ln, nil
}

// Serve runs the status API on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, status *Status, logs *LogBuffer) error {
	if status == nil {
		status = NewStatus(nil)
	}

	srv := &http.Server{
		Handler:           Handler(status, logs),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
