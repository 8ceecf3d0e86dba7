// ABOUTME: Logger setup for the gateway binary
// ABOUTME: JSON output for machines, a colorized line handler for terminals

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/agentrun-gateway/internal/config"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, out: out, level: level}
	}
	return slog.New(handler)
}

// colorHandler writes one colorized line per record. Derived handlers share
// the parent's mutex so lines never interleave.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, prefix, a)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func writeAttr(buf *strings.Builder, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
	buf.WriteString(a.Value.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		a.Key = prefix + a.Key
		newAttrs = append(newAttrs, a)
	}
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: h.attrs, groups: newGroups}
}

var _ slog.Handler = (*colorHandler)(nil)

// printStartup writes the banner and listener summary shown by serve.
func printStartup(w io.Writer, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	_, _ = cyan.Fprint(w, banner)
	_, _ = gray.Fprintf(w, "    version: %s\n\n", version)

	line := func(label, value string) {
		_, _ = green.Fprint(w, "    ▶ ")
		_, _ = fmt.Fprintf(w, "%-10s %s\n", label+":", value)
	}

	cfgPath := cfg.Path
	if cfgPath == "" {
		cfgPath = "(defaults)"
	}
	line("Config", cfgPath)
	if cfg.Server.Bind == config.BindTailnet {
		line("Tailnet", fmt.Sprintf("%s:%d", cfg.Tailscale.Hostname, cfg.Server.Port))
	} else {
		line("HTTP", cfg.Server.HTTPAddr)
	}
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	line("Auth", cfg.Auth.Mode)
	line("State", cfg.StateDir)
	if cfg.Metrics.Enabled {
		line("Metrics", cfg.Metrics.Path)
	}
	_, _ = fmt.Fprintln(w)
}

const banner = `
                        _
  __ _  __ _  ___ _ __ | |_ _ __ _   _ _ __
 / _' |/ _' |/ _ \ '_ \| __| '__| | | | '_ \
| (_| | (_| |  __/ | | | |_| |  | |_| | | | |
 \__,_|\__, |\___|_| |_|\__|_|   \__,_|_| |_|
       |___/
`
