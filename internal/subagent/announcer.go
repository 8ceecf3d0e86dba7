// ABOUTME: Default announce flow: post the child's result into the requester session
// ABOUTME: Builds the trigger message from outcome, last reply and run stats

package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agentrun-gateway/internal/protocol"
	"github.com/2389/agentrun-gateway/internal/sessions"
	"github.com/2389/agentrun-gateway/internal/store"
)

// TranscriptReader returns the last assistant reply of a session. The
// sessions store implements it.
type TranscriptReader interface {
	LastReply(ctx context.Context, sessionKey string) (string, error)
}

// GatewayAnnouncer delivers results by submitting an agent run on the
// requester session.
type GatewayAnnouncer struct {
	Gateway     Gateway
	Transcripts TranscriptReader
	Logger      *slog.Logger
}

// NewGatewayAnnouncer creates an announcer.
func NewGatewayAnnouncer(gw Gateway, transcripts TranscriptReader, logger *slog.Logger) *GatewayAnnouncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayAnnouncer{
		Gateway:     gw,
		Transcripts: transcripts,
		Logger:      logger.With("component", "subagent.announce"),
	}
}

// Announce implements Announcer.
func (a *GatewayAnnouncer) Announce(ctx context.Context, p AnnounceParams) (bool, error) {
	reply := ""
	if a.Transcripts != nil {
		r, err := a.Transcripts.LastReply(ctx, p.ChildSessionKey)
		if err != nil && !errors.Is(err, sessions.ErrNotFound) {
			a.Logger.Debug("reading child reply failed", "child_session_key", p.ChildSessionKey, "error", err)
		}
		reply = r
	}

	params := protocol.AgentParams{
		Message:        BuildAnnounceMessage(p, reply),
		SessionKey:     p.RequesterSessionKey,
		Deliver:        !protocol.IsSubagentSessionKey(p.RequesterSessionKey),
		IdempotencyKey: uuid.New().String(),
	}
	if o := p.RequesterOrigin; !o.IsZero() {
		params.Channel = o.Channel
		params.To = o.To
		params.AccountID = o.AccountID
		params.ThreadID = o.ThreadID
	}

	if _, err := a.Gateway.Agent(ctx, params, p.Timeout); err != nil {
		return false, err
	}

	if p.Cleanup == store.CleanupDelete {
		if err := a.Gateway.DeleteSession(ctx, p.ChildSessionKey, true, p.Timeout); err != nil {
			a.Logger.Warn("deleting child session after announce failed",
				"child_session_key", p.ChildSessionKey,
				"error", err)
		}
	}
	return true, nil
}

// BuildAnnounceMessage renders the message posted to the requester.
func BuildAnnounceMessage(p AnnounceParams, reply string) string {
	name := p.Label
	if name == "" {
		name = p.Task
	}
	if name == "" {
		name = "background task"
	}

	status := "finished with unknown status"
	if p.Outcome != nil {
		switch p.Outcome.Status {
		case store.OutcomeOK:
			status = "completed successfully"
		case store.OutcomeError:
			status = "failed"
			if p.Outcome.Error != "" {
				status = "failed: " + p.Outcome.Error
			}
		}
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = "(no output)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A background task %q just %s.\n\n", name, status)
	b.WriteString("Findings:\n")
	b.WriteString(reply)
	b.WriteString("\n\n")
	b.WriteString(statsLine(p))
	b.WriteString("\n\nSummarize this naturally for the user. Keep it brief.")
	return b.String()
}

func statsLine(p AnnounceParams) string {
	parts := []string{}
	if p.StartedAt > 0 && p.EndedAt >= p.StartedAt {
		runtime := time.Duration(p.EndedAt-p.StartedAt) * time.Millisecond
		parts = append(parts, "runtime "+runtime.Round(time.Second).String())
	} else {
		parts = append(parts, "runtime n/a")
	}
	parts = append(parts, "session "+p.ChildSessionKey)
	if p.RunID != "" {
		parts = append(parts, "run "+p.RunID)
	}
	return "Stats: " + strings.Join(parts, " | ")
}
