// Package inbound processes incoming user messages.
//
// The processor consumes the messaging service's inbound channel, handles
// conversation commands, extracts health facts into the user's documents, and
// replies through the GenAI client.
package inbound

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CarePulse/internal/extract"
	"github.com/BTreeMap/CarePulse/internal/messaging"
	"github.com/BTreeMap/CarePulse/internal/models"
	"github.com/BTreeMap/CarePulse/internal/scheduler"
	"github.com/BTreeMap/CarePulse/internal/store"
)

// Canned command replies.
const (
	ResetReply        = "Your conversation has been reset. How can I help you with your chemotherapy care today?"
	RemindersOnReply  = "I've turned on your check-in reminders. I'll check in with you regularly to see how you're doing."
	RemindersOffReply = "I've turned off your check-in reminders. You won't receive scheduled check-ins, but you can still message me anytime for support."
	FallbackReply     = "I'm sorry, I couldn't process that request."
)

// ReplyGenerator produces conversational replies and manages chat sessions.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, userID, message string) (string, error)
	ResetSession(userID string)
}

// Processor routes inbound messages to commands, extraction, and the
// conversational reply path.
type Processor struct {
	manager   *scheduler.Manager
	msg       messaging.Service
	gen       ReplyGenerator
	extractor extract.Extractor
	store     store.Store
}

// NewProcessor creates an inbound message processor.
func NewProcessor(manager *scheduler.Manager, msg messaging.Service, gen ReplyGenerator, extractor extract.Extractor, st store.Store) *Processor {
	return &Processor{
		manager:   manager,
		msg:       msg,
		gen:       gen,
		extractor: extractor,
		store:     st,
	}
}

// Start consumes the inbound channel until it closes or ctx is canceled.
func (p *Processor) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-p.msg.Inbound():
				if !ok {
					return
				}
				p.Process(ctx, msg)
			}
		}
	}()
}

// Process handles a single inbound message end to end.
func (p *Processor) Process(ctx context.Context, msg models.InboundMessage) {
	// Canonicalize the sender exactly like the HTTP handlers do, so the
	// conversation and the API land on the same user documents.
	from, err := p.msg.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Error("Processor.Process: invalid sender, dropping message", "error", err, "from", msg.From)
		return
	}
	slog.Info("Processor.Process: inbound message", "from", from, "body_length", len(msg.Body))

	if p.store != nil {
		if err := p.store.AddInbound(models.InboundMessage{From: from, Body: msg.Body, Time: msg.Time}); err != nil {
			slog.Error("Processor.Process: failed to log inbound message", "error", err, "from", from)
		}
	}

	engine := p.manager.GetOrCreate(from)
	if err := engine.TouchInteraction(); err != nil {
		slog.Error("Processor.Process: failed to stamp interaction", "error", err, "from", from)
	}

	if reply, handled := p.handleCommand(from, msg.Body, engine); handled {
		p.send(ctx, from, reply)
		return
	}

	p.applyExtraction(from, msg.Body, engine)

	if p.gen == nil {
		slog.Debug("Processor.Process: no reply generator configured, skipping reply", "from", from)
		return
	}
	reply, err := p.gen.GenerateReply(ctx, from, msg.Body)
	if err != nil {
		slog.Error("Processor.Process: reply generation failed", "error", err, "from", from)
		reply = FallbackReply
	}
	p.send(ctx, from, reply)
}

// handleCommand checks for conversation commands and executes them.
func (p *Processor) handleCommand(from, body string, engine *scheduler.Engine) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(body))
	switch {
	case lower == "reset" || lower == "restart":
		if p.gen != nil {
			p.gen.ResetSession(from)
		}
		return ResetReply, true
	case strings.Contains(lower, "reminders on") || strings.Contains(lower, "turn on reminders"):
		if err := engine.SetPreferences(&models.SchedulePreferences{ReminderEnabled: true}); err != nil {
			slog.Error("Processor.handleCommand: failed to enable reminders", "error", err, "from", from)
			return FallbackReply, true
		}
		return RemindersOnReply, true
	case strings.Contains(lower, "reminders off") || strings.Contains(lower, "turn off reminders"):
		if err := engine.SetPreferences(&models.SchedulePreferences{ReminderEnabled: false}); err != nil {
			slog.Error("Processor.handleCommand: failed to disable reminders", "error", err, "from", from)
			return FallbackReply, true
		}
		return RemindersOffReply, true
	}
	return "", false
}

// applyExtraction writes any extracted facts into the user's documents.
// Extraction failures never block the conversational reply.
func (p *Processor) applyExtraction(from, body string, engine *scheduler.Engine) {
	result := p.extractor.Extract(body)

	if result.Name != "" || result.Diagnosis != "" {
		err := engine.UpdateProfile(func(profile *models.UserProfile) {
			if result.Name != "" {
				profile.Name = result.Name
			}
			if result.Diagnosis != "" {
				profile.Diagnosis = result.Diagnosis
			}
		})
		if err != nil {
			slog.Error("Processor.applyExtraction: profile update failed", "error", err, "from", from)
		} else {
			slog.Info("Processor.applyExtraction: profile updated", "from", from, "name_set", result.Name != "", "diagnosis_set", result.Diagnosis != "")
		}
	}

	for _, mention := range result.Symptoms {
		if err := engine.AddSymptom(mention.Name, mention.Severity); err != nil {
			slog.Error("Processor.applyExtraction: failed to record symptom", "error", err, "from", from, "symptom", mention.Name)
		}
	}

	if result.HasWellnessInfo {
		if err := engine.SetWellnessRating(result.WellnessRating); err != nil {
			slog.Error("Processor.applyExtraction: failed to record wellness rating", "error", err, "from", from)
		}
	}
}

func (p *Processor) send(ctx context.Context, to, body string) {
	if err := p.msg.SendMessage(ctx, to, body); err != nil {
		slog.Error("Processor.send: failed to send reply", "error", err, "to", to)
	}
}
