package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrTooManyTimeouts is returned by Run when the modem stops answering
var ErrTooManyTimeouts = errors.New("modem not responding after repeated timeouts")

const maxConsecutiveTimeouts = 3

// Stats is a snapshot of gateway counters
type Stats struct {
	Pending        int       `json:"pending"`
	Decoded        uint64    `json:"decoded"`
	Forwarded      uint64    `json:"forwarded"`
	DecodeFailures uint64    `json:"decode_failures"`
	Dropped        uint64    `json:"dropped"`
	LastPoll       time.Time `json:"last_poll"`
}

// GatewayConfig holds loop timing and delivery behaviour
type GatewayConfig struct {
	PollInterval    time.Duration
	CleanupInterval time.Duration
	HealthInterval  time.Duration
	DryRun          bool // forward to log only and never delete from SIM
}

// Gateway moves SMS from modem storage to a Forwarder. It outlives modem
// reconnects so partial messages and counters survive a reset.
type Gateway struct {
	cfg       GatewayConfig
	concat    *Concatenator
	forwarder Forwarder

	mu      sync.Mutex
	stats   Stats
	orphans []int // SIM slots of parts dropped by the concatenator
}

// NewGateway wires concat and forwarder together
func NewGateway(cfg GatewayConfig, concat *Concatenator, forwarder Forwarder) *Gateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 60 * time.Second
	}

	g := &Gateway{cfg: cfg, concat: concat, forwarder: forwarder}
	concat.OnDrop(func(sources []int) {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.orphans = append(g.orphans, sources...)
		g.stats.Dropped++
	})
	return g
}

// Stats returns a copy of the current counters
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	s := g.stats
	g.mu.Unlock()
	s.Pending = g.concat.Pending()
	return s
}

// Poll reads every stored PDU, forwards complete messages and deletes their
// parts from storage. Parts of incomplete messages stay stored. A decode
// failure skips that PDU only.
func (g *Gateway) Poll(ctx context.Context, modem *Modem) error {
	g.deleteOrphans(modem)

	stored, err := modem.ListPDUs()
	if err != nil {
		return fmt.Errorf("failed to list SMS messages: %w", err)
	}

	g.mu.Lock()
	g.stats.LastPoll = time.Now()
	g.mu.Unlock()

	if len(stored) == 0 {
		slog.Debug("No messages found")
		return nil
	}
	slog.Info("Found SMS messages", "count", len(stored))

	for _, s := range stored {
		msg, err := ParsePDU(s.PDU)
		if err != nil {
			slog.Warn("Failed to parse PDU", "index", s.Index, "pdu", s.PDU, "error", err)
			g.count(func(st *Stats) { st.DecodeFailures++ })
			continue
		}
		msg.SourceID = s.Index
		g.count(func(st *Stats) { st.Decoded++ })

		if msg.Part.IsMultipart {
			slog.Debug("Multipart SMS part",
				"index", s.Index,
				"ref", msg.Part.Ref,
				"part", msg.Part.PartNumber,
				"total", msg.Part.TotalParts,
			)
		}

		complete := g.concat.AddPart(msg)
		if complete == nil {
			continue
		}

		if err := g.forwarder.Forward(ctx, complete); err != nil {
			slog.Error("Failed to forward SMS", "sink", g.forwarder.Name(), "index", s.Index, "error", err)
			return fmt.Errorf("failed to deliver SMS: %w", err)
		}
		g.count(func(st *Stats) { st.Forwarded++ })
		slog.Info("SMS forwarded successfully",
			"from", complete.Sender,
			"parts", complete.SegmentCount(),
			"indices", complete.Sources(),
		)

		g.delete(modem, complete.Sources())
	}

	if pending := g.concat.Pending(); pending > 0 {
		slog.Info("Some multipart messages are incomplete - waiting for more parts", "pending", pending)
	}
	return nil
}

// Run polls until ctx is done or the modem needs attention
func (g *Gateway) Run(ctx context.Context, modem *Modem) error {
	pollTicker := time.NewTicker(g.cfg.PollInterval)
	defer pollTicker.Stop()
	cleanupTicker := time.NewTicker(g.cfg.CleanupInterval)
	defer cleanupTicker.Stop()
	healthTicker := time.NewTicker(g.cfg.HealthInterval)
	defer healthTicker.Stop()

	slog.Info("Starting SMS polling loop",
		"poll_interval", g.cfg.PollInterval,
		"cleanup_interval", g.cfg.CleanupInterval,
		"health_check_interval", g.cfg.HealthInterval,
	)

	timeouts := 0
	poll := func() error {
		err := g.Poll(ctx, modem)
		if err == nil {
			timeouts = 0
			return nil
		}
		return g.handleError(modem, err, &timeouts)
	}

	if err := poll(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Context cancelled, exiting polling loop")
			return nil

		case now := <-cleanupTicker.C:
			if n := g.concat.Cleanup(now); n > 0 {
				slog.Info("Dropped incomplete multipart messages", "count", n)
			}

		case <-healthTicker.C:
			slog.Debug("Running modem health check")
			if err := modem.Ping(); err != nil {
				if IsTimeoutError(err) {
					return &DiagnosticError{
						Type:    ErrTypeModemNotResponding,
						Message: fmt.Sprintf("Modem health check failed: %v", err),
						Err:     err,
					}
				}
				slog.Warn("Modem health check returned ERROR - running diagnostics")
				if diagErr := modem.Diagnose(); diagErr != nil {
					return diagErr
				}
			}
			timeouts = 0

		case <-pollTicker.C:
			if err := poll(); err != nil {
				return err
			}
		}
	}
}

// handleError decides whether a poll error ends the loop
func (g *Gateway) handleError(modem *Modem, err error, timeouts *int) error {
	slog.Error("Error processing messages", "error", err)

	switch {
	case IsTimeoutError(err):
		*timeouts++
		slog.Warn("Modem timeout", "consecutive", *timeouts, "max", maxConsecutiveTimeouts)
		if *timeouts >= maxConsecutiveTimeouts {
			return &DiagnosticError{
				Type:    ErrTypeModemNotResponding,
				Message: fmt.Sprintf("Modem not responding after %d attempts: %v", *timeouts, err),
				Err:     ErrTooManyTimeouts,
			}
		}
	case IsModemError(err):
		slog.Warn("Modem returned ERROR - running diagnostics to determine cause")
		if diagErr := modem.Diagnose(); diagErr != nil {
			return diagErr
		}
		return &DiagnosticError{
			Type:    ErrTypeModemNotResponding,
			Message: fmt.Sprintf("Modem command failed: %v", err),
			Err:     err,
		}
	}
	// delivery failures are retried on the next poll
	return nil
}

func (g *Gateway) delete(modem *Modem, indices []int) {
	if g.cfg.DryRun {
		slog.Info("DRY_RUN: Skipping SMS deletion", "indices", indices)
		return
	}
	for _, idx := range indices {
		slog.Debug("Deleting SMS from SIM", "index", idx)
		if err := modem.Delete(idx); err != nil {
			slog.Error("Failed to delete SMS", "error", err, "index", idx)
		}
	}
}

func (g *Gateway) deleteOrphans(modem *Modem) {
	g.mu.Lock()
	orphans := g.orphans
	g.orphans = nil
	g.mu.Unlock()

	if len(orphans) == 0 {
		return
	}
	slog.Warn("Deleting parts of dropped multipart SMS", "indices", orphans)
	g.delete(modem, orphans)
}

func (g *Gateway) count(fn func(*Stats)) {
	g.mu.Lock()
	fn(&g.stats)
	g.mu.Unlock()
}
