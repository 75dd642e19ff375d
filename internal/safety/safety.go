// Package safety gates text against content policy before it reaches the model.
package safety

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/kotoba/internal/logger"
	"github.com/harunnryd/kotoba/internal/telemetry"
)

type Direction string

const (
	Input  Direction = "input"
	Output Direction = "output"
)

type Action string

const (
	Allow Action = "allow"
	Block Action = "block"
)

// Verdict is a filter's decision. Message explains a block to the caller.
type Verdict struct {
	Action  Action `json:"action"`
	Message string `json:"message,omitempty"`
	Filter  string `json:"filter,omitempty"`
}

func (v Verdict) Blocked() bool { return v.Action == Block }

func Allowed() Verdict { return Verdict{Action: Allow} }

type Filter interface {
	Check(ctx context.Context, text string, dir Direction) (Verdict, error)
}

// AllowAll lets everything through.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string, Direction) (Verdict, error) {
	return Allowed(), nil
}

// Chain runs filters in order and returns the first block.
type Chain []Filter

func (c Chain) Check(ctx context.Context, text string, dir Direction) (Verdict, error) {
	for _, f := range c {
		v, err := f.Check(ctx, text, dir)
		if err != nil {
			return Verdict{}, err
		}
		if v.Blocked() {
			return v, nil
		}
	}
	return Allowed(), nil
}

const defaultBlockMessage = "Your message was blocked by the content policy."

// Gate applies a Filter with an error policy. With failOpen unset an erroring filter blocks.
type Gate struct {
	filter   Filter
	failOpen bool
	audit    *AuditLog
	metrics  *telemetry.Metrics
}

func NewGate(filter Filter, failOpen bool, audit *AuditLog, metrics *telemetry.Metrics) *Gate {
	if filter == nil {
		filter = AllowAll{}
	}
	return &Gate{filter: filter, failOpen: failOpen, audit: audit, metrics: metrics}
}

// Check never fails; filter errors are folded into the verdict per the error policy.
func (g *Gate) Check(ctx context.Context, text string, dir Direction) Verdict {
	log := logger.From(ctx)

	v, err := g.filter.Check(ctx, text, dir)
	if err != nil {
		if g.failOpen {
			log.Warn("Safety filter failed, allowing", "direction", dir, "error", err)
			v = Allowed()
		} else {
			log.Warn("Safety filter failed, blocking", "direction", dir, "error", err)
			v = Verdict{Action: Block, Message: "Content could not be checked; please try again later.", Filter: "error"}
		}
	}
	if v.Blocked() && strings.TrimSpace(v.Message) == "" {
		v.Message = defaultBlockMessage
	}

	g.metrics.SafetyVerdict(string(v.Action))
	if v.Blocked() {
		log.Info("Content blocked", "direction", dir, "filter", v.Filter)
	}
	if g.audit != nil {
		if aerr := g.audit.Log(ctx, AuditEntry{Direction: dir, Verdict: v, Text: text, Error: errString(err)}); aerr != nil {
			log.Warn("Failed to write safety audit entry", "error", aerr)
		}
	}
	return v
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
