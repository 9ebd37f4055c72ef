package id

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

// ParseStrategy maps a config value onto a Strategy. Unknown values fall
// back to KSUID.
func ParseStrategy(name string) Strategy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "uuidv7", "uuid":
		return StrategyUUIDv7
	default:
		return StrategyKSUID
	}
}

// Generator produces record identifiers with a fixed strategy. The zero
// value and a nil *Generator both use KSUID.
type Generator struct {
	strategy Strategy
}

// NewGenerator returns a generator for strategy.
func NewGenerator(strategy Strategy) *Generator {
	return &Generator{strategy: strategy}
}

// Strategy reports the configured algorithm.
func (g *Generator) Strategy() Strategy {
	if g == nil {
		return StrategyKSUID
	}
	return g.strategy
}

// NewRecordID returns an identifier for a persisted task record.
func (g *Generator) NewRecordID() string {
	return g.newIdentifier("task")
}

// NewClientID returns a broker client id. Brokers drop a session when a
// second client connects with the same id, so every process gets its own.
func NewClientID(service string) string {
	if service == "" {
		service = "intake"
	}
	return fmt.Sprintf("%s-%s", service, strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func (g *Generator) newIdentifier(prefix string) string {
	body := ""
	if g.Strategy() == StrategyUUIDv7 {
		if v7, err := uuid.NewV7(); err == nil {
			body = v7.String()
		}
	}
	if body == "" {
		body = ksuid.New().String()
	}
	return fmt.Sprintf("%s-%s", prefix, body)
}
