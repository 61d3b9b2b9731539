// Package config holds the process settings of the list server.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

const (
	StoreSQLite    = "sqlite"
	StoreAutomerge = "automerge"
	StoreNeo4j     = "neo4j"
)

type Config struct {
	Addr          string
	Store         string
	SQLitePath    string
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string
	FlushInterval time.Duration
	DumpDir       string
	LogLevel      string
}

// LoadDotEnv reads .env style files into the environment before flags are
// parsed. Missing files are ignored; by default ".env" is read.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Flags returns the server flags bound to c. Every flag can also be set from
// a LISTSYNC_ environment variable.
func (c *Config) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "the address to listen on",
			Sources:     cli.EnvVars("LISTSYNC_ADDR"),
			Value:       "localhost:5001",
			Destination: &c.Addr,
		},
		&cli.StringFlag{
			Name:        "store",
			Usage:       "task store backend (sqlite, automerge, neo4j)",
			Sources:     cli.EnvVars("LISTSYNC_STORE"),
			Value:       StoreSQLite,
			Destination: &c.Store,
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "sqlite database file used by the sqlite and automerge stores",
			Sources:     cli.EnvVars("LISTSYNC_SQLITE_PATH"),
			Value:       "listsync.sqlite3",
			Destination: &c.SQLitePath,
		},
		&cli.StringFlag{
			Name:        "neo4j-uri",
			Usage:       "neo4j connection uri",
			Sources:     cli.EnvVars("LISTSYNC_NEO4J_URI"),
			Value:       "neo4j://localhost:7687",
			Destination: &c.Neo4jURI,
		},
		&cli.StringFlag{
			Name:        "neo4j-user",
			Usage:       "neo4j user name",
			Sources:     cli.EnvVars("LISTSYNC_NEO4J_USER"),
			Value:       "neo4j",
			Destination: &c.Neo4jUser,
		},
		&cli.StringFlag{
			Name:        "neo4j-password",
			Usage:       "neo4j password",
			Sources:     cli.EnvVars("LISTSYNC_NEO4J_PASSWORD"),
			Destination: &c.Neo4jPassword,
		},
		&cli.StringFlag{
			Name:        "neo4j-database",
			Usage:       "neo4j database name, empty for the server default",
			Sources:     cli.EnvVars("LISTSYNC_NEO4J_DATABASE"),
			Destination: &c.Neo4jDatabase,
		},
		&cli.DurationFlag{
			Name:        "flush-interval",
			Usage:       "how often buffered stores are written to disk",
			Sources:     cli.EnvVars("LISTSYNC_FLUSH_INTERVAL"),
			Value:       5 * time.Second,
			Destination: &c.FlushInterval,
		},
		&cli.StringFlag{
			Name:        "dump-dir",
			Usage:       "directory to dump automerge documents into on shutdown, empty to skip",
			Sources:     cli.EnvVars("LISTSYNC_DUMP_DIR"),
			Destination: &c.DumpDir,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Sources:     cli.EnvVars("LISTSYNC_LOG_LEVEL"),
			Value:       "info",
			Destination: &c.LogLevel,
		},
	}
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreSQLite, StoreAutomerge:
		if c.SQLitePath == "" {
			return fmt.Errorf("--sqlite-path is required for the %s store", c.Store)
		}
	case StoreNeo4j:
		if c.Neo4jURI == "" {
			return errors.New("--neo4j-uri is required for the neo4j store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
