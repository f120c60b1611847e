package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/timelock-gifts/internal/logging"
)

// RunClickHouseMigrations applies every .sql file in migrationsPath in name order.
// Statements must be idempotent (CREATE ... IF NOT EXISTS).
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, migrationsPath string) error {
	logger := logging.Component("clickhouse-migrate")

	files, err := os.ReadDir(migrationsPath)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		content, err := os.ReadFile(filepath.Join(migrationsPath, filename)) // #nosec G304 - trusted migrations path
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", filename, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute statement %d in %s: %w", i+1, filename, err)
			}
		}
		logger.WithField("file", filename).Info("Applied ClickHouse migration")
	}

	return nil
}

// splitSQLStatements splits SQL content on trailing semicolons, dropping comment-only lines
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return statements
}
