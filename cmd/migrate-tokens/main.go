// Command migrate-tokens encrypts plaintext oauth_tokens rows in place.
//
// Rows with encryption_version=0 are rewritten as AES-256-GCM ciphertext with
// encryption_version=1. ENCRYPTION_KEY (base64, 32 bytes) and DB_DSN are
// required.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider NAME]
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/relink/crypto"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report what would be migrated without writing")
	provider := flag.String("provider", "", "migrate a single provider (default: all)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN is required")
		os.Exit(1)
	}
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Error("ENCRYPTION_KEY is required")
		os.Exit(1)
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		slog.Error("initialize encryptor", slog.Any("err", err))
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("open database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("ping database", slog.Any("err", err))
		os.Exit(1)
	}
	if err := migrateTokens(ctx, database, enc, *dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
}

type tokenRow struct {
	provider string
	access   string
	refresh  string
}

func migrateTokens(ctx context.Context, database *sql.DB, enc crypto.Encryptor, dryRun bool, providerFilter string) error {
	query := `SELECT provider, access_token, refresh_token FROM oauth_tokens WHERE encryption_version = 0`
	var args []any
	if providerFilter != "" {
		query += ` AND provider = $1`
		args = append(args, providerFilter)
	}
	query += ` ORDER BY provider`
	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query plaintext tokens: %w", err)
	}
	defer rows.Close()

	var tokens []tokenRow
	for rows.Next() {
		var t tokenRow
		if err := rows.Scan(&t.provider, &t.access, &t.refresh); err != nil {
			return fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(tokens) == 0 {
		slog.Info("no plaintext tokens to migrate")
		return nil
	}
	slog.Info("plaintext tokens found", slog.Int("count", len(tokens)), slog.Bool("dry_run", dryRun))

	var errorCount int
	for _, t := range tokens {
		logger := slog.With(slog.String("provider", t.provider))
		if dryRun {
			logger.Info("would migrate token")
			continue
		}
		if err := migrateOne(ctx, database, enc, t); err != nil {
			logger.Error("migrate token", slog.Any("err", err))
			errorCount++
			continue
		}
		logger.Info("token migrated")
	}
	if errorCount > 0 {
		return fmt.Errorf("migration finished with %d errors", errorCount)
	}
	return nil
}

func migrateOne(ctx context.Context, database *sql.DB, enc crypto.Encryptor, t tokenRow) error {
	encAccess, err := crypto.EncryptString(enc, t.access)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := crypto.EncryptString(enc, t.refresh)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	res, err := database.ExecContext(ctx, `
		UPDATE oauth_tokens
		SET access_token = $1, refresh_token = $2,
		    encryption_version = 1, encryption_key_id = 'default', updated_at = NOW()
		WHERE provider = $3 AND encryption_version = 0`,
		encAccess, encRefresh, t.provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d", n)
	}
	return nil
}
