package main

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/relink/crypto"
	"github.com/onnwee/relink/testutil"
)

// base64 of a fixed 32-byte key, test use only.
const testKey = "QUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUE="

func TestMigrateTokensDryRun(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	enc, err := crypto.NewAESEncryptor(testKey)
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	_, err = database.ExecContext(ctx,
		`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, encryption_version)
		 VALUES ($1, $2, $3, $4, $5, 0)
		 ON CONFLICT (provider) DO UPDATE SET access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token, encryption_version=0`,
		"mig-dryrun", "plain-access", "plain-refresh", time.Now().Add(time.Hour), "chat:write")
	if err != nil {
		t.Fatalf("insert token: %v", err)
	}
	t.Cleanup(func() {
		_, _ = database.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider LIKE 'mig-%'`)
	})

	if err := migrateTokens(ctx, database, enc, true, "mig-dryrun"); err != nil {
		t.Fatalf("migrateTokens dry run: %v", err)
	}

	var access string
	var version int
	err = database.QueryRowContext(ctx,
		`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider = $1`, "mig-dryrun").
		Scan(&access, &version)
	if err != nil {
		t.Fatalf("query token: %v", err)
	}
	if access != "plain-access" || version != 0 {
		t.Errorf("dry run modified the row: access=%q version=%d", access, version)
	}
}

func TestMigrateTokensEncryptsInPlace(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	enc, err := crypto.NewAESEncryptor(testKey)
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	_, err = database.ExecContext(ctx,
		`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, encryption_version)
		 VALUES ($1, $2, $3, $4, $5, 0)
		 ON CONFLICT (provider) DO UPDATE SET access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token, encryption_version=0`,
		"mig-real", "plain-access", "plain-refresh", time.Now().Add(time.Hour), "chat:write")
	if err != nil {
		t.Fatalf("insert token: %v", err)
	}
	t.Cleanup(func() {
		_, _ = database.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider LIKE 'mig-%'`)
	})

	if err := migrateTokens(ctx, database, enc, false, "mig-real"); err != nil {
		t.Fatalf("migrateTokens: %v", err)
	}

	var access, refresh string
	var version int
	err = database.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, encryption_version FROM oauth_tokens WHERE provider = $1`, "mig-real").
		Scan(&access, &refresh, &version)
	if err != nil {
		t.Fatalf("query token: %v", err)
	}
	if version != 1 {
		t.Fatalf("encryption_version = %d, want 1", version)
	}
	if access == "plain-access" || refresh == "plain-refresh" {
		t.Fatal("tokens left in plaintext")
	}
	// Ciphertext round-trips back to the original values.
	gotAccess, err := crypto.DecryptString(enc, access)
	if err != nil {
		t.Fatalf("decrypt access: %v", err)
	}
	if gotAccess != "plain-access" {
		t.Errorf("decrypted access = %q, want plain-access", gotAccess)
	}

	// A second run finds nothing left to migrate.
	if err := migrateTokens(ctx, database, enc, false, "mig-real"); err != nil {
		t.Fatalf("second migrateTokens run: %v", err)
	}
}
