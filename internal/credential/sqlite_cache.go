package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCache persists credentials in a local SQLite file so the cache
// survives process restarts. Used as the durable "local cache" behind the
// on-chain registry when Redis is not available.
type SQLiteCache struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	subject    TEXT PRIMARY KEY,
	issuer     TEXT NOT NULL,
	ctype      TEXT NOT NULL,
	level      INTEGER NOT NULL,
	issued_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	on_chain   INTEGER NOT NULL,
	proof      TEXT NOT NULL
);
`

// NewSQLiteCache opens (and if needed creates) the cache database at path.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	if path == "" {
		return nil, errors.New("SQLite 缓存路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 缓存失败: %w", err)
	}
	// modernc sqlite is single-writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化凭证缓存表失败: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

// Get returns the credential cached for address; expired rows are misses.
func (s *SQLiteCache) Get(ctx context.Context, address string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT subject, issuer, ctype, level, issued_at, expires_at, on_chain, proof
		 FROM credentials WHERE subject = ?`, address)

	var cred Credential
	var ctype string
	var issuedAt, expiresAt int64
	var onChain int
	err := row.Scan(&cred.Subject, &cred.Issuer, &ctype, &cred.Level, &issuedAt, &expiresAt, &onChain, &cred.Proof)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("读取凭证缓存失败: %w", err)
	}
	cred.Type = Type(ctype)
	cred.IssuedAt = time.Unix(issuedAt, 0)
	cred.ExpiresAt = time.Unix(expiresAt, 0)
	cred.OnChain = onChain != 0
	if !cred.Valid(time.Now()) {
		return nil, ErrCacheMiss
	}
	return &cred, nil
}

// Put upserts the credential row for its subject.
func (s *SQLiteCache) Put(ctx context.Context, cred *Credential) error {
	if cred == nil || cred.Subject == "" {
		return errors.New("凭证主体不能为空")
	}
	onChain := 0
	if cred.OnChain {
		onChain = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (subject, issuer, ctype, level, issued_at, expires_at, on_chain, proof)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(subject) DO UPDATE SET
			issuer = excluded.issuer,
			ctype = excluded.ctype,
			level = excluded.level,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			on_chain = excluded.on_chain,
			proof = excluded.proof`,
		cred.Subject, cred.Issuer, string(cred.Type), cred.Level,
		cred.IssuedAt.Unix(), cred.ExpiresAt.Unix(), onChain, cred.Proof)
	if err != nil {
		return fmt.Errorf("写入凭证缓存失败: %w", err)
	}
	return nil
}

// Delete removes the credential row for address.
func (s *SQLiteCache) Delete(ctx context.Context, address string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE subject = ?`, address); err != nil {
		return fmt.Errorf("删除凭证缓存失败: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteCache) Close() error {
	return s.db.Close()
}

var _ Cache = (*SQLiteCache)(nil)
