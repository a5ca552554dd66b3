package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	fulfillment "github.com/goliatone/go-fulfillment"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	rootPath = "data/sql/migrations"
)

// FilesystemSpec is one dialect's migration directory inside the embedded FS.
type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	ValidationTargets []string
	Filesystems       []FilesystemSpec
}

type RegisterFunc func(ctx context.Context, dialect string, fsys fs.FS) error

type Option func(*Registration)

// WithValidationTargets limits registration to the named dialects.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		next := make([]string, 0, len(targets))
		for _, target := range targets {
			if dialect := NormalizeDialect(target); dialect != "" {
				next = append(next, dialect)
			}
		}
		if len(next) == 0 {
			return
		}
		r.ValidationTargets = dedupe(next)
	}
}

// NormalizeDialect maps driver names and aliases onto a supported dialect.
// Unknown names are returned lowercased.
func NormalizeDialect(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	switch name {
	case "postgresql", "pg", "pgx", DialectPostgres:
		return DialectPostgres
	case "sqlite3", DialectSQLite:
		return DialectSQLite
	default:
		return name
	}
}

// Filesystems returns the postgres and sqlite migration directories. Every
// directory must hold at least one up migration and each up file needs a
// matching down file.
func Filesystems() ([]FilesystemSpec, error) {
	root := fulfillment.GetMigrationsFS()
	base, err := fs.Sub(root, rootPath)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", rootPath, err)
	}
	sqliteFS, err := fs.Sub(base, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite filesystem: %w", err)
	}

	filesystems := []FilesystemSpec{
		{Dialect: DialectPostgres, Path: rootPath, FS: base},
		{Dialect: DialectSQLite, Path: rootPath + "/sqlite", FS: sqliteFS},
	}
	for _, fsys := range filesystems {
		if err := checkPairs(fsys); err != nil {
			return nil, err
		}
	}
	return filesystems, nil
}

func checkPairs(fsys FilesystemSpec) error {
	ups, err := fs.Glob(fsys.FS, "*.up.sql")
	if err != nil {
		return fmt.Errorf("migrations: glob %s %s: %w", fsys.Dialect, fsys.Path, err)
	}
	if len(ups) == 0 {
		return fmt.Errorf("migrations: %s filesystem %q has no *.up.sql files", fsys.Dialect, fsys.Path)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(fsys.FS, down); err != nil {
			return fmt.Errorf("migrations: %s %s has no matching %s", fsys.Dialect, up, down)
		}
	}
	return nil
}

// Register hands each targeted dialect filesystem to registerFn. Both
// dialects are targeted unless WithValidationTargets narrows them.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}
	for _, target := range reg.ValidationTargets {
		if target != DialectPostgres && target != DialectSQLite {
			return reg, fmt.Errorf("migrations: unsupported dialect %q", target)
		}
	}

	filesystems, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = filesystems

	for _, fsys := range reg.Filesystems {
		if !slices.Contains(reg.ValidationTargets, fsys.Dialect) {
			continue
		}
		if err := registerFn(ctx, fsys.Dialect, fsys.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", fsys.Dialect, fsys.Path, err)
		}
	}
	return reg, nil
}

// ForDialect returns the embedded migration filesystem for one dialect.
func ForDialect(dialect string) (fs.FS, error) {
	dialect = NormalizeDialect(dialect)
	filesystems, err := Filesystems()
	if err != nil {
		return nil, err
	}
	for _, fsys := range filesystems {
		if fsys.Dialect == dialect {
			return fsys.FS, nil
		}
	}
	return nil, fmt.Errorf("migrations: unsupported dialect %q", dialect)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
