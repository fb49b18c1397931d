package bootstrap

import (
	"fmt"

	"aegis/storage"

	"go.uber.org/zap"
)

// StorageComponents holds the SQLite handle and the repositories built on it
type StorageComponents struct {
	SQLite     *storage.SQLite
	Playbooks  *storage.SQLitePlaybookStorage
	Executions *storage.SQLiteExecutionStorage
}

// InitSQLite opens the database at path, applies migrations and builds the
// playbook and execution repositories
func InitSQLite(path string, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	db, err := storage.NewSQLite(path, sugar)
	if err != nil {
		sugar.Error(ClassifySQLiteError(err, path))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	sugar.Infow("SQLite storage ready", "path", path)
	return &StorageComponents{
		SQLite:     db,
		Playbooks:  storage.NewSQLitePlaybookStorage(db, sugar),
		Executions: storage.NewSQLiteExecutionStorage(db, sugar),
	}, nil
}

// Close releases the database handles
func (s *StorageComponents) Close() error {
	if s == nil || s.SQLite == nil {
		return nil
	}
	return s.SQLite.Close()
}
