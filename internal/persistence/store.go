package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"killswitch/internal/config"
	"killswitch/internal/models"
	"killswitch/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrStateCorrupt - ни основной файл, ни резервные копии не читаются
var ErrStateCorrupt = errors.New("state file corrupt and no usable backup")

const (
	backupPrefix     = "state-"
	backupSuffix     = ".json"
	backupTimeLayout = "20060102T150405.000000000Z"
)

// FileStore хранит снимок состояния в одном JSON файле.
//
// Запись атомарна: временный файл -> fsync -> rename -> fsync каталога.
// Перед каждой перезаписью текущий файл копируется в каталог резервных
// копий; хранятся только MaxBackups последних.
type FileStore struct {
	path       string
	backupDir  string
	maxBackups int
	logger     *utils.Logger
	now        func() time.Time

	mu sync.Mutex
}

// NewFileStore создаёт каталоги и возвращает хранилище
func NewFileStore(cfg config.PersistenceConfig, logger *utils.Logger) (*FileStore, error) {
	if cfg.StateFile == "" {
		return nil, fmt.Errorf("state file path is empty")
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(cfg.StateFile), "backups")
	}
	maxBackups := cfg.MaxBackups
	if maxBackups < 0 {
		maxBackups = 0
	}

	if err := os.MkdirAll(filepath.Dir(cfg.StateFile), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if maxBackups > 0 {
		if err := os.MkdirAll(backupDir, 0o755); err != nil {
			return nil, fmt.Errorf("create backup dir: %w", err)
		}
	}

	return &FileStore{
		path:       cfg.StateFile,
		backupDir:  backupDir,
		maxBackups: maxBackups,
		logger:     logger.WithComponent("persistence"),
		now:        time.Now,
	}, nil
}

// Path - путь к файлу состояния
func (s *FileStore) Path() string {
	return s.path
}

// Save атомарно записывает снимок
func (s *FileStore) Save(state models.PersistedState) error {
	if state.Version == 0 {
		state.Version = models.PersistedStateVersion
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backupCurrent(); err != nil {
		// копия не обязательна для записи нового снимка
		s.logger.Warn("state backup failed", utils.Err(err))
	}

	if err := writeAtomic(s.path, data); err != nil {
		return err
	}

	if err := s.prune(); err != nil {
		s.logger.Warn("backup pruning failed", utils.Err(err))
	}
	return nil
}

// Load читает снимок. Нет файла и нет копий - nil, nil.
// Повреждённый файл заменяется самой новой читаемой копией.
func (s *FileStore) Load() (*models.PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		st, derr := decode(data)
		if derr == nil {
			return st, nil
		}
		s.logger.Warn("state file unreadable, trying backups", utils.Path(s.path), utils.Err(derr))

	case errors.Is(err, os.ErrNotExist):
		backups, _ := s.listBackups()
		if len(backups) == 0 {
			return nil, nil
		}
		s.logger.Warn("state file missing, trying backups", utils.Path(s.path))

	default:
		s.logger.Warn("state file read failed, trying backups", utils.Path(s.path), utils.Err(err))
	}

	return s.loadFromBackups()
}

// Backups возвращает пути резервных копий, новые первыми
func (s *FileStore) Backups() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listBackups()
}

func (s *FileStore) loadFromBackups() (*models.PersistedState, error) {
	backups, err := s.listBackups()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}

	for _, path := range backups {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		st, err := decode(data)
		if err != nil {
			s.logger.Warn("backup unreadable", utils.Path(path), utils.Err(err))
			continue
		}
		s.logger.Warn("state restored from backup", utils.Path(path), utils.State(string(st.State)))
		return st, nil
	}
	return nil, ErrStateCorrupt
}

// backupCurrent копирует текущий файл в каталог копий (вызывается под mu)
func (s *FileStore) backupCurrent() error {
	if s.maxBackups == 0 {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read current state: %w", err)
	}

	name := backupPrefix + s.now().UTC().Format(backupTimeLayout) + backupSuffix
	return writeAtomic(filepath.Join(s.backupDir, name), data)
}

// prune оставляет maxBackups новейших копий
func (s *FileStore) prune() error {
	if s.maxBackups == 0 {
		return nil
	}
	backups, err := s.listBackups()
	if err != nil {
		return err
	}
	for _, path := range backups[min(len(backups), s.maxBackups):] {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove backup %s: %w", path, err)
		}
	}
	return nil
}

// listBackups - копии по убыванию времени (имя содержит UTC метку)
func (s *FileStore) listBackups() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(s.backupDir, n)
	}
	return paths, nil
}

// decode разбирает и проверяет снимок
func decode(data []byte) (*models.PersistedState, error) {
	var st models.PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if st.Version > models.PersistedStateVersion {
		return nil, fmt.Errorf("unsupported state version %d", st.Version)
	}
	if !st.State.Valid() {
		return nil, fmt.Errorf("unknown state %q", st.State)
	}
	if st.PositionLimitFactor < 0 || st.PositionLimitFactor > 1 {
		return nil, fmt.Errorf("position limit factor %g out of range", st.PositionLimitFactor)
	}
	return &st, nil
}

// writeAtomic: временный файл в том же каталоге, fsync, rename, fsync каталога
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	success = true

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
