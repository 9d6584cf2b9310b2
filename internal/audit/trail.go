package audit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"

	"killswitch/internal/config"
	"killswitch/internal/models"
	"killswitch/pkg/utils"
)

// trail.go - журнал аудита (JSON Lines, только дозапись)
//
// Файлы: audit-YYYY-MM-DD.jsonl, при превышении размера
// audit-YYYY-MM-DD.N.jsonl; после сжатия добавляется .gz.
// Каждая запись получает возрастающий Seq и сбрасывается на диск (fsync)
// до возврата из Append.

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	filePrefix = "audit-"
	fileExt    = ".jsonl"
	gzExt      = ".gz"

	maxLineSize = 1 << 20
)

// ErrClosed - журнал закрыт
var ErrClosed = errors.New("audit trail closed")

// Option - функциональная опция Trail
type Option func(*Trail)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// WithSink добавляет асинхронное зеркало
func WithSink(s *AsyncSink) Option {
	return func(t *Trail) { t.sinks = append(t.sinks, s) }
}

// Trail - журнал аудита на диске
type Trail struct {
	dir           string
	maxSize       int64
	compressAfter int
	retention     int
	logger        *utils.Logger
	now           func() time.Time
	sinks         []*AsyncSink

	mu       sync.Mutex
	file     *os.File
	fileName string
	fileDay  string
	fileIdx  int
	fileSize int64
	seq      uint64
	closed   bool
}

// NewTrail открывает каталог журнала и восстанавливает последний Seq
func NewTrail(cfg config.AuditConfig, logger *utils.Logger, opts ...Option) (*Trail, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit dir is empty")
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	t := &Trail{
		dir:           cfg.Dir,
		maxSize:       cfg.MaxFileSizeBytes,
		compressAfter: cfg.CompressAfterDays,
		retention:     cfg.RetentionDays,
		logger:        logger.WithComponent("audit"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	seq, err := t.lastSeq()
	if err != nil {
		return nil, err
	}
	t.seq = seq

	return t, nil
}

// Dir - каталог журнала
func (t *Trail) Dir() string {
	return t.dir
}

// Append дописывает запись. Seq назначается журналом.
func (t *Trail) Append(entry models.AuditEntry) error {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}

	now := t.now().UTC()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	entry.Seq = t.seq + 1

	line, err := json.Marshal(entry)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("encode audit entry: %w", err)
	}
	line = append(line, '\n')

	if err := t.ensureFile(now, int64(len(line))); err != nil {
		t.mu.Unlock()
		return err
	}

	if _, err := t.file.Write(line); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := t.file.Sync(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("sync audit file: %w", err)
	}

	t.seq = entry.Seq
	t.fileSize += int64(len(line))
	sinks := t.sinks
	t.mu.Unlock()

	EntriesWritten.WithLabelValues(string(entry.Type)).Inc()
	for _, s := range sinks {
		s.Enqueue(entry)
	}
	return nil
}

// LastSeq - номер последней записанной записи
func (t *Trail) LastSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Close закрывает текущий файл и дожидается зеркал
func (t *Trail) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var err error
	if t.file != nil {
		err = t.file.Close()
		t.file = nil
	}
	sinks := t.sinks
	t.mu.Unlock()

	for _, s := range sinks {
		s.Close()
	}
	return err
}

// ensureFile открывает файл текущего дня; ротация по дате и размеру.
// Вызывается под mu.
func (t *Trail) ensureFile(now time.Time, next int64) error {
	day := utils.DayKey(now)

	if t.file != nil && t.fileDay == day {
		if t.maxSize <= 0 || t.fileSize == 0 || t.fileSize+next <= t.maxSize {
			return nil
		}
		// ротация по размеру
		t.file.Close()
		t.file = nil
		Rotations.WithLabelValues("size").Inc()
		return t.openFile(day, t.fileIdx+1)
	}

	if t.file != nil {
		t.file.Close()
		t.file = nil
		Rotations.WithLabelValues("day").Inc()
	}

	// после рестарта продолжаем последний файл дня
	idx := 0
	files, err := t.listFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.day == day && f.index >= idx {
			idx = f.index
			if f.compressed {
				idx++
			}
		}
	}
	if err := t.openFile(day, idx); err != nil {
		return err
	}
	if t.maxSize > 0 && t.fileSize > 0 && t.fileSize+next > t.maxSize {
		t.file.Close()
		t.file = nil
		return t.openFile(day, idx+1)
	}
	return nil
}

func (t *Trail) openFile(day string, idx int) error {
	name := fileName(day, idx)
	path := filepath.Join(t.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}

	t.file = f
	t.fileName = name
	t.fileDay = day
	t.fileIdx = idx
	t.fileSize = info.Size()
	return nil
}

// currentFile - имя открытого файла (не трогается обслуживанием)
func (t *Trail) currentFile() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fileName
}

// ============================================================
// Чтение
// ============================================================

// Iterate читает записи в порядке записи. Нулевые since/until - без границы.
// Повреждённые строки пропускаются с предупреждением.
func (t *Trail) Iterate(since, until time.Time, fn func(models.AuditEntry) error) error {
	files, err := t.listFiles()
	if err != nil {
		return err
	}

	for _, f := range files {
		if !f.overlaps(since, until) {
			continue
		}
		if err := t.readFile(f, func(e models.AuditEntry) error {
			if !since.IsZero() && e.Timestamp.Before(since) {
				return nil
			}
			if !until.IsZero() && e.Timestamp.After(until) {
				return nil
			}
			return fn(e)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Query возвращает записи в интервале
func (t *Trail) Query(since, until time.Time) ([]models.AuditEntry, error) {
	var out []models.AuditEntry
	err := t.Iterate(since, until, func(e models.AuditEntry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// Events возвращает события переходов (TRANSITION и RETRIGGER) по порядку
func (t *Trail) Events() ([]models.KillSwitchEvent, error) {
	var out []models.KillSwitchEvent
	err := t.Iterate(time.Time{}, time.Time{}, func(e models.AuditEntry) error {
		if e.Event != nil && (e.Type == models.AuditTransition || e.Type == models.AuditRetrigger) {
			out = append(out, *e.Event)
		}
		return nil
	})
	return out, err
}

// Count - число записей во всём журнале
func (t *Trail) Count() (int, error) {
	n := 0
	err := t.Iterate(time.Time{}, time.Time{}, func(models.AuditEntry) error {
		n++
		return nil
	})
	return n, err
}

func (t *Trail) readFile(f logFile, fn func(models.AuditEntry) error) error {
	fh, err := os.Open(filepath.Join(t.dir, f.name))
	if errors.Is(err, os.ErrNotExist) {
		// файл мог быть сжат или удалён обслуживанием
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", f.name, err)
	}
	defer fh.Close()

	var r io.Reader = fh
	if f.compressed {
		gz, err := gzip.NewReader(fh)
		if err != nil {
			return fmt.Errorf("open gzip %s: %w", f.name, err)
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e models.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			t.logger.Warn("skipping malformed audit line",
				utils.String("file", f.name),
				utils.Int("line", lineNo),
				utils.Err(err),
			)
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", f.name, err)
	}
	return nil
}

// lastSeq находит наибольший Seq в самом новом файле
func (t *Trail) lastSeq() (uint64, error) {
	files, err := t.listFiles()
	if err != nil {
		return 0, err
	}
	for i := len(files) - 1; i >= 0; i-- {
		var last uint64
		if err := t.readFile(files[i], func(e models.AuditEntry) error {
			if e.Seq > last {
				last = e.Seq
			}
			return nil
		}); err != nil {
			return 0, err
		}
		if last > 0 {
			return last, nil
		}
	}
	return 0, nil
}

// ============================================================
// Имена файлов
// ============================================================

type logFile struct {
	name       string
	day        string
	index      int
	compressed bool
}

func fileName(day string, idx int) string {
	if idx == 0 {
		return filePrefix + day + fileExt
	}
	return filePrefix + day + "." + strconv.Itoa(idx) + fileExt
}

// parseFileName разбирает audit-YYYY-MM-DD[.N].jsonl[.gz]
func parseFileName(name string) (logFile, bool) {
	f := logFile{name: name}
	rest := name
	if strings.HasSuffix(rest, gzExt) {
		f.compressed = true
		rest = strings.TrimSuffix(rest, gzExt)
	}
	if !strings.HasPrefix(rest, filePrefix) || !strings.HasSuffix(rest, fileExt) {
		return f, false
	}
	rest = strings.TrimSuffix(strings.TrimPrefix(rest, filePrefix), fileExt)

	day, idx, found := strings.Cut(rest, ".")
	if _, err := utils.ParseDayKey(day); err != nil {
		return f, false
	}
	f.day = day
	if found {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 1 {
			return f, false
		}
		f.index = n
	}
	return f, true
}

// overlaps - может ли файл содержать записи интервала (по дате в имени).
// Допуск в сутки: время записи задаёт вызывающий, а файл - часы журнала.
func (f logFile) overlaps(since, until time.Time) bool {
	if !since.IsZero() && f.day < utils.DayKey(since.UTC().AddDate(0, 0, -1)) {
		return false
	}
	if !until.IsZero() && f.day > utils.DayKey(until.UTC().AddDate(0, 0, 1)) {
		return false
	}
	return true
}

// listFiles - файлы журнала в порядке записи
func (t *Trail) listFiles() ([]logFile, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("read audit dir: %w", err)
	}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}

	var files []logFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		// сжатие прервано после rename: сжатая копия уже полная
		if !f.compressed && names[f.name+gzExt] {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].day != files[j].day {
			return files[i].day < files[j].day
		}
		return files[i].index < files[j].index
	})
	return files, nil
}
