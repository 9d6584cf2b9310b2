package watcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"killswitch/internal/health"
	"killswitch/internal/models"
	"killswitch/internal/trigger"
	"killswitch/pkg/utils"
)

// killfile.go - аварийный kill через файл
//
// Появление файла по пути kill_file вызывает ручной kill. Первая строка
// файла (если есть) становится причиной. Работает даже когда API
// недоступен: достаточно `touch` на хосте демона.

// TriggeredBy - инициатор kill в событии и журнале
const TriggeredBy = "kill_file"

// maxReasonBytes ограничивает чтение причины из файла
const maxReasonBytes = 512

// Target - получатель kill
type Target interface {
	Trigger(reason, triggeredBy string) (models.KillSwitchEvent, error)
	IsKilled() bool
}

// KillFileWatcher следит за появлением kill файла
//
// Следит за родительским каталогом: сам файл может не существовать.
// Create всегда вызывает Trigger (в KILLED это обновит причину).
// Write и Chmod (touch существующего файла) вызывают Trigger только вне KILLED.
type KillFileWatcher struct {
	path    string
	target  Target
	watcher *fsnotify.Watcher
	logger  *utils.Logger
}

// NewKillFileWatcher создает watcher и сразу подписывается на каталог,
// так что файл, созданный после возврата, не будет пропущен.
func NewKillFileWatcher(path string, target Target, logger *utils.Logger) (*KillFileWatcher, error) {
	if path == "" {
		return nil, errors.New("kill file path is empty")
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve kill file path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &KillFileWatcher{
		path:    abs,
		target:  target,
		watcher: w,
		logger:  logger.WithComponent("kill_file").With(utils.Path(abs)),
	}, nil
}

// Path возвращает абсолютный путь kill файла
func (kw *KillFileWatcher) Path() string {
	return kw.path
}

// Run обрабатывает события до отмены ctx или закрытия watcher.
// Файл, существующий при старте, сразу вызывает kill (если не KILLED).
func (kw *KillFileWatcher) Run(ctx context.Context) {
	if exists(kw.path) && !kw.target.IsKilled() {
		kw.fire("present at startup")
	}

	kw.logger.Info("kill file watcher started")

	for {
		select {
		case event, ok := <-kw.watcher.Events:
			if !ok {
				return
			}
			kw.handleEvent(event)

		case err, ok := <-kw.watcher.Errors:
			if !ok {
				return
			}
			kw.logger.Warn("kill file watcher error", utils.Err(err))

		case <-ctx.Done():
			kw.logger.Debug("kill file watcher stopping")
			return
		}
	}
}

// Stop закрывает fs watcher, Run завершается
func (kw *KillFileWatcher) Stop() error {
	return kw.watcher.Close()
}

func (kw *KillFileWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != kw.path {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		kw.fire("created")
	case event.Has(fsnotify.Write), event.Has(fsnotify.Chmod):
		if !kw.target.IsKilled() {
			kw.fire("touched")
		}
	}
}

func (kw *KillFileWatcher) fire(how string) {
	reason := readReason(kw.path)
	if reason == "" {
		reason = fmt.Sprintf("kill file %s %s", kw.path, how)
	}

	ev, err := kw.target.Trigger(reason, TriggeredBy)
	if err != nil {
		kw.logger.Error("kill via kill file failed", utils.Reason(reason), utils.Err(err))
		return
	}
	kw.logger.Warn("kill requested via kill file",
		utils.EventID(ev.EventID),
		utils.Reason(reason),
		utils.ToState(string(ev.ToState)),
	)
}

// readReason возвращает первую непустую строку файла
func readReason(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(io.LimitReader(f, maxReasonBytes))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line
		}
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// AbsentCheck - проверка здоровья: kill файл должен быть удален до восстановления
func AbsentCheck(path string) health.Check {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return health.NewCheck("kill_file_absent", func(trigger.Context) error {
		if exists(abs) {
			return fmt.Errorf("kill file %s still present", abs)
		}
		return nil
	})
}
